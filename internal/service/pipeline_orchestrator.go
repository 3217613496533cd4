package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/api"
	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/poll"
	"github.com/vilaca/mlsync/internal/storage"
)

// maxSlugAttempts bounds Create when concurrent creates race for the same sequence.
const maxSlugAttempts = 5

type runKey struct {
	projectID string
	runID     string
}

// PipelineOrchestrator creates pipeline descriptors, triggers them on the
// provider and follows the resulting runs. Run status only ever comes from
// the provider.
type PipelineOrchestrator struct {
	session     *Session
	gateway     api.Gateway
	descriptors storage.DescriptorRepository
	policy      poll.Policy
	runs        *entityCache[runKey, domain.PipelineRun]
	locks       *keyedMutex[string]
	now         func() time.Time
	logger      *zap.Logger
}

// NewPipelineOrchestrator creates an orchestrator. policy is the default
// budget for Resolve and AwaitTerminal.
func NewPipelineOrchestrator(session *Session, gateway api.Gateway, descriptors storage.DescriptorRepository, policy poll.Policy, logger *zap.Logger) *PipelineOrchestrator {
	return &PipelineOrchestrator{
		session:     session,
		gateway:     gateway,
		descriptors: descriptors,
		policy:      policy,
		runs: newEntityCache[runKey](func(r domain.PipelineRun) time.Time {
			return r.UpdatedAt
		}),
		locks:  newKeyedMutex[string](),
		now:    time.Now,
		logger: logger,
	}
}

// Policy returns the default polling budget.
func (o *PipelineOrchestrator) Policy() poll.Policy {
	return o.policy
}

// Create stores a new descriptor derived from spec. It does not start execution.
func (o *PipelineOrchestrator) Create(ctx context.Context, projectID string, spec domain.PipelineSpec) (domain.PipelineDescriptor, error) {
	if err := o.session.check(); err != nil {
		return domain.PipelineDescriptor{}, err
	}
	if spec.Type == "" {
		spec.Type = domain.PipelineTypeData
	}
	if err := spec.Validate(); err != nil {
		return domain.PipelineDescriptor{}, fmt.Errorf("%w: %w", domain.ErrInvalidDescriptor, err)
	}

	name := spec.QualifiedName()
	base := domain.Slugify(name)
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		seq, err := o.descriptors.NextSequence(ctx, projectID, base)
		if err != nil {
			return domain.PipelineDescriptor{}, fmt.Errorf("next sequence for %s: %w", name, err)
		}

		d := domain.PipelineDescriptor{
			ID:           uuid.NewString(),
			ProjectID:    projectID,
			Name:         name,
			Slug:         domain.DescriptorSlug(name, seq),
			Sequence:     seq,
			SourceBranch: spec.SourceBranch,
			Type:         spec.Type,
			InputFiles:   spec.InputFiles,
			Operations:   spec.Operations,
			CreatedAt:    o.now().UTC(),
			State:        domain.DescriptorCreated,
		}

		err = o.descriptors.Insert(ctx, d)
		if errors.Is(err, storage.ErrSlugTaken) {
			o.logger.Debug("slug taken, retrying", zap.String("slug", d.Slug), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return domain.PipelineDescriptor{}, fmt.Errorf("store descriptor %s: %w", d.Slug, err)
		}

		o.logger.Info("pipeline descriptor created",
			zap.String("project", projectID),
			zap.String("slug", d.Slug),
			zap.String("user", o.session.User().Username))
		return d, nil
	}
	return domain.PipelineDescriptor{}, fmt.Errorf("create %s: %w after %d attempts", name, storage.ErrSlugTaken, maxSlugAttempts)
}

// List returns the descriptors of a project in creation order.
func (o *PipelineOrchestrator) List(ctx context.Context, projectID string) ([]domain.PipelineDescriptor, error) {
	return o.descriptors.ListByProject(ctx, projectID)
}

// Get returns a descriptor by slug.
func (o *PipelineOrchestrator) Get(ctx context.Context, projectID, slug string) (domain.PipelineDescriptor, error) {
	return o.descriptors.Get(ctx, projectID, slug)
}

// Trigger starts external execution of a created descriptor and returns the
// new run. A provider failure wraps domain.ErrTriggerFailed and leaves the
// descriptor created, so Trigger can simply be called again. A descriptor that
// was already triggered is not triggered twice; its run is refreshed instead.
// A run already present on the execution ref, from an earlier trigger that was
// accepted but never resolved, is adopted instead of starting another one.
func (o *PipelineOrchestrator) Trigger(ctx context.Context, projectID, slug string) (domain.PipelineRun, error) {
	if err := o.session.check(); err != nil {
		return domain.PipelineRun{}, err
	}
	unlock := o.locks.lock(projectID + "/" + slug)
	defer unlock()

	d, err := o.descriptors.Get(ctx, projectID, slug)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	if d.State == domain.DescriptorTriggered {
		return o.Refresh(ctx, projectID, d.RunID)
	}

	existing, found, err := o.matchRun(ctx, d)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("%w: %s: %w", domain.ErrTriggerFailed, slug, err)
	}
	if found {
		o.logger.Info("adopting run already on execution ref", zap.String("slug", slug), zap.String("run", existing.ID))
		return o.recordTrigger(ctx, d, existing)
	}

	run, err := o.gateway.TriggerPipeline(ctx, projectID, d)
	if err != nil {
		o.logger.Warn("trigger failed", zap.String("slug", slug), zap.Error(err))
		return domain.PipelineRun{}, fmt.Errorf("%w: %s: %w", domain.ErrTriggerFailed, slug, err)
	}

	if run.ID == "" {
		resolved, err := o.Resolve(ctx, d, o.policy)
		if err != nil {
			return domain.PipelineRun{}, err
		}
		run = &resolved
	}
	return o.recordTrigger(ctx, d, *run)
}

func (o *PipelineOrchestrator) recordTrigger(ctx context.Context, d domain.PipelineDescriptor, run domain.PipelineRun) (domain.PipelineRun, error) {
	run.DescriptorSlug = d.Slug
	if err := o.descriptors.MarkTriggered(ctx, d.ProjectID, d.Slug, run.ID, o.now().UTC()); err != nil {
		return run, fmt.Errorf("record trigger of %s: %w", d.Slug, err)
	}

	stored := o.store(d.ProjectID, run)
	o.logger.Info("pipeline triggered",
		zap.String("project", d.ProjectID),
		zap.String("slug", d.Slug),
		zap.String("run", stored.ID),
		zap.String("ref", stored.Ref),
		zap.String("status", string(stored.Status)))
	return stored, nil
}

// Resolve finds the provider run of a descriptor by its execution ref.
// Runs appear asynchronously, so the list is polled within policy; finding
// none yields domain.ErrUnresolved.
func (o *PipelineOrchestrator) Resolve(ctx context.Context, d domain.PipelineDescriptor, policy poll.Policy) (domain.PipelineRun, error) {
	ref := d.ExecutionRef()
	res, err := poll.Until(ctx, policy, func(ctx context.Context) (domain.PipelineRun, bool, error) {
		return o.matchRun(ctx, d)
	})
	if errors.Is(err, domain.ErrPollTimeout) {
		o.logger.Warn("pipeline run unresolved", zap.String("slug", d.Slug), zap.String("ref", ref), zap.Int("attempts", res.Attempts))
		return domain.PipelineRun{}, fmt.Errorf("%w: ref %s after %d attempts", domain.ErrUnresolved, ref, res.Attempts)
	}
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("resolve %s: %w", d.Slug, err)
	}

	run := res.Value
	run.DescriptorSlug = d.Slug
	return o.store(d.ProjectID, run), nil
}

// matchRun looks for a provider run on the execution ref of d.
func (o *PipelineOrchestrator) matchRun(ctx context.Context, d domain.PipelineDescriptor) (domain.PipelineRun, bool, error) {
	runs, err := o.gateway.ListPipelineRuns(ctx, d.ProjectID)
	if err != nil {
		return domain.PipelineRun{}, false, err
	}
	ref := d.ExecutionRef()
	for _, run := range runs {
		if run.Ref == ref {
			return run, true, nil
		}
	}
	return domain.PipelineRun{}, false, nil
}

// AwaitTerminal polls run until the provider reports a terminal status or
// policy is exhausted. On exhaustion it returns the last known run and an
// error wrapping domain.ErrPollTimeout; the run stays non-terminal.
func (o *PipelineOrchestrator) AwaitTerminal(ctx context.Context, run domain.PipelineRun, policy poll.Policy) (domain.PipelineRun, error) {
	if err := o.session.check(); err != nil {
		return run, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	res, err := poll.Until(ctx, policy, func(ctx context.Context) (domain.PipelineRun, bool, error) {
		current, err := o.Refresh(ctx, run.ProjectID, run.ID)
		return current, err == nil && current.Status.IsTerminal(), err
	})

	last := run
	if res.Observed {
		last = res.Value
	}
	if last.DescriptorSlug == "" {
		last.DescriptorSlug = run.DescriptorSlug
	}

	if err != nil {
		o.logger.Info("await ended before terminal status",
			zap.String("run", run.ID),
			zap.String("status", string(last.Status)),
			zap.Int("attempts", res.Attempts),
			zap.Error(err))
		return last, err
	}

	o.logger.Info("pipeline run finished", zap.String("run", run.ID), zap.String("status", string(last.Status)), zap.Duration("elapsed", res.Elapsed))
	return last, nil
}

// Refresh re-reads a run from the provider.
func (o *PipelineOrchestrator) Refresh(ctx context.Context, projectID, runID string) (domain.PipelineRun, error) {
	run, err := o.gateway.FetchPipelineRun(ctx, projectID, runID)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("fetch pipeline run %s: %w", runID, err)
	}
	if cached, ok := o.runs.get(runKey{projectID, runID}); ok && run.DescriptorSlug == "" {
		run.DescriptorSlug = cached.DescriptorSlug
	}
	return o.store(projectID, *run), nil
}

// Run returns the run of a triggered descriptor, from the local view when
// known. The bool is false while the descriptor was never triggered.
func (o *PipelineOrchestrator) Run(ctx context.Context, projectID, slug string) (domain.PipelineRun, bool, error) {
	d, err := o.descriptors.Get(ctx, projectID, slug)
	if err != nil {
		return domain.PipelineRun{}, false, err
	}
	if d.State != domain.DescriptorTriggered {
		return domain.PipelineRun{}, false, nil
	}
	if run, ok := o.runs.get(runKey{projectID, d.RunID}); ok {
		return run, true, nil
	}

	run, err := o.Refresh(ctx, projectID, d.RunID)
	if err != nil {
		return domain.PipelineRun{}, true, err
	}
	run.DescriptorSlug = d.Slug
	return o.store(projectID, run), true, nil
}

// Pending returns the known runs that have not reached a terminal status.
func (o *PipelineOrchestrator) Pending() []domain.PipelineRun {
	var out []domain.PipelineRun
	for _, run := range o.runs.values() {
		if !run.Status.IsTerminal() {
			out = append(out, run)
		}
	}
	return out
}

func (o *PipelineOrchestrator) store(projectID string, run domain.PipelineRun) domain.PipelineRun {
	run.ProjectID = projectID
	stored, _ := o.runs.put(runKey{projectID, run.ID}, run)
	return stored
}
