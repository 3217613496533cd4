package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/api"
	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/poll"
)

// ErrEmptyEdit is returned by Edit when no field is set.
var ErrEmptyEdit = errors.New("edit requires a title or a description")

// MergeRequestSynchronizer owns the local view of merge requests and is the
// only path that mutates them.
//
// Every verb re-reads the provider before checking its guard, issues the
// mutating call exactly once and then reconciles against the provider until the
// expected state is observed. Verbs against one merge request are serialized.
type MergeRequestSynchronizer struct {
	session    *Session
	gateway    api.Gateway
	divergence *DivergenceCalculator
	reconcile  poll.Policy
	cache      *entityCache[domain.MergeRequestKey, domain.MergeRequest]
	locks      *keyedMutex[domain.MergeRequestKey]
	logger     *zap.Logger
}

// NewMergeRequestSynchronizer creates a synchronizer. reconcile bounds the
// wait for the provider to reflect a verb.
func NewMergeRequestSynchronizer(session *Session, gateway api.Gateway, divergence *DivergenceCalculator, reconcile poll.Policy, logger *zap.Logger) *MergeRequestSynchronizer {
	return &MergeRequestSynchronizer{
		session:    session,
		gateway:    gateway,
		divergence: divergence,
		reconcile:  reconcile,
		cache: newEntityCache[domain.MergeRequestKey](func(m domain.MergeRequest) time.Time {
			return m.UpdatedAt
		}),
		locks:  newKeyedMutex[domain.MergeRequestKey](),
		logger: logger,
	}
}

// Get returns the last confirmed view of a merge request, if it was ever fetched.
func (s *MergeRequestSynchronizer) Get(key domain.MergeRequestKey) (domain.MergeRequest, bool) {
	return s.cache.get(key)
}

// Tracked returns the merge requests whose state can still change.
func (s *MergeRequestSynchronizer) Tracked() []domain.MergeRequestKey {
	var keys []domain.MergeRequestKey
	for _, m := range s.cache.values() {
		if !m.State.IsTerminal() {
			keys = append(keys, m.Key())
		}
	}
	return keys
}

// Refresh re-reads a merge request from the provider.
func (s *MergeRequestSynchronizer) Refresh(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error) {
	if err := s.session.check(); err != nil {
		return domain.MergeRequest{}, err
	}
	return s.fetch(ctx, key)
}

// Divergence refreshes the merge request and derives the divergence of its
// current source and target branches.
func (s *MergeRequestSynchronizer) Divergence(ctx context.Context, key domain.MergeRequestKey) (domain.BranchDivergence, error) {
	mr, err := s.Refresh(ctx, key)
	if err != nil {
		return domain.BranchDivergence{}, err
	}
	return s.divergence.Compute(ctx, key.ProjectID, mr.SourceBranch, mr.TargetBranch)
}

// Accept merges an opened merge request without conflicts.
func (s *MergeRequestSynchronizer) Accept(ctx context.Context, key domain.MergeRequestKey, opts domain.AcceptOptions) (domain.MergeResult, error) {
	if err := s.session.check(); err != nil {
		return domain.MergeResult{}, err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	current, err := s.fetch(ctx, key)
	if err != nil {
		return domain.MergeResult{}, err
	}
	if current.State != domain.StateOpened {
		return domain.MergeResult{}, &domain.TransitionError{Intent: "accept", From: current.State}
	}
	if current.HasConflicts {
		return domain.MergeResult{}, &domain.MergeBlockedError{Reason: domain.MergeBlockedConflicts}
	}

	div, err := s.divergence.Compute(ctx, key.ProjectID, current.SourceBranch, current.TargetBranch)
	if err != nil {
		return domain.MergeResult{}, err
	}

	s.logger.Info("accepting merge request",
		zap.Stringer("merge_request", key),
		zap.Bool("squash", opts.Squash),
		zap.Bool("remove_source_branch", opts.RemoveSourceBranch),
		zap.Int("ahead", div.Ahead()))

	resp, err := s.gateway.AcceptMergeRequest(ctx, key.ProjectID, key.IID, opts)
	if err != nil {
		return domain.MergeResult{}, fmt.Errorf("accept merge request %s: %w", key, err)
	}

	merged, err := s.await(ctx, "accept", key, resp, domain.StateMerged, nil)
	if err != nil {
		return domain.MergeResult{MergeRequest: merged}, err
	}

	commits := div.Ahead()
	if opts.Squash && commits > 1 {
		commits = 1
	}
	return domain.MergeResult{
		MergeRequest:        merged,
		Squashed:            opts.Squash,
		MergedCommitCount:   commits,
		SourceBranchDeleted: opts.RemoveSourceBranch || merged.ShouldRemoveSourceBranch,
	}, nil
}

// Close closes an opened merge request.
func (s *MergeRequestSynchronizer) Close(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error) {
	return s.transition(ctx, key, "close", domain.StateOpened, domain.StateClosed, s.gateway.CloseMergeRequest)
}

// Reopen reopens a closed merge request.
func (s *MergeRequestSynchronizer) Reopen(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error) {
	return s.transition(ctx, key, "reopen", domain.StateClosed, domain.StateOpened, s.gateway.ReopenMergeRequest)
}

// Edit changes the title and/or description of an opened merge request.
func (s *MergeRequestSynchronizer) Edit(ctx context.Context, key domain.MergeRequestKey, fields domain.MergeRequestFields) (domain.MergeRequest, error) {
	if err := s.session.check(); err != nil {
		return domain.MergeRequest{}, err
	}
	if fields.IsEmpty() {
		return domain.MergeRequest{}, ErrEmptyEdit
	}
	unlock := s.locks.lock(key)
	defer unlock()

	current, err := s.fetch(ctx, key)
	if err != nil {
		return domain.MergeRequest{}, err
	}
	if current.State != domain.StateOpened {
		return domain.MergeRequest{}, &domain.TransitionError{Intent: "edit", From: current.State}
	}

	resp, err := s.gateway.UpdateMergeRequest(ctx, key.ProjectID, key.IID, fields)
	if err != nil {
		return domain.MergeRequest{}, fmt.Errorf("edit merge request %s: %w", key, err)
	}
	return s.await(ctx, "edit", key, resp, domain.StateOpened, fields.AppliedTo)
}

type mergeRequestVerb func(ctx context.Context, projectID string, iid int) (*domain.MergeRequest, error)

func (s *MergeRequestSynchronizer) transition(ctx context.Context, key domain.MergeRequestKey, intent string, from, to domain.MergeRequestState, verb mergeRequestVerb) (domain.MergeRequest, error) {
	if err := s.session.check(); err != nil {
		return domain.MergeRequest{}, err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	current, err := s.fetch(ctx, key)
	if err != nil {
		return domain.MergeRequest{}, err
	}
	if current.State != from {
		return domain.MergeRequest{}, &domain.TransitionError{Intent: intent, From: current.State}
	}

	s.logger.Info("merge request transition",
		zap.String("intent", intent),
		zap.Stringer("merge_request", key),
		zap.String("user", s.session.User().Username))

	resp, err := verb(ctx, key.ProjectID, key.IID)
	if err != nil {
		return domain.MergeRequest{}, fmt.Errorf("%s merge request %s: %w", intent, key, err)
	}
	return s.await(ctx, intent, key, resp, to, nil)
}

// await reconciles a verb response with the provider. The provider's view is
// stored whatever it says; a view that never reaches the expected state is
// reported as a SyncDivergenceError.
func (s *MergeRequestSynchronizer) await(ctx context.Context, intent string, key domain.MergeRequestKey, resp *domain.MergeRequest, want domain.MergeRequestState, extra func(domain.MergeRequest) bool) (domain.MergeRequest, error) {
	satisfied := func(m domain.MergeRequest) bool {
		return m.State == want && (extra == nil || extra(m))
	}

	last := s.store(key, *resp)
	if satisfied(last) {
		return last, nil
	}

	res, err := poll.Until(ctx, s.reconcile, func(ctx context.Context) (domain.MergeRequest, bool, error) {
		m, err := s.fetch(ctx, key)
		return m, err == nil && satisfied(m), err
	})
	if res.Observed {
		last = res.Value
	}

	switch {
	case err == nil:
		return last, nil
	case errors.Is(err, domain.ErrPollTimeout):
		divErr := &domain.SyncDivergenceError{
			Intent:   intent,
			Key:      key,
			Expected: want,
			Observed: last.State,
		}
		if last.State == want {
			divErr.Detail = "fields not applied"
		}
		s.logger.Warn("provider did not confirm intent",
			zap.String("intent", intent),
			zap.Stringer("merge_request", key),
			zap.String("expected", string(want)),
			zap.String("observed", string(last.State)),
			zap.Int("attempts", res.Attempts))
		return last, divErr
	default:
		return last, fmt.Errorf("reconcile %s on %s: %w", intent, key, err)
	}
}

func (s *MergeRequestSynchronizer) fetch(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error) {
	m, err := s.gateway.FetchMergeRequest(ctx, key.ProjectID, key.IID)
	if err != nil {
		return domain.MergeRequest{}, fmt.Errorf("fetch merge request %s: %w", key, err)
	}
	return s.store(key, *m), nil
}

// store records a provider view under the key it was requested with and
// returns the freshest known view.
func (s *MergeRequestSynchronizer) store(key domain.MergeRequestKey, m domain.MergeRequest) domain.MergeRequest {
	m = m.Normalize()
	m.ProjectID, m.IID = key.ProjectID, key.IID
	stored, _ := s.cache.put(key, m)
	return stored
}
