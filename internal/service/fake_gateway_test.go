package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/poll"
	"github.com/vilaca/mlsync/internal/storage/memory"
)

// fakeGateway simulates a provider in memory. Func fields override single
// operations, as in the mockClient doubles used elsewhere.
type fakeGateway struct {
	mu       sync.Mutex
	clock    time.Time
	mrs      map[domain.MergeRequestKey]domain.MergeRequest
	compares map[string]*domain.Comparison
	runs     map[string]domain.PipelineRun
	calls    map[string]int

	acceptFunc   func(m *domain.MergeRequest, opts domain.AcceptOptions) error
	compareFunc  func(from, to string) (*domain.Comparison, error)
	listFunc     func(ctx context.Context, projectID string) ([]domain.PipelineRun, error)
	fetchRunFunc func(runID string) (*domain.PipelineRun, error)
	triggerFunc  func(d domain.PipelineDescriptor) (*domain.PipelineRun, error)
}

var merger = domain.UserProfile{ID: 7, Username: "maintainer"}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		clock:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		mrs:      make(map[domain.MergeRequestKey]domain.MergeRequest),
		compares: make(map[string]*domain.Comparison),
		runs:     make(map[string]domain.PipelineRun),
		calls:    make(map[string]int),
	}
}

func (g *fakeGateway) tick() time.Time {
	g.clock = g.clock.Add(time.Second)
	return g.clock
}

func (g *fakeGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) addMergeRequest(m domain.MergeRequest) domain.MergeRequestKey {
	g.mu.Lock()
	defer g.mu.Unlock()
	m.UpdatedAt = g.tick()
	g.mrs[m.Key()] = m
	return m.Key()
}

func (g *fakeGateway) setCompare(from, to string, c *domain.Comparison) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.compares[from+"..."+to] = c
}

func (g *fakeGateway) setRun(run domain.PipelineRun) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run.UpdatedAt = g.tick()
	if run.Status.IsTerminal() && run.FinishedAt == nil {
		at := run.UpdatedAt
		run.FinishedAt = &at
	}
	g.runs[run.ID] = run
}

func (g *fakeGateway) FetchMergeRequest(_ context.Context, projectID string, iid int) (*domain.MergeRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["fetch"]++
	m, ok := g.mrs[domain.MergeRequestKey{ProjectID: projectID, IID: iid}]
	if !ok {
		return nil, &domain.ProviderError{Kind: domain.ProviderNotFound, Op: "fetch merge request", StatusCode: 404}
	}
	return &m, nil
}

func (g *fakeGateway) CompareBranches(_ context.Context, _ string, from, to string) (*domain.Comparison, error) {
	g.mu.Lock()
	g.calls["compare"]++
	fn := g.compareFunc
	c, ok := g.compares[from+"..."+to]
	g.mu.Unlock()

	if fn != nil {
		return fn(from, to)
	}
	if !ok {
		return &domain.Comparison{}, nil
	}
	return c, nil
}

func (g *fakeGateway) mutate(op string, projectID string, iid int, fn func(m *domain.MergeRequest) error) (*domain.MergeRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	key := domain.MergeRequestKey{ProjectID: projectID, IID: iid}
	m, ok := g.mrs[key]
	if !ok {
		return nil, &domain.ProviderError{Kind: domain.ProviderNotFound, Op: op, StatusCode: 404}
	}
	if err := fn(&m); err != nil {
		return nil, err
	}
	m.UpdatedAt = g.tick()
	g.mrs[key] = m
	return &m, nil
}

func (g *fakeGateway) AcceptMergeRequest(_ context.Context, projectID string, iid int, opts domain.AcceptOptions) (*domain.MergeRequest, error) {
	return g.mutate("accept", projectID, iid, func(m *domain.MergeRequest) error {
		if g.acceptFunc != nil {
			return g.acceptFunc(m, opts)
		}
		if m.State != domain.StateOpened || m.HasConflicts {
			return &domain.ProviderError{Kind: domain.ProviderConflict, Op: "accept", StatusCode: 405}
		}
		at := g.clock
		m.State = domain.StateMerged
		m.MergedBy, m.MergedAt = &merger, &at
		m.Squash = opts.Squash
		m.ShouldRemoveSourceBranch = opts.RemoveSourceBranch
		return nil
	})
}

func (g *fakeGateway) CloseMergeRequest(_ context.Context, projectID string, iid int) (*domain.MergeRequest, error) {
	return g.mutate("close", projectID, iid, func(m *domain.MergeRequest) error {
		at := g.clock
		m.State = domain.StateClosed
		m.ClosedBy, m.ClosedAt = &merger, &at
		return nil
	})
}

func (g *fakeGateway) ReopenMergeRequest(_ context.Context, projectID string, iid int) (*domain.MergeRequest, error) {
	return g.mutate("reopen", projectID, iid, func(m *domain.MergeRequest) error {
		// the provider keeps closed_by around after a reopen
		m.State = domain.StateOpened
		return nil
	})
}

func (g *fakeGateway) UpdateMergeRequest(_ context.Context, projectID string, iid int, fields domain.MergeRequestFields) (*domain.MergeRequest, error) {
	return g.mutate("update", projectID, iid, func(m *domain.MergeRequest) error {
		if fields.Title != nil {
			m.Title = *fields.Title
		}
		if fields.Description != nil {
			m.Description = *fields.Description
		}
		return nil
	})
}

func (g *fakeGateway) ListPipelineRuns(ctx context.Context, projectID string) ([]domain.PipelineRun, error) {
	g.mu.Lock()
	g.calls["list"]++
	fn := g.listFunc
	var runs []domain.PipelineRun
	for _, r := range g.runs {
		runs = append(runs, r)
	}
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, projectID)
	}
	return runs, nil
}

func (g *fakeGateway) FetchPipelineRun(_ context.Context, _ string, runID string) (*domain.PipelineRun, error) {
	g.mu.Lock()
	g.calls["fetch_run"]++
	fn := g.fetchRunFunc
	run, ok := g.runs[runID]
	g.mu.Unlock()

	if fn != nil {
		return fn(runID)
	}
	if !ok {
		return nil, &domain.ProviderError{Kind: domain.ProviderNotFound, Op: "fetch pipeline", StatusCode: 404}
	}
	return &run, nil
}

func (g *fakeGateway) TriggerPipeline(_ context.Context, projectID string, d domain.PipelineDescriptor) (*domain.PipelineRun, error) {
	g.mu.Lock()
	g.calls["trigger"]++
	fn := g.triggerFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(d)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	run := domain.PipelineRun{
		ID:        fmt.Sprintf("%d", 1000+len(g.runs)),
		ProjectID: projectID,
		Ref:       d.ExecutionRef(),
		Status:    domain.StatusPending,
		CreatedAt: g.clock,
		UpdatedAt: g.tick(),
	}
	g.runs[run.ID] = run
	return &run, nil
}

func fastPolicy() poll.Policy {
	return poll.Policy{Interval: time.Millisecond, MaxAttempts: 3, TotalTimeout: time.Second}
}

type fixture struct {
	gateway      *fakeGateway
	session      *Session
	divergence   *DivergenceCalculator
	mergeReqs    *MergeRequestSynchronizer
	orchestrator *PipelineOrchestrator
	repo         *memory.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	gw := newFakeGateway()
	session := OpenSession(context.Background(), domain.UserProfile{ID: 1, Username: "tester"})
	t.Cleanup(session.Close)

	div := NewDivergenceCalculator(gw, logger)
	repo := memory.New()
	return &fixture{
		gateway:      gw,
		session:      session,
		divergence:   div,
		mergeReqs:    NewMergeRequestSynchronizer(session, gw, div, fastPolicy(), logger),
		orchestrator: NewPipelineOrchestrator(session, gw, repo, fastPolicy(), logger),
		repo:         repo,
	}
}

func openedMergeRequest(iid int) domain.MergeRequest {
	return domain.MergeRequest{
		ProjectID:    "42",
		IID:          iid,
		Title:        "Add noise operation",
		State:        domain.StateOpened,
		SourceBranch: "feature",
		TargetBranch: "master",
		CreatedAt:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Author:       domain.UserProfile{ID: 3, Username: "author"},
	}
}
