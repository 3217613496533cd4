package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/poll"
	"github.com/vilaca/mlsync/internal/storage"
)

type fakeMergeRequests struct {
	refreshFunc    func(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error)
	divergenceFunc func(ctx context.Context, key domain.MergeRequestKey) (domain.BranchDivergence, error)
	acceptFunc     func(ctx context.Context, key domain.MergeRequestKey, opts domain.AcceptOptions) (domain.MergeResult, error)
	closeFunc      func(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error)
	editFunc       func(ctx context.Context, key domain.MergeRequestKey, fields domain.MergeRequestFields) (domain.MergeRequest, error)
}

func (f *fakeMergeRequests) Refresh(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error) {
	return f.refreshFunc(ctx, key)
}

func (f *fakeMergeRequests) Divergence(ctx context.Context, key domain.MergeRequestKey) (domain.BranchDivergence, error) {
	return f.divergenceFunc(ctx, key)
}

func (f *fakeMergeRequests) Accept(ctx context.Context, key domain.MergeRequestKey, opts domain.AcceptOptions) (domain.MergeResult, error) {
	return f.acceptFunc(ctx, key, opts)
}

func (f *fakeMergeRequests) Close(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error) {
	return f.closeFunc(ctx, key)
}

func (f *fakeMergeRequests) Reopen(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error) {
	return f.closeFunc(ctx, key)
}

func (f *fakeMergeRequests) Edit(ctx context.Context, key domain.MergeRequestKey, fields domain.MergeRequestFields) (domain.MergeRequest, error) {
	return f.editFunc(ctx, key, fields)
}

type fakePipelines struct {
	createFunc  func(ctx context.Context, projectID string, spec domain.PipelineSpec) (domain.PipelineDescriptor, error)
	listFunc    func(ctx context.Context, projectID string) ([]domain.PipelineDescriptor, error)
	triggerFunc func(ctx context.Context, projectID, slug string) (domain.PipelineRun, error)
	runFunc     func(ctx context.Context, projectID, slug string) (domain.PipelineRun, bool, error)
	refreshFunc func(ctx context.Context, projectID, runID string) (domain.PipelineRun, error)
	awaitFunc   func(ctx context.Context, run domain.PipelineRun, policy poll.Policy) (domain.PipelineRun, error)
}

func (f *fakePipelines) Create(ctx context.Context, projectID string, spec domain.PipelineSpec) (domain.PipelineDescriptor, error) {
	return f.createFunc(ctx, projectID, spec)
}

func (f *fakePipelines) List(ctx context.Context, projectID string) ([]domain.PipelineDescriptor, error) {
	return f.listFunc(ctx, projectID)
}

func (f *fakePipelines) Trigger(ctx context.Context, projectID, slug string) (domain.PipelineRun, error) {
	return f.triggerFunc(ctx, projectID, slug)
}

func (f *fakePipelines) Run(ctx context.Context, projectID, slug string) (domain.PipelineRun, bool, error) {
	return f.runFunc(ctx, projectID, slug)
}

func (f *fakePipelines) Refresh(ctx context.Context, projectID, runID string) (domain.PipelineRun, error) {
	return f.refreshFunc(ctx, projectID, runID)
}

func (f *fakePipelines) AwaitTerminal(ctx context.Context, run domain.PipelineRun, policy poll.Policy) (domain.PipelineRun, error) {
	return f.awaitFunc(ctx, run, policy)
}

func (f *fakePipelines) Policy() poll.Policy {
	return poll.Policy{Interval: time.Millisecond, MaxAttempts: 3, TotalTimeout: time.Hour}
}

func serve(t *testing.T, mrs MergeRequests, pipelines Pipelines, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	router := NewRouter(zap.NewNop(), 10*time.Second, mrs, pipelines)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	}
	return rec, payload
}

func errorBody(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	e, ok := payload["error"].(map[string]any)
	require.True(t, ok, "expected error payload, got %v", payload)
	return e
}

func TestHealth(t *testing.T) {
	rec, payload := serve(t, &fakeMergeRequests{}, &fakePipelines{}, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", payload["status"])
}

func TestGetMergeRequest_ProjectPath(t *testing.T) {
	// Arrange
	var gotKey domain.MergeRequestKey
	mrs := &fakeMergeRequests{
		refreshFunc: func(_ context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error) {
			gotKey = key
			return domain.MergeRequest{ProjectID: key.ProjectID, IID: key.IID, State: domain.StateOpened, Title: "x"}, nil
		},
	}

	// Act
	rec, payload := serve(t, mrs, &fakePipelines{}, http.MethodGet, "/projects/ml%2Fdatasets/merge_requests/12", "")

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.MergeRequestKey{ProjectID: "ml/datasets", IID: 12}, gotKey)
	mr := payload["merge_request"].(map[string]any)
	assert.Equal(t, "opened", mr["state"])
	assert.Nil(t, mr["merged_at"])
}

func TestGetMergeRequest_BadIID(t *testing.T) {
	rec, payload := serve(t, &fakeMergeRequests{}, &fakePipelines{}, http.MethodGet, "/projects/42/merge_requests/abc", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorBody(t, payload)["code"])
}

func TestAccept_ErrorsCarryOutcome(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantOutcome string
	}{
		{"conflicts", &domain.MergeBlockedError{Reason: domain.MergeBlockedConflicts}, http.StatusConflict, "MERGE_BLOCKED", "failed"},
		{"invalid transition", &domain.TransitionError{Intent: "accept", From: domain.StateMerged}, http.StatusConflict, "INVALID_TRANSITION", "failed"},
		{"diverged", &domain.SyncDivergenceError{Intent: "accept", Expected: domain.StateMerged, Observed: domain.StateOpened}, http.StatusConflict, "SYNC_DIVERGENCE", "diverged"},
		{"provider down", &domain.ProviderError{Kind: domain.ProviderUnavailable, Op: "accept"}, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "failed"},
		{"session closed", domain.ErrSessionClosed, http.StatusServiceUnavailable, "SESSION_CLOSED", "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mrs := &fakeMergeRequests{
				acceptFunc: func(context.Context, domain.MergeRequestKey, domain.AcceptOptions) (domain.MergeResult, error) {
					return domain.MergeResult{}, tt.err
				},
			}

			rec, payload := serve(t, mrs, &fakePipelines{}, http.MethodPost, "/projects/42/merge_requests/1/accept", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			e := errorBody(t, payload)
			assert.Equal(t, tt.wantCode, e["code"])
			assert.Equal(t, tt.wantOutcome, e["outcome"])
		})
	}
}

func TestAccept_PassesOptions(t *testing.T) {
	var got domain.AcceptOptions
	mrs := &fakeMergeRequests{
		acceptFunc: func(_ context.Context, key domain.MergeRequestKey, opts domain.AcceptOptions) (domain.MergeResult, error) {
			got = opts
			return domain.MergeResult{
				MergeRequest:        domain.MergeRequest{ProjectID: key.ProjectID, IID: key.IID, State: domain.StateMerged},
				Squashed:            true,
				MergedCommitCount:   1,
				SourceBranchDeleted: true,
			}, nil
		},
	}

	rec, payload := serve(t, mrs, &fakePipelines{}, http.MethodPost, "/projects/42/merge_requests/1/accept",
		`{"squash":true,"remove_source_branch":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.AcceptOptions{Squash: true, RemoveSourceBranch: true}, got)
	assert.Equal(t, float64(1), payload["merged_commit_count"])
	assert.Equal(t, true, payload["source_branch_deleted"])
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	mrs := &fakeMergeRequests{
		closeFunc: func(context.Context, domain.MergeRequestKey) (domain.MergeRequest, error) {
			return domain.MergeRequest{}, &domain.ProviderError{Kind: domain.ProviderRateLimited, RetryAfter: 30 * time.Second}
		},
	}

	rec, _ := serve(t, mrs, &fakePipelines{}, http.MethodPost, "/projects/42/merge_requests/1/close", "")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestEdit_UnknownFieldRejected(t *testing.T) {
	rec, _ := serve(t, &fakeMergeRequests{}, &fakePipelines{}, http.MethodPatch, "/projects/42/merge_requests/1", `{"state":"merged"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEdit_PassesFields(t *testing.T) {
	var got domain.MergeRequestFields
	mrs := &fakeMergeRequests{
		editFunc: func(_ context.Context, key domain.MergeRequestKey, fields domain.MergeRequestFields) (domain.MergeRequest, error) {
			got = fields
			return domain.MergeRequest{ProjectID: key.ProjectID, IID: key.IID, Title: *fields.Title, State: domain.StateOpened}, nil
		},
	}

	rec, _ := serve(t, mrs, &fakePipelines{}, http.MethodPatch, "/projects/42/merge_requests/1", `{"title":"Renamed"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.Title)
	assert.Equal(t, "Renamed", *got.Title)
	assert.Nil(t, got.Description)
}

func TestDivergence_MissingBranchIsUnavailable(t *testing.T) {
	mrs := &fakeMergeRequests{
		divergenceFunc: func(context.Context, domain.MergeRequestKey) (domain.BranchDivergence, error) {
			return domain.BranchDivergence{SourceBranch: "gone", TargetBranch: "master"},
				fmt.Errorf("%w: master...gone", domain.ErrBranchNotFound)
		},
	}

	rec, payload := serve(t, mrs, &fakePipelines{}, http.MethodGet, "/projects/42/merge_requests/1/divergence", "")

	require.Equal(t, http.StatusOK, rec.Code)
	div := payload["divergence"].(map[string]any)
	assert.Equal(t, false, div["available"])
	assert.Equal(t, float64(0), div["ahead"])
	assert.Empty(t, div["changed_files"])
}

func TestPipelineCreate(t *testing.T) {
	// Arrange
	var gotSpec domain.PipelineSpec
	pipelines := &fakePipelines{
		createFunc: func(_ context.Context, projectID string, spec domain.PipelineSpec) (domain.PipelineDescriptor, error) {
			gotSpec = spec
			return domain.PipelineDescriptor{
				ProjectID: projectID,
				Name:      spec.QualifiedName(),
				Slug:      domain.DescriptorSlug(spec.QualifiedName(), 1),
				Sequence:  1,
				Type:      spec.Type,
				State:     domain.DescriptorCreated,
			}, nil
		},
	}
	body := `{"name":"test-pipeline","source_branch":"master","pipeline_type":"DATA",
		"input_files":[{"location":"data/raw.csv"}],
		"data_operations":[{"slug":"noise","parameters":[{"name":"mean","value":"0"}]}]}`

	// Act
	rec, payload := serve(t, &fakeMergeRequests{}, pipelines, http.MethodPost, "/projects/42/pipelines", body)

	// Assert
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "noise", gotSpec.Operations[0].Slug)
	assert.Equal(t, "data/raw.csv", gotSpec.InputFiles[0].Location)
	p := payload["pipeline"].(map[string]any)
	assert.Equal(t, "data-pipeline-test-pipeline-1", p["slug"])
	assert.Equal(t, "data-pipeline/test-pipeline-1", p["execution_ref"])
}

func TestPipelineCreate_Invalid(t *testing.T) {
	pipelines := &fakePipelines{
		createFunc: func(context.Context, string, domain.PipelineSpec) (domain.PipelineDescriptor, error) {
			return domain.PipelineDescriptor{}, fmt.Errorf("%w: source branch is required", domain.ErrInvalidDescriptor)
		},
	}

	rec, _ := serve(t, &fakeMergeRequests{}, pipelines, http.MethodPost, "/projects/42/pipelines", `{"name":"x"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelineList(t *testing.T) {
	pipelines := &fakePipelines{
		listFunc: func(context.Context, string) ([]domain.PipelineDescriptor, error) {
			return []domain.PipelineDescriptor{{Slug: "a-1"}, {Slug: "a-2"}}, nil
		},
	}

	rec, payload := serve(t, &fakeMergeRequests{}, pipelines, http.MethodGet, "/projects/42/pipelines", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, payload["pipelines"], 2)
}

func TestPipelineTrigger_Failed(t *testing.T) {
	pipelines := &fakePipelines{
		triggerFunc: func(context.Context, string, string) (domain.PipelineRun, error) {
			return domain.PipelineRun{}, fmt.Errorf("%w: a-1: %w", domain.ErrTriggerFailed, &domain.ProviderError{Kind: domain.ProviderUnavailable})
		},
	}

	rec, payload := serve(t, &fakeMergeRequests{}, pipelines, http.MethodPost, "/projects/42/pipelines/a-1/trigger", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "TRIGGER_FAILED", errorBody(t, payload)["code"])
}

func TestPipelineTrigger_NotFound(t *testing.T) {
	pipelines := &fakePipelines{
		triggerFunc: func(context.Context, string, string) (domain.PipelineRun, error) {
			return domain.PipelineRun{}, storage.ErrDescriptorNotFound
		},
	}

	rec, _ := serve(t, &fakeMergeRequests{}, pipelines, http.MethodPost, "/projects/42/pipelines/a-1/trigger", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPipelineRun_WaitTimeoutIsPending(t *testing.T) {
	// Arrange
	running := domain.PipelineRun{ID: "7", Status: domain.StatusRunning}
	var gotPolicy poll.Policy
	pipelines := &fakePipelines{
		runFunc: func(context.Context, string, string) (domain.PipelineRun, bool, error) {
			return running, true, nil
		},
		awaitFunc: func(_ context.Context, run domain.PipelineRun, policy poll.Policy) (domain.PipelineRun, error) {
			gotPolicy = policy
			return run, fmt.Errorf("%w after 3 attempts", domain.ErrPollTimeout)
		},
	}

	// Act
	rec, payload := serve(t, &fakeMergeRequests{}, pipelines, http.MethodGet, "/projects/42/pipelines/a-1/run?wait=true", "")

	// Assert
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pending", payload["outcome"])
	assert.Equal(t, "running", payload["run"].(map[string]any)["status"])
	assert.Equal(t, 9*time.Second, gotPolicy.TotalTimeout, "await is capped below the request timeout")
}

func TestPipelineRun_WaitReachesTerminal(t *testing.T) {
	pipelines := &fakePipelines{
		runFunc: func(context.Context, string, string) (domain.PipelineRun, bool, error) {
			return domain.PipelineRun{ID: "7", Status: domain.StatusPending}, true, nil
		},
		awaitFunc: func(_ context.Context, run domain.PipelineRun, _ poll.Policy) (domain.PipelineRun, error) {
			at := time.Now()
			run.Status, run.FinishedAt = domain.StatusFailed, &at
			return run, nil
		},
	}

	rec, payload := serve(t, &fakeMergeRequests{}, pipelines, http.MethodGet, "/projects/42/pipelines/a-1/run?wait=true", "")

	require.Equal(t, http.StatusOK, rec.Code)
	run := payload["run"].(map[string]any)
	assert.Equal(t, "failed", run["status"])
	assert.Equal(t, true, run["terminal"])
}

func TestPipelineRun_NoWaitRefreshes(t *testing.T) {
	refreshed := false
	pipelines := &fakePipelines{
		runFunc: func(context.Context, string, string) (domain.PipelineRun, bool, error) {
			return domain.PipelineRun{ID: "7", Status: domain.StatusPending}, true, nil
		},
		refreshFunc: func(_ context.Context, _ string, runID string) (domain.PipelineRun, error) {
			refreshed = true
			return domain.PipelineRun{ID: runID, Status: domain.StatusRunning}, nil
		},
	}

	rec, payload := serve(t, &fakeMergeRequests{}, pipelines, http.MethodGet, "/projects/42/pipelines/a-1/run", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, refreshed)
	assert.Equal(t, "pending", payload["outcome"])
}

func TestPipelineRun_NotTriggered(t *testing.T) {
	pipelines := &fakePipelines{
		runFunc: func(context.Context, string, string) (domain.PipelineRun, bool, error) {
			return domain.PipelineRun{}, false, nil
		},
	}

	rec, payload := serve(t, &fakeMergeRequests{}, pipelines, http.MethodGet, "/projects/42/pipelines/a-1/run", "")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_TRIGGERED", errorBody(t, payload)["code"])
}

func TestMapServiceError_Unresolved(t *testing.T) {
	status, code := mapServiceError(fmt.Errorf("%w: ref x", domain.ErrUnresolved))

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "UNRESOLVED", code)
}

func TestMapServiceError_Unknown(t *testing.T) {
	status, code := mapServiceError(errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL", code)
}
