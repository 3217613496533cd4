package api

import (
	"context"

	"github.com/vilaca/mlsync/internal/domain"
)

// Gateway defines the operations consumed from the external VCS/CI provider.
// Every operation is stateless and safe for concurrent use. Failures are
// reported as *domain.ProviderError.
// Reads may be retried; Accept/Close/Reopen/Update/Trigger must be issued at
// most once per logical intent.
type Gateway interface {
	// FetchMergeRequest returns the provider's current view of a merge request.
	FetchMergeRequest(ctx context.Context, projectID string, iid int) (*domain.MergeRequest, error)

	// CompareBranches returns the commits and diffs reachable from "to" but not from "from".
	CompareBranches(ctx context.Context, projectID, from, to string) (*domain.Comparison, error)

	AcceptMergeRequest(ctx context.Context, projectID string, iid int, opts domain.AcceptOptions) (*domain.MergeRequest, error)
	CloseMergeRequest(ctx context.Context, projectID string, iid int) (*domain.MergeRequest, error)
	ReopenMergeRequest(ctx context.Context, projectID string, iid int) (*domain.MergeRequest, error)
	UpdateMergeRequest(ctx context.Context, projectID string, iid int, fields domain.MergeRequestFields) (*domain.MergeRequest, error)

	// ListPipelineRuns returns recent pipeline runs of a project, newest first.
	ListPipelineRuns(ctx context.Context, projectID string) ([]domain.PipelineRun, error)
	FetchPipelineRun(ctx context.Context, projectID, runID string) (*domain.PipelineRun, error)

	// TriggerPipeline starts external execution of the descriptor on its execution ref.
	// The returned run may carry an empty ID when the provider schedules it asynchronously.
	TriggerPipeline(ctx context.Context, projectID string, descriptor domain.PipelineDescriptor) (*domain.PipelineRun, error)
}

// ClientConfig holds common configuration for API clients.
type ClientConfig struct {
	BaseURL string
	Token   string
}
