package httpapi

import (
	"context"

	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/poll"
)

// MergeRequests is the merge request intent surface.
type MergeRequests interface {
	Refresh(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error)
	Divergence(ctx context.Context, key domain.MergeRequestKey) (domain.BranchDivergence, error)
	Accept(ctx context.Context, key domain.MergeRequestKey, opts domain.AcceptOptions) (domain.MergeResult, error)
	Close(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error)
	Reopen(ctx context.Context, key domain.MergeRequestKey) (domain.MergeRequest, error)
	Edit(ctx context.Context, key domain.MergeRequestKey, fields domain.MergeRequestFields) (domain.MergeRequest, error)
}

// Pipelines is the pipeline intent surface.
type Pipelines interface {
	Create(ctx context.Context, projectID string, spec domain.PipelineSpec) (domain.PipelineDescriptor, error)
	List(ctx context.Context, projectID string) ([]domain.PipelineDescriptor, error)
	Trigger(ctx context.Context, projectID, slug string) (domain.PipelineRun, error)
	Run(ctx context.Context, projectID, slug string) (domain.PipelineRun, bool, error)
	Refresh(ctx context.Context, projectID, runID string) (domain.PipelineRun, error)
	AwaitTerminal(ctx context.Context, run domain.PipelineRun, policy poll.Policy) (domain.PipelineRun, error)
	Policy() poll.Policy
}
