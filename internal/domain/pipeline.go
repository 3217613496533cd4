package domain

import (
	"fmt"
	"time"
)

// Status represents the state of a pipeline run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal returns true if the status is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// PipelineRun is one external execution of a pipeline descriptor.
// FinishedAt is set iff the status is terminal.
type PipelineRun struct {
	ID             string
	ProjectID      string
	DescriptorSlug string
	Ref            string
	Status         Status
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	// UpdatedAt is the provider's freshness stamp for this run.
	UpdatedAt time.Time
	WebURL    string
}

// Validate checks the finished-at invariant.
func (r PipelineRun) Validate() error {
	if r.Status.IsTerminal() != (r.FinishedAt != nil) {
		return fmt.Errorf("pipeline run %s: status %q with finished_at set=%t", r.ID, r.Status, r.FinishedAt != nil)
	}
	return nil
}

// Project represents a provider project.
type Project struct {
	ID            string
	Name          string
	WebURL        string
	DefaultBranch string
}
