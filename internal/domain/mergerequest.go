package domain

import (
	"fmt"
	"time"
)

// MergeRequestState is the lifecycle state of a merge request.
type MergeRequestState string

const (
	StateOpened MergeRequestState = "opened"
	StateClosed MergeRequestState = "closed"
	StateMerged MergeRequestState = "merged"
)

// IsTerminal returns true for states that no intent can leave.
func (s MergeRequestState) IsTerminal() bool {
	return s == StateMerged
}

// MergeRequestKey identifies a merge request within the provider.
type MergeRequestKey struct {
	ProjectID string
	IID       int
}

func (k MergeRequestKey) String() string {
	return fmt.Sprintf("%s!%d", k.ProjectID, k.IID)
}

// MergeRequest is the locally materialized view of a provider merge request.
// ClosedBy/ClosedAt are set only when closed, MergedBy/MergedAt only when merged.
type MergeRequest struct {
	ProjectID    string
	IID          int
	Title        string
	Description  string
	State        MergeRequestState
	SourceBranch string
	TargetBranch string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	HasConflicts bool
	Author       UserProfile
	WebURL       string

	ClosedBy *UserProfile
	ClosedAt *time.Time
	MergedBy *UserProfile
	MergedAt *time.Time

	// Merge parameters echoed back by the provider.
	Squash                   bool
	ShouldRemoveSourceBranch bool
	MergeCommitSHA           string
	SquashCommitSHA          string
}

// Key returns the identity of the merge request.
func (m MergeRequest) Key() MergeRequestKey {
	return MergeRequestKey{ProjectID: m.ProjectID, IID: m.IID}
}

// Validate checks the terminal-attribute invariant against the state.
func (m MergeRequest) Validate() error {
	closedSet := m.ClosedBy != nil && m.ClosedAt != nil
	closedAny := m.ClosedBy != nil || m.ClosedAt != nil
	mergedSet := m.MergedBy != nil && m.MergedAt != nil
	mergedAny := m.MergedBy != nil || m.MergedAt != nil

	switch m.State {
	case StateOpened:
		if closedAny || mergedAny {
			return fmt.Errorf("merge request %s: opened but carries closed/merged attributes", m.Key())
		}
	case StateClosed:
		if !closedSet || mergedAny {
			return fmt.Errorf("merge request %s: closed requires closed_by/closed_at only", m.Key())
		}
	case StateMerged:
		if !mergedSet || closedAny {
			return fmt.Errorf("merge request %s: merged requires merged_by/merged_at only", m.Key())
		}
	default:
		return fmt.Errorf("merge request %s: unknown state %q", m.Key(), m.State)
	}
	return nil
}

// Normalize drops terminal attributes that do not belong to the current state.
// The provider keeps closed_by after a reopen, for example.
func (m MergeRequest) Normalize() MergeRequest {
	if m.State != StateClosed {
		m.ClosedBy, m.ClosedAt = nil, nil
	}
	if m.State != StateMerged {
		m.MergedBy, m.MergedAt = nil, nil
	}
	return m
}

// MergeRequestFields holds the editable attributes of a merge request.
// Nil fields are left unchanged.
type MergeRequestFields struct {
	Title       *string
	Description *string
}

// IsEmpty reports whether no field is set.
func (f MergeRequestFields) IsEmpty() bool {
	return f.Title == nil && f.Description == nil
}

// AppliedTo reports whether every set field matches the merge request.
func (f MergeRequestFields) AppliedTo(m MergeRequest) bool {
	if f.Title != nil && *f.Title != m.Title {
		return false
	}
	if f.Description != nil && *f.Description != m.Description {
		return false
	}
	return true
}

// AcceptOptions are request parameters of the accept intent.
// They only affect the provider side effect, never local invariants.
type AcceptOptions struct {
	Squash             bool
	RemoveSourceBranch bool
}

// MergeResult is the outcome of a confirmed accept intent.
type MergeResult struct {
	MergeRequest        MergeRequest
	Squashed            bool
	MergedCommitCount   int
	SourceBranchDeleted bool
}
