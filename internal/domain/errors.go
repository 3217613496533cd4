package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrMergeBlocked      = errors.New("merge blocked")
	ErrSyncDivergence    = errors.New("local and provider state diverged")
	ErrBranchNotFound    = errors.New("branch not found")
	ErrTriggerFailed     = errors.New("pipeline trigger failed")
	ErrPollTimeout       = errors.New("poll budget exhausted before terminal status")
	ErrUnresolved        = errors.New("no provider pipeline matched the execution ref")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidDescriptor = errors.New("invalid pipeline descriptor")
)

// ProviderErrorKind classifies failures reported by the external provider.
type ProviderErrorKind int

const (
	ProviderUnavailable ProviderErrorKind = iota
	ProviderNotFound
	ProviderUnauthorized
	ProviderConflict
	ProviderRateLimited
)

func (k ProviderErrorKind) String() string {
	switch k {
	case ProviderNotFound:
		return "not_found"
	case ProviderUnauthorized:
		return "unauthorized"
	case ProviderConflict:
		return "conflict"
	case ProviderRateLimited:
		return "rate_limited"
	default:
		return "unavailable"
	}
}

// ProviderError is returned by every gateway operation that fails.
type ProviderError struct {
	Kind       ProviderErrorKind
	Op         string
	StatusCode int
	// RetryAfter is the provider's hint for RateLimited errors, zero if absent.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: provider %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is matches another ProviderError of the same kind, so callers can write
// errors.Is(err, &domain.ProviderError{Kind: domain.ProviderNotFound}).
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	return ok && t.Kind == e.Kind
}

// ProviderErrorOf extracts the provider error from err, if any.
func ProviderErrorOf(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsProviderKind reports whether err is a provider error of the given kind.
func IsProviderKind(err error, kind ProviderErrorKind) bool {
	pe, ok := ProviderErrorOf(err)
	return ok && pe.Kind == kind
}

// IsRetryable reports whether a read may be repeated after err.
func IsRetryable(err error) bool {
	pe, ok := ProviderErrorOf(err)
	if !ok {
		return false
	}
	return pe.Kind == ProviderUnavailable || pe.Kind == ProviderRateLimited
}

// TransitionError reports an intent that is not allowed from the current state.
type TransitionError struct {
	Intent string
	From   MergeRequestState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed while merge request is %s", e.Intent, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// MergeBlockedError reports why an accept intent was refused.
type MergeBlockedError struct {
	Reason string
}

func (e *MergeBlockedError) Error() string {
	return fmt.Sprintf("merge blocked: %s", e.Reason)
}

func (e *MergeBlockedError) Unwrap() error { return ErrMergeBlocked }

// MergeBlockedConflicts is the reason used when the merge request has conflicts.
const MergeBlockedConflicts = "conflicts"

// SyncDivergenceError reports that the provider did not confirm a verb's expected result.
type SyncDivergenceError struct {
	Intent   string
	Key      MergeRequestKey
	Expected MergeRequestState
	Observed MergeRequestState
	Detail   string
}

func (e *SyncDivergenceError) Error() string {
	msg := fmt.Sprintf("%s on %s: expected %s, provider reports %s", e.Intent, e.Key, e.Expected, e.Observed)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *SyncDivergenceError) Unwrap() error { return ErrSyncDivergence }

// Outcome is the user-facing category of an intent result.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeFailed   Outcome = "failed"
	OutcomePending  Outcome = "pending"
	OutcomeDiverged Outcome = "diverged"
)

// Classify maps an error to the category the UI must present:
// failed is actionable, pending means wait, diverged needs manual reconciliation.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrPollTimeout):
		return OutcomePending
	case errors.Is(err, ErrSyncDivergence), errors.Is(err, ErrUnresolved):
		return OutcomeDiverged
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return OutcomePending
	default:
		return OutcomeFailed
	}
}
