package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProviderErrorIs(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &ProviderError{Kind: ProviderNotFound, Op: "fetchMergeRequest", StatusCode: 404})

	assert.True(t, errors.Is(err, &ProviderError{Kind: ProviderNotFound}))
	assert.False(t, errors.Is(err, &ProviderError{Kind: ProviderConflict}))
	assert.True(t, IsProviderKind(err, ProviderNotFound))
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(&ProviderError{Kind: ProviderRateLimited, RetryAfter: time.Second}))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"timeout", fmt.Errorf("await: %w", ErrPollTimeout), OutcomePending},
		{"canceled", context.Canceled, OutcomePending},
		{"divergence", &SyncDivergenceError{Intent: "accept", Expected: StateMerged, Observed: StateOpened}, OutcomeDiverged},
		{"unresolved", ErrUnresolved, OutcomeDiverged},
		{"transition", &TransitionError{Intent: "edit", From: StateMerged}, OutcomeFailed},
		{"blocked", &MergeBlockedError{Reason: MergeBlockedConflicts}, OutcomeFailed},
		{"provider", &ProviderError{Kind: ProviderUnavailable}, OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	assert.ErrorIs(t, &TransitionError{Intent: "close", From: StateClosed}, ErrInvalidTransition)
	assert.ErrorIs(t, &MergeBlockedError{Reason: MergeBlockedConflicts}, ErrMergeBlocked)
	assert.ErrorIs(t, &SyncDivergenceError{}, ErrSyncDivergence)
}
