// Package poll awaits eventually-consistent provider state with a bounded
// number of attempts and a bounded total duration.
//
// A Policy fully describes one await; the scheduler keeps no state between
// calls. Within a call the last observed value lives in a single slot owned by
// the polling loop, so concurrent loops never share mutable state.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vilaca/mlsync/internal/domain"
)

// Policy bounds a polling loop.
type Policy struct {
	// Interval is the wait between two attempts.
	Interval time.Duration
	// MaxAttempts caps the number of probe calls.
	MaxAttempts int
	// TotalTimeout caps the wall-clock duration of the whole await.
	TotalTimeout time.Duration
	// MaxBackoff caps the wait after a RateLimited response. Defaults to 8*Interval.
	MaxBackoff time.Duration
}

// DefaultPolicy is used when no policy is configured.
func DefaultPolicy() Policy {
	return Policy{
		Interval:     5 * time.Second,
		MaxAttempts:  60,
		TotalTimeout: 10 * time.Minute,
	}
}

// Validate checks that the policy terminates.
func (p Policy) Validate() error {
	if p.Interval < 0 {
		return fmt.Errorf("poll interval must not be negative, got %v", p.Interval)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("poll max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.TotalTimeout <= 0 {
		return fmt.Errorf("poll total timeout must be positive, got %v", p.TotalTimeout)
	}
	return nil
}

// Probe observes the external state once. It returns the observed value and
// whether that value is final.
type Probe[T any] func(ctx context.Context) (value T, done bool, err error)

// Result is the outcome of an await.
type Result[T any] struct {
	// Value is the last successfully observed value.
	Value T
	// Observed is false when no probe call ever succeeded.
	Observed bool
	Attempts int
	Elapsed  time.Duration
}

// Until calls probe until it reports done, or the policy budget runs out.
//
// Retryable provider errors (Unavailable, RateLimited) consume one attempt and
// polling continues; RateLimited waits with exponential backoff, honouring the
// provider's Retry-After. Any other probe error stops polling and is returned.
// Exhausting attempts or TotalTimeout returns the last result with an error
// wrapping domain.ErrPollTimeout. Cancelling ctx returns the last result with
// ctx's error.
func Until[T any](ctx context.Context, policy Policy, probe Probe[T]) (Result[T], error) {
	var res Result[T]
	if err := policy.Validate(); err != nil {
		return res, err
	}

	start := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, policy.TotalTimeout)
	defer cancel()

	limiter := newRateLimitBackoff(policy)
	var lastErr error

	for res.Attempts < policy.MaxAttempts {
		res.Attempts++
		value, done, err := probe(pollCtx)
		res.Elapsed = time.Since(start)

		wait := policy.Interval
		switch {
		case err == nil:
			res.Value, res.Observed = value, true
			lastErr = nil
			limiter.Reset()
			if done {
				return res, nil
			}
		case ctx.Err() != nil:
			return res, ctx.Err()
		case pollCtx.Err() != nil:
			return res, timeoutError(res, lastErr)
		case domain.IsRetryable(err):
			lastErr = err
			if domain.IsProviderKind(err, domain.ProviderRateLimited) {
				wait = limiter.next(err)
			}
		default:
			return res, err
		}

		if res.Attempts >= policy.MaxAttempts {
			break
		}

		if err := sleep(pollCtx, wait); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			break
		}
	}

	res.Elapsed = time.Since(start)
	return res, timeoutError(res, lastErr)
}

func timeoutError[T any](res Result[T], lastErr error) error {
	err := fmt.Errorf("%w after %d attempts in %v", domain.ErrPollTimeout, res.Attempts, res.Elapsed.Round(time.Millisecond))
	if lastErr != nil {
		return errors.Join(err, lastErr)
	}
	return err
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rateLimitBackoff spaces attempts after RateLimited responses.
type rateLimitBackoff struct {
	*backoff.ExponentialBackOff
}

func newRateLimitBackoff(policy Policy) *rateLimitBackoff {
	initial := policy.Interval
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxWait := policy.MaxBackoff
	if maxWait <= 0 {
		maxWait = 8 * initial
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxWait
	b.MaxElapsedTime = 0
	b.Reset()
	return &rateLimitBackoff{ExponentialBackOff: b}
}

// next returns the wait before the attempt after a RateLimited error.
// The provider's Retry-After wins when it asks for longer.
func (b *rateLimitBackoff) next(err error) time.Duration {
	wait := b.NextBackOff()
	if pe, ok := domain.ProviderErrorOf(err); ok && pe.RetryAfter > wait {
		wait = pe.RetryAfter
	}
	return wait
}
