package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// DefaultTimeout bounds a single provider operation when the caller
// sets no explicit budget.
const DefaultTimeout = 30 * time.Minute

// DefaultRetryMax is how many times a transient failure is retried
// after the initial attempt.
const DefaultRetryMax = 3

// RetryPolicy bounds how often and how quickly transient failures are
// retried.
type RetryPolicy struct {
	// MaxRetries counts retries after the initial attempt.
	MaxRetries int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when a caller supplies none.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithTimeout wraps a context with a per-resource timeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// RetryWithBackoff runs fn until it succeeds, fails permanently, or the
// retry budget runs out. Only errors shouldRetry accepts are retried;
// between attempts the call sleeps a jittered backoff, and a finished
// context cuts the wait short.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		if attempt >= policy.MaxRetries {
			return fmt.Errorf("max retries (%d) exhausted: %w", policy.MaxRetries, err)
		}

		delay := calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay)
		if werr := waitBackoff(ctx, delay); werr != nil {
			return fmt.Errorf("retry abandoned after attempt %d: %w", attempt+1, werr)
		}
	}
}

// waitBackoff sleeps for the delay unless the context ends first.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := time.NewTimer(delay)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wait.C:
		return nil
	}
}

// calculateBackoff picks a full-jitter delay, uniform between zero and
// the capped exponential for the attempt, so concurrent retries spread
// out instead of synchronizing.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	ceiling := base
	for i := 0; i < attempt && ceiling < max; i++ {
		ceiling *= 2
	}
	if ceiling > max {
		ceiling = max
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}
