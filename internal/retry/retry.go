// Package retry implements the bounded exponential-backoff-with-jitter
// policy shared by SourceClient, SinkClient, and BatchProcessor
// (spec §§4.1, 4.2, 4.7): transient errors are retried up to a small
// count before being promoted to a permanent failure.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the number of attempts and the backoff envelope.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is the "≈3 attempts" policy spec.md calls for throughout.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// IsRetryable classifies whether an error should be retried.
type IsRetryable func(error) bool

// Do invokes fn up to policy.MaxAttempts times, sleeping with
// exponential backoff and full jitter between attempts whenever
// retryable(err) is true. It returns the last error if every attempt
// is exhausted, or immediately returns a non-retryable error.
func Do(ctx context.Context, policy Policy, retryable IsRetryable, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(policy, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return lastErr
}

// backoff computes exponential backoff with full jitter, capped at
// policy.MaxDelay.
func backoff(policy Policy, attempt int) time.Duration {
	exp := policy.BaseDelay << uint(attempt-1)
	if exp > policy.MaxDelay || exp <= 0 {
		exp = policy.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}
