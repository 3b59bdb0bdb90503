package fieldsync

import (
	"context"
	"time"

	"fieldsync/common"
)

// retryPolicy bounds a retried operation: at most attempts tries, exponential
// backoff starting at delay and doubling per attempt.
type retryPolicy struct {
	attempts int
	delay    time.Duration
}

// retryWithBackoff runs fn until it succeeds, the attempt budget is spent, a
// permanent (4xx-equivalent) failure is seen, or ctx is done. Both the cache
// fetch path and the queue replay path go through here; neither carries its
// own retry loop.
//
// onFailure, if non-nil, observes every failed attempt (for retry-count and
// last-error bookkeeping). The last error is returned once attempts are
// exhausted.
func retryWithBackoff[T any](ctx context.Context, policy retryPolicy, fn func(ctx context.Context) (T, error), onFailure func(err error)) (T, error) {
	var zero T
	attempts := policy.attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if onFailure != nil {
			onFailure(err)
		}
		if common.IsPermanent(err) {
			// Client errors will not get better on their own.
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
