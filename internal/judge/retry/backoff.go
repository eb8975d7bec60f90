// Package retry holds the backoff used for sandbox retries and queue redelivery.
package retry

import (
	"context"
	"time"
)

// Compute returns base doubled attempt-1 times, capped at max.
// attempt <= 1 yields base. A non-positive base disables backoff.
func Compute(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			delay = max
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Policy bounds a retry loop.
type Policy struct {
	// Retries is the number of extra attempts after the first.
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retries
// run out. fn receives the 1-based attempt number. The last error is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt > p.Retries || (retryable != nil && !retryable(err)) {
			return attempt, err
		}
		if !Sleep(ctx, Compute(attempt, p.BaseDelay, p.MaxDelay)) {
			return attempt, err
		}
	}
}

// Sleep waits for d or until ctx is done. It reports whether the full delay elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
