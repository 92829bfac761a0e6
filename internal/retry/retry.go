// Package retry runs an operation under a bounded attempt policy.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts counts the first try; values below 1 are treated as 1.
	MaxAttempts int
	// Delay before the second attempt. Zero retries immediately.
	Delay time.Duration
	// Multiplier grows the delay per attempt; below 1 means a fixed delay.
	Multiplier float64
	MaxDelay   time.Duration
}

// Once allows one immediate retry after a failure.
var Once = Policy{MaxAttempts: 2}

// Backoff returns the wait before attempt n (1-based). The first attempt never waits.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 || p.Delay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.Delay) * math.Pow(mult, float64(attempt-2))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, retryable reports false, or the policy is exhausted.
// onRetry, if set, is told about every failure that will be retried. The last error is returned.
func Do(ctx context.Context, p Policy, sleep Sleeper, retryable func(error) bool, onRetry func(attempt int, err error), fn func(attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
				return err
			}
		}
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts || (retryable != nil && !retryable(err)) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return err
}
