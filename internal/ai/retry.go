package ai

import (
	"context"
	"fmt"
	"time"
)

const (
	// defaultMaxRetries is the default number of attempts per call
	defaultMaxRetries = 3

	// defaultRetryDelay is the fixed pause between attempts
	defaultRetryDelay = 5 * time.Second
)

// retryPolicy is a fixed-delay retry schedule.
type retryPolicy struct {
	maxAttempts int
	delay       time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func newRetryPolicy(maxAttempts int, delay time.Duration) retryPolicy {
	return retryPolicy{maxAttempts: maxAttempts, delay: delay, sleep: sleepContext}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryFixed executes fn up to p.maxAttempts times with p.delay between
// attempts. It returns the first successful value, the number of attempts
// made, and the last error when every attempt failed. A cancelled context
// stops the schedule early.
func retryFixed[T any](ctx context.Context, p retryPolicy, fn func(attempt int) (T, error)) (T, int, error) {
	var result T
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		var err error
		result, err = fn(attempt)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return result, attempt, fmt.Errorf("canceled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt < p.maxAttempts {
			if err := p.sleep(ctx, p.delay); err != nil {
				return result, attempt, fmt.Errorf("canceled after attempt %d: %w", attempt, err)
			}
		}
	}

	return result, p.maxAttempts, fmt.Errorf("all %d attempts failed: %w", p.maxAttempts, lastErr)
}
