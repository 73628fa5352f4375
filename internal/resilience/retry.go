package resilience

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy describes a bounded exponential backoff: InitialDelay before
// the second attempt, doubling each retry, MaxAttempts total attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// InitialDelay is the delay before the first retry. Default: 1s.
	InitialDelay time.Duration
}

// DefaultRetryPolicy is the recogniser retry schedule: 3 attempts with
// 1s, 2s, 4s delays between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second}
}

// Retry runs fn up to p.MaxAttempts times, sleeping with doubling delays
// between attempts. retryable decides whether an error is worth another
// attempt; a nil retryable retries every error. Returns the last error, or
// the context error if cancelled while waiting.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}

	delay := p.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
	return fmt.Errorf("retry exhausted after %d attempts: %w", p.MaxAttempts, lastErr)
}
