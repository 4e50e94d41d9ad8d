package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for the exponential backoff retry logic.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	BaseDelay  time.Duration // Initial delay before first retry
	MaxDelay   time.Duration // Maximum delay cap
}

// DefaultRetryConfig returns the defaults used when nothing is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// RetryableFunc is a function that can be retried.
// It should return a non-nil error to trigger a retry.
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with exponential backoff and full jitter.
// delay = rand(0, min(maxDelay, baseDelay * 2^attempt))
// Only errors accepted by IsRetryable are retried; anything else is returned as is.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: context cancelled: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxRetries {
			break
		}

		delay := calculateDelay(attempt, cfg.BaseDelay, cfg.MaxDelay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: context cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

// calculateDelay computes the jittered backoff delay.
// Uses "Full Jitter": delay = rand(0, min(cap, base * 2^attempt))
func calculateDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	expDelay := float64(baseDelay) * math.Pow(2, float64(attempt))

	if expDelay > float64(maxDelay) {
		expDelay = float64(maxDelay)
	}

	jitteredDelay := time.Duration(rand.Float64() * expDelay)

	if jitteredDelay < time.Millisecond {
		jitteredDelay = time.Millisecond
	}

	return jitteredDelay
}
