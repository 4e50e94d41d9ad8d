package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/llm-ensemble/pkg/provider"
)

func apiErr(code int) error {
	return &provider.APIError{Provider: provider.OpenAI, StatusCode: code}
}

func fastRetry(n int) RetryConfig {
	return RetryConfig{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom 500"), false},
		{"bad request", apiErr(http.StatusBadRequest), false},
		{"unauthorized", apiErr(http.StatusUnauthorized), false},
		{"rate limited", apiErr(http.StatusTooManyRequests), true},
		{"server error", apiErr(http.StatusInternalServerError), true},
		{"bad gateway wrapped", fmt.Errorf("call: %w", apiErr(http.StatusBadGateway)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
	assert.True(t, IsRateLimited(apiErr(http.StatusTooManyRequests)))
	assert.False(t, IsRateLimited(apiErr(http.StatusServiceUnavailable)))
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

func TestRetry_SucceedsAfterServerErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apiErr(http.StatusServiceUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_DoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		return apiErr(http.StatusUnauthorized)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(2), func(ctx context.Context) error {
		calls++
		return apiErr(http.StatusInternalServerError)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
	assert.True(t, IsRetryable(err))
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetry(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestCalculateDelay_Bounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := calculateDelay(attempt, 10*time.Millisecond, 50*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// KeyPool
// ---------------------------------------------------------------------------

func TestKeyPool_RoundRobin(t *testing.T) {
	kp := NewKeyPool([]string{"a", "", "b"})
	assert.Equal(t, 2, kp.Size())

	var got []string
	for i := 0; i < 4; i++ {
		k, err := kp.Next()
		require.NoError(t, err)
		got = append(got, k)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, got)
}

func TestKeyPool_RateLimitedKeysAreSkipped(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	kp := NewKeyPool([]string{"a", "b"})
	kp.now = func() time.Time { return now }

	kp.MarkRateLimited("a", now.Add(time.Minute))
	for i := 0; i < 3; i++ {
		k, err := kp.Next()
		require.NoError(t, err)
		assert.Equal(t, "b", k)
	}

	kp.MarkRateLimited("b", now.Add(30*time.Second))
	_, err := kp.Next()
	require.ErrorIs(t, err, ErrKeysExhausted)

	now = now.Add(45 * time.Second)
	k, err := kp.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", k)
}

func TestKeyPool_Empty(t *testing.T) {
	_, err := NewKeyPool(nil).Next()
	assert.ErrorIs(t, err, ErrNoKeys)
}

// ---------------------------------------------------------------------------
// CircuitBreaker
// ---------------------------------------------------------------------------

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Second})
	cb.now = func() time.Time { return now }

	fail := func() error { return apiErr(http.StatusInternalServerError) }

	assert.Error(t, cb.Execute(fail))
	assert.Equal(t, StateClosed, cb.State())
	assert.Error(t, cb.Execute(fail))
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	c := cb.Counts()
	assert.Equal(t, int64(1), c.Successes)
	assert.Equal(t, int64(2), c.Failures)
	assert.Equal(t, int64(1), c.Rejected)
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return apiErr(http.StatusBadGateway) })
	now = now.Add(2 * time.Second)
	_ = cb.Execute(func() error { return apiErr(http.StatusBadGateway) })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IgnoresNonServerErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return apiErr(http.StatusBadRequest) })
		_ = cb.Execute(func() error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}
