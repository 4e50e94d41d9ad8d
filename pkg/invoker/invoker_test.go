package invoker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abdhe/llm-ensemble/pkg/cache"
	"github.com/abdhe/llm-ensemble/pkg/ensemble"
	"github.com/abdhe/llm-ensemble/pkg/provider"
	"github.com/abdhe/llm-ensemble/pkg/resilience"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeProvider struct {
	mu    sync.Mutex
	name  string
	calls []provider.Request
	infer func(ctx context.Context, req provider.Request) (provider.Response, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Infer(ctx context.Context, req provider.Request) (provider.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.infer(ctx, req)
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func replying(text string) *fakeProvider {
	return &fakeProvider{name: provider.OpenAI, infer: func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{Text: text, PromptTokens: 3, OutputTokens: 5}, nil
	}}
}

func failing(status int) *fakeProvider {
	return &fakeProvider{name: provider.OpenAI, infer: func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{}, &provider.APIError{Provider: provider.OpenAI, StatusCode: status, Body: "nope"}
	}}
}

func newTestInvoker(t *testing.T, p provider.Provider, mutate func(*Config)) *Invoker {
	t.Helper()
	cfg := Config{
		Backends: map[string]Backend{
			provider.OpenAI: {Provider: p, Keys: resilience.NewKeyPool([]string{"sk-1"})},
		},
		Retry:   resilience.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Timeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	inv, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return inv
}

var gpt = ensemble.ModelConfig{Provider: provider.OpenAI, Model: "gpt-4o"}

func call(msg string) ensemble.Call {
	return ensemble.Call{Message: msg, Temperature: 0.2, MaxTokens: 100}
}

func requireKind(t *testing.T, out ensemble.Outcome, want ensemble.ErrorKind) {
	t.Helper()
	require.Error(t, out.Err)
	var invErr *ensemble.InvocationError
	require.ErrorAs(t, out.Err, &invErr)
	assert.Equal(t, want, invErr.Kind)
	assert.Equal(t, want, ensemble.KindOf(out.Err))
}

// ==========================
// Invocation
// ==========================

func TestInvoke_Success(t *testing.T) {
	p := replying("hello")
	inv := newTestInvoker(t, p, func(c *Config) { c.SystemPrompt = "be brief" })

	out := inv.Invoke(context.Background(), gpt, ensemble.Call{Message: "hi", Temperature: 5, MaxTokens: 0})

	require.True(t, out.OK())
	assert.Equal(t, "hello", out.Text)
	assert.False(t, out.Cached)
	require.Len(t, p.calls, 1)
	req := p.calls[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, "hi", req.Prompt)
	assert.Equal(t, "be brief", req.SystemPrompt)
	assert.Equal(t, "sk-1", req.APIKey)
	assert.Equal(t, float32(2), req.Temperature)
	assert.Equal(t, int32(1), req.MaxTokens)
}

func TestInvoke_UnknownProvider(t *testing.T) {
	p := replying("unused")
	inv := newTestInvoker(t, p, nil)

	out := inv.Invoke(context.Background(), ensemble.ModelConfig{Provider: "cohere", Model: "x"}, call("hi"))

	requireKind(t, out, ensemble.KindConfig)
	assert.Zero(t, p.count())
}

func TestInvoke_MissingKeys(t *testing.T) {
	p := replying("unused")
	inv := newTestInvoker(t, p, func(c *Config) {
		c.Backends[provider.OpenAI] = Backend{Provider: p, Keys: resilience.NewKeyPool(nil)}
	})

	out := inv.Invoke(context.Background(), gpt, call("hi"))

	requireKind(t, out, ensemble.KindNoKeys)
	assert.ErrorIs(t, out.Err, resilience.ErrNoKeys)
	assert.Zero(t, p.count())
}

func TestInvoke_ErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		want   ensemble.ErrorKind
	}{
		{http.StatusUnauthorized, ensemble.KindAuth},
		{http.StatusForbidden, ensemble.KindAuth},
		{http.StatusTooManyRequests, ensemble.KindRateLimit},
		{http.StatusBadRequest, ensemble.KindBackend},
		{http.StatusServiceUnavailable, ensemble.KindBackend},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			inv := newTestInvoker(t, failing(tt.status), nil)
			out := inv.Invoke(context.Background(), gpt, call("hi"))
			requireKind(t, out, tt.want)
		})
	}
}

func TestInvoke_TransportError(t *testing.T) {
	p := &fakeProvider{name: provider.OpenAI, infer: func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{}, errors.New("connection refused")
	}}
	inv := newTestInvoker(t, p, nil)

	requireKind(t, inv.Invoke(context.Background(), gpt, call("hi")), ensemble.KindTransport)
}

func TestInvoke_RetriesServerErrors(t *testing.T) {
	attempts := 0
	p := &fakeProvider{name: provider.OpenAI, infer: func(context.Context, provider.Request) (provider.Response, error) {
		attempts++
		if attempts < 3 {
			return provider.Response{}, &provider.APIError{StatusCode: http.StatusBadGateway}
		}
		return provider.Response{Text: "third time"}, nil
	}}
	inv := newTestInvoker(t, p, func(c *Config) { c.Retry.MaxRetries = 2 })

	out := inv.Invoke(context.Background(), gpt, call("hi"))

	require.True(t, out.OK())
	assert.Equal(t, "third time", out.Text)
	assert.Equal(t, 3, p.count())
}

func TestInvoke_RateLimitMarksKey(t *testing.T) {
	p := failing(http.StatusTooManyRequests)
	inv := newTestInvoker(t, p, nil)

	requireKind(t, inv.Invoke(context.Background(), gpt, call("first")), ensemble.KindRateLimit)

	// The only key is now cooling down.
	out := inv.Invoke(context.Background(), gpt, call("second"))
	requireKind(t, out, ensemble.KindRateLimit)
	assert.ErrorIs(t, out.Err, resilience.ErrKeysExhausted)
	assert.Equal(t, 1, p.count())
}

func TestInvoke_CircuitOpen(t *testing.T) {
	p := failing(http.StatusInternalServerError)
	inv := newTestInvoker(t, p, func(c *Config) {
		c.Backends[provider.OpenAI] = Backend{
			Provider: p,
			Keys:     resilience.NewKeyPool([]string{"sk-1"}),
			Breaker:  resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}),
		}
	})

	requireKind(t, inv.Invoke(context.Background(), gpt, call("a")), ensemble.KindBackend)
	requireKind(t, inv.Invoke(context.Background(), gpt, call("b")), ensemble.KindCircuitOpen)
	assert.Equal(t, 1, p.count())
}

func TestInvoke_Timeout(t *testing.T) {
	p := &fakeProvider{name: provider.OpenAI, infer: func(ctx context.Context, _ provider.Request) (provider.Response, error) {
		<-ctx.Done()
		return provider.Response{}, ctx.Err()
	}}
	inv := newTestInvoker(t, p, func(c *Config) { c.Timeout = 20 * time.Millisecond })

	requireKind(t, inv.Invoke(context.Background(), gpt, call("slow")), ensemble.KindTimeout)
}

func TestInvoke_Cancelled(t *testing.T) {
	p := replying("unused")
	inv := newTestInvoker(t, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	requireKind(t, inv.Invoke(ctx, gpt, call("hi")), ensemble.KindCancelled)
	assert.Zero(t, p.count())
}

// ==========================
// Caching
// ==========================

func TestInvoke_MemoHit(t *testing.T) {
	p := replying("memoized")
	inv := newTestInvoker(t, p, nil)

	first := inv.Invoke(context.Background(), gpt, call("same"))
	second := inv.Invoke(context.Background(), gpt, call("same"))

	require.True(t, second.OK())
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, "memoized", second.Text)
	assert.Equal(t, 1, p.count())

	c := call("same")
	c.Temperature = 0.3
	inv.Invoke(context.Background(), gpt, c)
	assert.Equal(t, 2, p.count(), "a different temperature is a different entry")
}

func TestInvoke_FailuresAreNotCached(t *testing.T) {
	p := failing(http.StatusBadRequest)
	inv := newTestInvoker(t, p, nil)

	inv.Invoke(context.Background(), gpt, call("bad"))
	inv.Invoke(context.Background(), gpt, call("bad"))

	assert.Equal(t, 2, p.count())
}

func TestInvoke_SharedTier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	shared := cache.NewRedisCacheFromClient(client, time.Hour)
	withShared := func(c *Config) { c.Shared = shared }

	p1 := replying("from replica one")
	first := newTestInvoker(t, p1, withShared)
	require.True(t, first.Invoke(context.Background(), gpt, call("shared")).OK())
	assert.Len(t, mr.Keys(), 1)

	// A second replica with an empty memo.
	p2 := replying("never")
	second := newTestInvoker(t, p2, withShared)
	out := second.Invoke(context.Background(), gpt, call("shared"))

	require.True(t, out.OK())
	assert.True(t, out.Cached)
	assert.Equal(t, "from replica one", out.Text)
	assert.Zero(t, p2.count())

	// Promoted into the memo, so Redis is no longer needed.
	mr.Close()
	out = second.Invoke(context.Background(), gpt, call("shared"))
	assert.True(t, out.Cached)
}

func TestInvoke_SharedTierDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	shared := cache.NewRedisCacheFromClient(client, time.Hour)
	mr.Close()

	p := replying("still works")
	inv := newTestInvoker(t, p, func(c *Config) { c.Shared = shared })

	out := inv.Invoke(context.Background(), gpt, call("hi"))
	require.True(t, out.OK())
	assert.Equal(t, "still works", out.Text)
	assert.Equal(t, 1, p.count())
}

func TestInvoke_ConcurrentCallers(t *testing.T) {
	inv := newTestInvoker(t, replying("ok"), nil)

	var wg sync.WaitGroup
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, inv.Invoke(context.Background(), gpt, call("concurrent")).OK())
		}()
	}
	wg.Wait()
}
