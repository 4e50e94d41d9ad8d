// Package invoker calls a single (provider, model) backend on behalf of the
// ensemble engine, behind memoization, key rotation, retries and a circuit
// breaker.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/llm-ensemble/pkg/cache"
	"github.com/abdhe/llm-ensemble/pkg/ensemble"
	"github.com/abdhe/llm-ensemble/pkg/metrics"
	"github.com/abdhe/llm-ensemble/pkg/provider"
	"github.com/abdhe/llm-ensemble/pkg/resilience"
)

const (
	defaultTimeout           = 60 * time.Second
	defaultRateLimitCooldown = 60 * time.Second
	sharedCacheTimeout       = 2 * time.Second
)

// Backend is everything needed to call one provider.
type Backend struct {
	Provider provider.Provider
	Keys     *resilience.KeyPool
	Breaker  *resilience.CircuitBreaker // Optional
}

// SharedCache is a cache tier shared between replicas.
type SharedCache interface {
	Get(ctx context.Context, k cache.Key) (string, bool, error)
	Set(ctx context.Context, k cache.Key, text string) error
}

// Config holds the invoker configuration.
type Config struct {
	Backends          map[string]Backend // provider name → backend
	Memo              *cache.Memo
	Shared            SharedCache // Optional; leave nil to disable
	Retry             resilience.RetryConfig
	Timeout           time.Duration // Per invocation, retries included
	SystemPrompt      string
	RateLimitCooldown time.Duration
}

// Invoker implements ensemble.Invoker.
type Invoker struct {
	backends     map[string]Backend
	memo         *cache.Memo
	shared       SharedCache
	retryCfg     resilience.RetryConfig
	timeout      time.Duration
	systemPrompt string
	cooldown     time.Duration
	log          *zap.Logger
	now          func() time.Time
}

// New creates an invoker. A nil Memo gets a default-sized one.
func New(cfg Config, log *zap.Logger) (*Invoker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Memo == nil {
		memo, err := cache.NewMemo(cache.DefaultMemoSize)
		if err != nil {
			return nil, fmt.Errorf("invoker: %w", err)
		}
		cfg.Memo = memo
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = defaultRateLimitCooldown
	}
	if cfg.Backends == nil {
		cfg.Backends = make(map[string]Backend)
	}
	return &Invoker{
		backends:     cfg.Backends,
		memo:         cfg.Memo,
		shared:       cfg.Shared,
		retryCfg:     cfg.Retry,
		timeout:      cfg.Timeout,
		systemPrompt: cfg.SystemPrompt,
		cooldown:     cfg.RateLimitCooldown,
		log:          log.Named("invoker"),
		now:          time.Now,
	}, nil
}

// Invoke calls m once (plus retries). It never returns a Go error: failures
// come back as an Outcome carrying an *ensemble.InvocationError.
func (i *Invoker) Invoke(ctx context.Context, m ensemble.ModelConfig, call ensemble.Call) ensemble.Outcome {
	start := i.now()

	b, ok := i.backends[m.Provider]
	if !ok || b.Provider == nil {
		return i.fail(m, start, ensemble.KindConfig, fmt.Errorf("unsupported provider %q", m.Provider))
	}

	call.Temperature = math.Max(0, math.Min(2, call.Temperature))
	if call.MaxTokens < 1 {
		call.MaxTokens = 1
	}

	// -------------------------------------------------------------------------
	// Step 1: Cache lookup
	// -------------------------------------------------------------------------
	key := cache.Key{
		Provider:    m.Provider,
		Model:       m.Model,
		Message:     call.Message,
		Temperature: call.Temperature,
		MaxTokens:   call.MaxTokens,
	}
	if text, tier, hit := i.lookup(ctx, key); hit {
		metrics.InvocationsTotal.WithLabelValues(m.Provider, m.Model, "success").Inc()
		metrics.InvocationLatency.WithLabelValues(m.Provider, m.Model, tier).Observe(i.now().Sub(start).Seconds())
		i.log.Debug("invocation served from cache", zap.String("model", m.Label()), zap.String("tier", tier))
		return ensemble.Outcome{Text: text, Cached: true}
	}

	// -------------------------------------------------------------------------
	// Step 2: API key from pool
	// -------------------------------------------------------------------------
	if b.Keys == nil {
		return i.fail(m, start, ensemble.KindNoKeys, resilience.ErrNoKeys)
	}
	apiKey, err := b.Keys.Next()
	if err != nil {
		kind := ensemble.KindNoKeys
		if errors.Is(err, resilience.ErrKeysExhausted) {
			kind = ensemble.KindRateLimit
		}
		return i.fail(m, start, kind, err)
	}

	// -------------------------------------------------------------------------
	// Step 3: Execute with circuit breaker + retry
	// -------------------------------------------------------------------------
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req := provider.Request{
		Model:        m.Model,
		Prompt:       call.Message,
		SystemPrompt: i.systemPrompt,
		Temperature:  float32(call.Temperature),
		MaxTokens:    int32(call.MaxTokens),
		APIKey:       apiKey,
	}

	var resp provider.Response
	attempt := func() error {
		return resilience.Retry(ctx, i.retryCfg, func(ctx context.Context) error {
			var callErr error
			resp, callErr = b.Provider.Infer(ctx, req)
			return callErr
		})
	}
	if b.Breaker == nil {
		err = attempt()
	} else {
		err = b.Breaker.Execute(attempt)
		metrics.CircuitBreakerState.WithLabelValues(m.Provider).Set(float64(b.Breaker.State()))
	}

	if err != nil {
		if resilience.IsRateLimited(err) {
			b.Keys.MarkRateLimited(apiKey, i.now().Add(i.cooldown))
		}
		return i.fail(m, start, classify(err), err)
	}

	// -------------------------------------------------------------------------
	// Step 4: Record metrics + cache
	// -------------------------------------------------------------------------
	metrics.InvocationsTotal.WithLabelValues(m.Provider, m.Model, "success").Inc()
	metrics.InvocationLatency.WithLabelValues(m.Provider, m.Model, "miss").Observe(i.now().Sub(start).Seconds())
	metrics.TokenUsageTotal.WithLabelValues(m.Provider, m.Model, "input").Add(float64(resp.PromptTokens))
	metrics.TokenUsageTotal.WithLabelValues(m.Provider, m.Model, "output").Add(float64(resp.OutputTokens))

	i.store(ctx, key, resp.Text)
	return ensemble.Outcome{Text: resp.Text}
}

// lookup checks the memo, then the shared tier. A shared hit is copied into
// the memo.
func (i *Invoker) lookup(ctx context.Context, key cache.Key) (string, string, bool) {
	text, ok := i.memo.Get(key)
	metrics.RecordCacheLookup("memo", ok)
	if ok {
		return text, "memo", true
	}
	if i.shared == nil {
		return "", "", false
	}

	sctx, cancel := context.WithTimeout(ctx, sharedCacheTimeout)
	defer cancel()
	text, ok, err := i.shared.Get(sctx, key)
	if err != nil {
		i.log.Warn("shared cache lookup failed", zap.Error(err))
	}
	metrics.RecordCacheLookup("redis", ok)
	if !ok {
		return "", "", false
	}
	i.memo.Add(key, text)
	return text, "redis", true
}

func (i *Invoker) store(ctx context.Context, key cache.Key, text string) {
	i.memo.Add(key, text)
	if i.shared == nil {
		return
	}
	// The answer is already paid for; keep it even if the caller has gone.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCacheTimeout)
	defer cancel()
	if err := i.shared.Set(sctx, key, text); err != nil {
		i.log.Warn("shared cache store failed", zap.Error(err))
	}
}

func (i *Invoker) fail(m ensemble.ModelConfig, start time.Time, kind ensemble.ErrorKind, err error) ensemble.Outcome {
	metrics.InvocationsTotal.WithLabelValues(m.Provider, m.Model, string(kind)).Inc()
	metrics.InvocationLatency.WithLabelValues(m.Provider, m.Model, "error").Observe(i.now().Sub(start).Seconds())
	i.log.Debug("invocation failed",
		zap.String("provider", m.Provider),
		zap.String("model", m.Model),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	return ensemble.Outcome{Err: &ensemble.InvocationError{
		Kind:     kind,
		Provider: m.Provider,
		Model:    m.Model,
		Err:      err,
	}}
}

// classify maps a provider call failure to an error kind.
func classify(err error) ensemble.ErrorKind {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return ensemble.KindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return ensemble.KindTimeout
	case errors.Is(err, context.Canceled):
		return ensemble.KindCancelled
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return ensemble.KindAuth
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ensemble.KindRateLimit
		default:
			return ensemble.KindBackend
		}
	}
	return ensemble.KindTransport
}
