package ensemble

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abdhe/llm-ensemble/pkg/metrics"
	"github.com/abdhe/llm-ensemble/pkg/provider"
)

// Request defaults applied when the caller leaves a field unset.
const (
	DefaultTemperature  = 0.2
	DefaultMaxTokens    = 800
	DefaultTimeout      = 30 * time.Second
	DefaultJudgeTimeout = 20 * time.Second
)

// EmptyQueryResponse is returned for blank messages.
const EmptyQueryResponse = "Empty query received"

// Settings is the process-level ensemble configuration.
type Settings struct {
	Mode          Mode              // Used when a request names no mode
	Models        string            // JSON or provider:model list
	JudgeProvider string            // Committee judge when the request names none
	JudgeModel    string            //
	DefaultModels map[string]string // provider -> model for the default pool
	Configured    map[string]bool   // providers with an API key present
	Timeout       time.Duration     // Fan-out budget when the request names none
	JudgeTimeout  time.Duration
	Parallelism   int // Committee fan-out limit; 0 means the pool size
}

// Engine runs ensemble requests.
type Engine struct {
	inv      Invoker
	pool     *PoolResolver
	settings Settings
	stats    *Stats
	log      *zap.Logger
	now      func() time.Time
}

// NewEngine creates an engine. The invoker, and whatever cache it carries, is
// the only state shared between requests besides usage stats.
func NewEngine(inv Invoker, s Settings, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if _, ok := ParseMode(string(s.Mode)); !ok {
		s.Mode = ModeCommittee
	}
	if s.JudgeProvider == "" {
		s.JudgeProvider = provider.OpenAI
	}
	if s.JudgeModel == "" {
		s.JudgeModel = DefaultModels[s.JudgeProvider]
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.JudgeTimeout <= 0 {
		s.JudgeTimeout = DefaultJudgeTimeout
	}
	return &Engine{
		inv:      inv,
		pool:     NewPoolResolver(s, log),
		settings: s,
		stats:    NewStats(),
		log:      log.Named("ensemble"),
		now:      time.Now,
	}
}

// Pool exposes the resolver used for requests.
func (e *Engine) Pool() *PoolResolver { return e.pool }

// Stats exposes usage counters.
func (e *Engine) Stats() *Stats { return e.stats }

// DefaultMode is the mode used when a request names none.
func (e *Engine) DefaultMode() Mode { return e.settings.Mode }

// Judge is the committee judge used when a request names none.
func (e *Engine) Judge() ModelConfig {
	return ModelConfig{Provider: e.settings.JudgeProvider, Model: e.settings.JudgeModel}
}

// Run answers req. It never returns an error: every failure is described in
// Result.Meta and answered with a generic fallback text.
func (e *Engine) Run(ctx context.Context, req Request) (res Result) {
	start := e.now()
	requestID := uuid.NewString()
	log := e.log.With(zap.String("request_id", requestID))

	if strings.TrimSpace(req.Message) == "" {
		metrics.EnsembleRequestsTotal.WithLabelValues("none", "empty").Inc()
		return Result{
			Response: EmptyQueryResponse,
			Meta:     Meta{RequestID: requestID, Candidates: []Diagnostic{}, Error: ErrEmptyQuery.Error()},
		}
	}

	mode := e.mode(req.Mode, log)
	meta := Meta{RequestID: requestID, Mode: mode, Candidates: []Diagnostic{}}
	log = log.With(zap.String("mode", string(mode)), zap.String("message", truncate(req.Message, 80)))

	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	defer func() {
		if r := recover(); r != nil {
			log.Error("ensemble processing panicked", zap.Any("panic", r))
			res = Result{Response: fallbackResponse(req.Message), Meta: meta}
			res.Meta.Error = "internal error"
		}
		elapsed := e.now().Sub(start)
		res.Meta.ElapsedS = roundSeconds(elapsed)
		status := "success"
		if res.Meta.Error != "" {
			status = "fallback"
		}
		e.stats.Record(mode, elapsed, status == "fallback")
		metrics.EnsembleRequestsTotal.WithLabelValues(string(mode), status).Inc()
		metrics.EnsembleLatency.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
	}()

	pool := e.pool.Resolve(req.Models)
	if len(pool) == 0 {
		log.Error("no valid models available for ensemble")
		meta.Error = ErrNoModels.Error()
		return Result{Response: fallbackResponse(req.Message), Meta: meta}
	}

	call := Call{
		Message:     req.Message,
		Temperature: clampTemperature(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if call.MaxTokens <= 0 {
		call.MaxTokens = DefaultMaxTokens
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.settings.Timeout
	}

	run := runState{engine: e, log: log, meta: &meta, call: call, pool: pool}

	fanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch mode {
	case ModeRouter:
		return run.router(fanCtx)
	case ModeCascade:
		return run.cascade(fanCtx)
	default:
		return run.committee(ctx, fanCtx, e.judgeFor(req))
	}
}

// judgeFor applies the request's judge override. A provider without a model
// gets that provider's default model.
func (e *Engine) judgeFor(req Request) ModelConfig {
	judge := e.Judge()
	if p := strings.ToLower(strings.TrimSpace(req.JudgeProvider)); p != "" && p != judge.Provider {
		judge = ModelConfig{Provider: p, Model: e.settings.DefaultModels[p]}
		if judge.Model == "" {
			judge.Model = DefaultModels[p]
		}
	}
	if m := strings.TrimSpace(req.JudgeModel); m != "" {
		judge.Model = m
	}
	return judge
}

func (e *Engine) mode(requested string, log *zap.Logger) Mode {
	if strings.TrimSpace(requested) == "" {
		return e.settings.Mode
	}
	mode, ok := ParseMode(requested)
	if !ok {
		log.Warn("unknown ensemble mode, using committee", zap.String("requested", requested))
		return ModeCommittee
	}
	return mode
}

// runState holds the per-request values shared by the strategies.
type runState struct {
	engine *Engine
	log    *zap.Logger
	meta   *Meta
	call   Call
	pool   []ModelConfig
}

// attempt invokes m once and turns the outcome into a diagnostic and, on
// success, a candidate.
func (r *runState) attempt(ctx context.Context, m ModelConfig) (Diagnostic, *Candidate) {
	out := r.engine.inv.Invoke(ctx, m, r.call)
	if !out.OK() {
		kind := KindOf(out.Err)
		r.log.Error("model failed",
			zap.String("provider", m.Provider),
			zap.String("model", m.Model),
			zap.String("kind", string(kind)),
			zap.Error(out.Err),
		)
		msg := out.Err.Error()
		if msg == "" {
			msg = string(kind)
		}
		return Diagnostic{Model: m, Err: msg, Kind: kind}, nil
	}

	c := &Candidate{
		Config:     m,
		Label:      m.Label(),
		Text:       out.Text,
		Length:     utf8.RuneCountInString(strings.TrimSpace(out.Text)),
		Confidence: Score(r.call.Message, out.Text),
	}
	return Diagnostic{Model: m, Length: c.Length, Confidence: c.Confidence, Cached: out.Cached}, c
}

func (r *runState) fallback(err error) Result {
	r.meta.Error = err.Error()
	return Result{Response: fallbackResponse(r.call.Message), Meta: *r.meta}
}

func (r *runState) answer(text string, winner ModelConfig) Result {
	confidence := Score(r.call.Message, text)
	r.meta.Winner = &winner
	r.meta.Confidence = &confidence
	return Result{Response: text, Meta: *r.meta}
}

// router invokes the single member picked by Route. A failure is final.
func (r *runState) router(ctx context.Context) Result {
	choice, _ := Route(r.call.Message, r.pool)
	r.meta.Chosen = &Chosen{ModelConfig: choice}

	diag, cand := r.attempt(ctx, choice)
	r.meta.Candidates = append(r.meta.Candidates, diag)
	if cand == nil {
		return r.fallback(ErrInvocationFailed)
	}
	return r.answer(cand.Text, choice)
}

// cascade walks the pool in order, keeps the longest answer and stops once
// an answer reaches max_tokens characters. Length is a crude proxy for
// quality that rewards verbosity.
func (r *runState) cascade(ctx context.Context) Result {
	var best *Candidate
	bestLen := 0
	for _, m := range r.pool {
		if ctx.Err() != nil {
			r.log.Warn("cascade stopped before all members were tried", zap.Error(ctx.Err()))
			break
		}
		diag, cand := r.attempt(ctx, m)
		r.meta.Candidates = append(r.meta.Candidates, diag)
		if cand == nil {
			continue
		}
		if cand.Length > bestLen {
			best, bestLen = cand, cand.Length
		}
		if cand.Length >= r.call.MaxTokens {
			break
		}
	}

	if best == nil {
		return r.fallback(ErrAllFailed)
	}
	r.meta.Chosen = &Chosen{ModelConfig: best.Config}
	return r.answer(best.Text, best.Config)
}

// committee asks every member, then lets the judge pick. Members run
// concurrently up to Settings.Parallelism; diagnostics keep pool order.
// The judge gets its own budget derived from parent, not from the fan-out
// deadline, so a slow member cannot starve it.
func (r *runState) committee(parent, ctx context.Context, judgeConfig ModelConfig) Result {
	type slot struct {
		diag Diagnostic
		cand *Candidate
	}
	slots := make([]*slot, len(r.pool))

	limit := r.engine.settings.Parallelism
	if limit <= 0 || limit > len(r.pool) {
		limit = len(r.pool)
	}

	// A plain group: sibling failures must not cancel each other.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, m := range r.pool {
		if ctx.Err() != nil {
			break
		}
		i, m := i, m
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			diag, cand := r.attempt(ctx, m)
			slots[i] = &slot{diag: diag, cand: cand}
			return nil
		})
	}
	_ = g.Wait()

	var candidates []Candidate
	for _, s := range slots {
		if s == nil {
			continue
		}
		r.meta.Candidates = append(r.meta.Candidates, s.diag)
		if s.cand != nil {
			candidates = append(candidates, *s.cand)
		}
	}
	if len(candidates) == 0 {
		r.log.Error("all models failed for this request")
		return r.fallback(ErrAllFailed)
	}

	judgeCtx, cancel := context.WithTimeout(parent, r.engine.settings.JudgeTimeout)
	defer cancel()

	verdict := NewJudge(r.engine.inv, judgeConfig, r.log).Pick(judgeCtx, r.call.Message, candidates, r.call.Temperature)
	idx := verdict.Index
	outcome := "picked"
	if verdict.Failed {
		outcome = "judge_failed"
		r.meta.ChosenFallback = "first_candidate"
	}

	if strings.TrimSpace(candidates[idx].Text) == "" {
		idx = nonEmptyBest(candidates)
		outcome = "guardrail"
		r.meta.ChosenFallback = "non_empty_best"
	}
	metrics.JudgeOutcomesTotal.WithLabelValues(outcome).Inc()

	r.meta.Chosen = &Chosen{ModelConfig: judgeConfig, Role: "judge"}
	chosen := candidates[idx]
	if strings.TrimSpace(chosen.Text) == "" {
		r.log.Error("every committee answer was empty")
		return r.fallback(ErrAllFailed)
	}
	return r.answer(chosen.Text, chosen.Config)
}

func fallbackResponse(message string) string {
	return fmt.Sprintf(
		"I apologize, but I'm unable to provide a response at this time. "+
			"Please try again later or simplify your query: %s...",
		truncate(message, 100),
	)
}

func clampTemperature(t float64) float64 {
	if math.IsNaN(t) {
		return DefaultTemperature
	}
	return math.Max(0, math.Min(2, t))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
