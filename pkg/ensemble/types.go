// Package ensemble fans a user query out to several model backends and
// reconciles their answers with one of three strategies: a committee whose
// answers are ranked by a judge model, a rule-based router that picks a single
// backend, or a cascade that stops at the first answer that is long enough.
package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abdhe/llm-ensemble/pkg/provider"
)

// Mode selects the reconciliation strategy.
type Mode string

const (
	ModeCommittee Mode = "committee"
	ModeRouter    Mode = "router"
	ModeCascade   Mode = "cascade"
)

// ParseMode normalizes s and reports whether it names a known mode.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeCommittee, ModeRouter, ModeCascade:
		return m, true
	default:
		return m, false
	}
}

// ModelConfig is the identity of one backend.
type ModelConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Label renders the config as "provider:model".
func (m ModelConfig) Label() string {
	return m.Provider + ":" + m.Model
}

// Valid reports whether both fields are set and the provider is supported.
func (m ModelConfig) Valid() bool {
	return m.Model != "" && provider.Known(m.Provider)
}

func (m ModelConfig) normalized() ModelConfig {
	return ModelConfig{
		Provider: strings.ToLower(strings.TrimSpace(m.Provider)),
		Model:    strings.TrimSpace(m.Model),
	}
}

// Call carries the per-request generation parameters of one invocation.
type Call struct {
	Message     string
	Temperature float64
	MaxTokens   int
}

// Outcome is the tagged result of one invocation: either Text or Err is meaningful.
type Outcome struct {
	Text   string
	Err    error
	Cached bool
}

// OK reports whether the invocation succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Invoker calls a single backend. Implementations never panic on backend
// failure; they report it through Outcome.Err.
type Invoker interface {
	Invoke(ctx context.Context, m ModelConfig, call Call) Outcome
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, m ModelConfig, call Call) Outcome

func (f InvokerFunc) Invoke(ctx context.Context, m ModelConfig, call Call) Outcome {
	return f(ctx, m, call)
}

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	KindConfig      ErrorKind = "config"
	KindNoKeys      ErrorKind = "no_keys"
	KindAuth        ErrorKind = "auth"
	KindRateLimit   ErrorKind = "rate_limit"
	KindBackend     ErrorKind = "backend"
	KindTimeout     ErrorKind = "timeout"
	KindCancelled   ErrorKind = "cancelled"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindTransport   ErrorKind = "transport"
)

// InvocationError is a classified failure of one backend call.
type InvocationError struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s:%s %s: %v", e.Provider, e.Model, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindTransport when err was
// not produced by an Invoker.
func KindOf(err error) ErrorKind {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindTransport
}

var (
	// ErrEmptyQuery is reported when the message is empty after trimming.
	ErrEmptyQuery = errors.New("empty query")
	// ErrNoModels is reported when no valid pool could be resolved.
	ErrNoModels = errors.New("no models available")
	// ErrAllFailed is reported when no pool member produced a usable answer.
	ErrAllFailed = errors.New("all models failed")
	// ErrInvocationFailed is reported when the routed model failed.
	ErrInvocationFailed = errors.New("model invocation failed")
)

// Candidate is one successful answer.
type Candidate struct {
	Config     ModelConfig
	Label      string
	Text       string
	Length     int
	Confidence float64
}

// Diagnostic describes one attempted pool member.
type Diagnostic struct {
	Model      ModelConfig
	Length     int
	Confidence float64
	Cached     bool
	Err        string
	Kind       ErrorKind
}

// Failed reports whether the attempt failed.
func (d Diagnostic) Failed() bool { return d.Err != "" }

type diagnosticJSON struct {
	Model      ModelConfig `json:"model"`
	Length     *int        `json:"len,omitempty"`
	Confidence *float64    `json:"confidence,omitempty"`
	Cached     bool        `json:"cached,omitempty"`
	Err        string      `json:"error,omitempty"`
	Kind       ErrorKind   `json:"kind,omitempty"`
}

// MarshalJSON renders {model, len, confidence} for successes and
// {model, error, kind} for failures.
func (d Diagnostic) MarshalJSON() ([]byte, error) {
	out := diagnosticJSON{Model: d.Model}
	if d.Failed() {
		out.Err, out.Kind = d.Err, d.Kind
	} else {
		out.Length, out.Confidence, out.Cached = &d.Length, &d.Confidence, d.Cached
	}
	return json.Marshal(out)
}

func (d *Diagnostic) UnmarshalJSON(data []byte) error {
	var in diagnosticJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*d = Diagnostic{Model: in.Model, Cached: in.Cached, Err: in.Err, Kind: in.Kind}
	if in.Length != nil {
		d.Length = *in.Length
	}
	if in.Confidence != nil {
		d.Confidence = *in.Confidence
	}
	return nil
}

// Chosen identifies the model credited with the response. In committee mode
// it is the judge, tagged with Role "judge".
type Chosen struct {
	ModelConfig
	Role string `json:"role,omitempty"`
}

// Request is one ensemble query.
type Request struct {
	Message       string
	Temperature   float64
	MaxTokens     int
	Mode          string
	Models        []ModelConfig
	JudgeProvider string
	JudgeModel    string
	Timeout       time.Duration
}

// Meta carries the diagnostics of a run.
type Meta struct {
	RequestID      string       `json:"request_id,omitempty"`
	Mode           Mode         `json:"mode,omitempty"`
	Candidates     []Diagnostic `json:"candidates"`
	Chosen         *Chosen      `json:"chosen"`
	Winner         *ModelConfig `json:"winner"`
	ChosenFallback string       `json:"chosen_fallback,omitempty"`
	Confidence     *float64     `json:"confidence"`
	ElapsedS       float64      `json:"elapsed_s"`
	Error          string       `json:"error,omitempty"`
}

// Result is the response returned to callers. It is serialized verbatim.
type Result struct {
	Response string `json:"response"`
	Meta     Meta   `json:"meta"`
}
