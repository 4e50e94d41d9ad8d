package ensemble

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/abdhe/llm-ensemble/pkg/provider"
)

// DefaultModels maps each provider to the model used when the pool falls
// back to defaults and no override is configured.
var DefaultModels = map[string]string{
	provider.OpenAI:     "gpt-4o",
	provider.Anthropic:  "claude-3-5-sonnet-latest",
	provider.Groq:       "llama-3.1-70b-versatile",
	provider.DeepSeek:   "deepseek-reasoner",
	provider.Gemini:     "gemini-1.5-pro",
	provider.OpenRouter: "openrouter/auto",
}

// PoolResolver determines the candidate set for a request.
type PoolResolver struct {
	rawPool    string
	models     map[string]string
	configured map[string]bool
	log        *zap.Logger
}

// NewPoolResolver builds a resolver from the pool-related settings.
func NewPoolResolver(s Settings, log *zap.Logger) *PoolResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &PoolResolver{
		rawPool:    s.Models,
		models:     s.DefaultModels,
		configured: s.Configured,
		log:        log.Named("pool"),
	}
}

// Resolve returns the validated explicit pool, else the configured pool,
// else the default pool. An empty result means no backend is usable.
func (r *PoolResolver) Resolve(explicit []ModelConfig) []ModelConfig {
	var pool []ModelConfig
	if len(explicit) > 0 {
		pool = validate(explicit, r.log)
	} else {
		pool = r.Configured()
	}
	if len(pool) == 0 {
		pool = r.Defaults()
	}
	return pool
}

// Configured parses the configured pool string.
func (r *PoolResolver) Configured() []ModelConfig {
	return ParseModels(r.rawPool, r.log)
}

// Defaults returns one entry per provider with an API key present, in
// preference order.
func (r *PoolResolver) Defaults() []ModelConfig {
	var pool []ModelConfig
	for _, p := range provider.Names {
		if !r.configured[p] {
			continue
		}
		model := r.models[p]
		if model == "" {
			model = DefaultModels[p]
		}
		pool = append(pool, ModelConfig{Provider: p, Model: model})
	}
	return pool
}

// ParseModels reads a pool string. A JSON list of
// {"provider","model"} objects is tried first, then a comma-separated list of
// provider:model pairs. Entries that are invalid in the chosen format are
// dropped.
func ParseModels(pool string, log *zap.Logger) []ModelConfig {
	if log == nil {
		log = zap.NewNop()
	}
	pool = strings.TrimSpace(pool)
	if pool == "" {
		return nil
	}

	var raw []json.RawMessage
	err := json.Unmarshal([]byte(pool), &raw)
	if err == nil {
		parsed := make([]ModelConfig, 0, len(raw))
		for _, item := range raw {
			var m ModelConfig
			if err := json.Unmarshal(item, &m); err != nil {
				log.Warn("invalid model config skipped", zap.ByteString("entry", item), zap.Error(err))
				continue
			}
			parsed = append(parsed, m)
		}
		return validate(parsed, log)
	}
	log.Debug("model pool is not JSON, trying provider:model list", zap.Error(err))

	var parsed []ModelConfig
	for _, part := range strings.Split(pool, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, m, ok := strings.Cut(part, ":")
		if !ok {
			log.Warn("invalid model config skipped", zap.String("entry", part))
			continue
		}
		parsed = append(parsed, ModelConfig{Provider: p, Model: m})
	}
	return validate(parsed, log)
}

func validate(pool []ModelConfig, log *zap.Logger) []ModelConfig {
	valid := make([]ModelConfig, 0, len(pool))
	for _, m := range pool {
		n := m.normalized()
		if !n.Valid() {
			log.Warn("invalid model config skipped",
				zap.String("provider", m.Provider),
				zap.String("model", m.Model),
			)
			continue
		}
		valid = append(valid, n)
	}
	return valid
}
