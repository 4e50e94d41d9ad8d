package ensemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestParseModels(t *testing.T) {
	tests := []struct {
		name string
		pool string
		want []ModelConfig
	}{
		{"empty", "", nil},
		{
			"json",
			`[{"provider":"openai","model":"gpt-4o"},{"provider":"Groq","model":" llama "}]`,
			[]ModelConfig{{"openai", "gpt-4o"}, {"groq", "llama"}},
		},
		{
			"json drops invalid entries",
			`[{"provider":"openai"},{"provider":"cohere","model":"x"},42,{"provider":"anthropic","model":"claude"}]`,
			[]ModelConfig{{"anthropic", "claude"}},
		},
		{
			"csv",
			"openai:gpt-4o, deepseek:deepseek-chat ,openrouter:meta/llama:free",
			[]ModelConfig{{"openai", "gpt-4o"}, {"deepseek", "deepseek-chat"}, {"openrouter", "meta/llama:free"}},
		},
		{"csv drops malformed", "openai, :model, groq:, gemini:pro", []ModelConfig{{"gemini", "pro"}}},
		{"malformed json falls to csv", `[{"provider":"openai"`, []ModelConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseModels(tt.pool, zaptest.NewLogger(t))
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPoolResolver_Resolve(t *testing.T) {
	settings := Settings{
		Models:        "groq:llama",
		DefaultModels: map[string]string{"openai": "gpt-4o-mini"},
		Configured:    map[string]bool{"anthropic": true, "openai": true, "gemini": false},
	}
	defaults := []ModelConfig{{"openai", "gpt-4o-mini"}, {"anthropic", "claude-3-5-sonnet-latest"}}

	t.Run("explicit wins", func(t *testing.T) {
		r := NewPoolResolver(settings, zaptest.NewLogger(t))
		got := r.Resolve([]ModelConfig{{"DeepSeek", "r1"}})
		assert.Equal(t, []ModelConfig{{"deepseek", "r1"}}, got)
	})

	t.Run("configured when no explicit pool", func(t *testing.T) {
		r := NewPoolResolver(settings, zaptest.NewLogger(t))
		assert.Equal(t, []ModelConfig{{"groq", "llama"}}, r.Resolve(nil))
	})

	t.Run("invalid explicit falls back to defaults", func(t *testing.T) {
		r := NewPoolResolver(settings, zaptest.NewLogger(t))
		assert.Equal(t, defaults, r.Resolve([]ModelConfig{{"nobody", "x"}}))
	})

	for _, pool := range []string{`[{"provider":`, "not-a-pool", `[{"provider":"openai"}]`} {
		t.Run("malformed configured pool "+pool, func(t *testing.T) {
			s := settings
			s.Models = pool
			r := NewPoolResolver(s, zaptest.NewLogger(t))
			assert.Equal(t, defaults, r.Resolve(nil))
		})
	}

	t.Run("nothing configured", func(t *testing.T) {
		r := NewPoolResolver(Settings{}, nil)
		assert.Empty(t, r.Resolve(nil))
	})
}
