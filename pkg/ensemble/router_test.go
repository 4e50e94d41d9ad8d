package ensemble

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoute(t *testing.T) {
	var (
		groq      = ModelConfig{Provider: "groq", Model: "llama"}
		anthropic = ModelConfig{Provider: "anthropic", Model: "claude"}
		openai    = ModelConfig{Provider: "openai", Model: "gpt"}
		deepseek  = ModelConfig{Provider: "deepseek", Model: "r1"}
		gemini    = ModelConfig{Provider: "gemini", Model: "pro"}
	)
	long := strings.Repeat("x", 1201)

	tests := []struct {
		name    string
		message string
		pool    []ModelConfig
		want    ModelConfig
	}{
		{"tax prefers anthropic over groq", "What are the tax rules?", []ModelConfig{groq, anthropic}, anthropic},
		{"keyword uses pool order", "Review this CONTRACT", []ModelConfig{groq, openai, anthropic}, openai},
		{"keyword without eligible provider", "ucc filing", []ModelConfig{groq, deepseek}, groq},
		{"long message by priority", long, []ModelConfig{groq, deepseek, anthropic}, anthropic},
		{"long message deepseek before groq", long, []ModelConfig{gemini, groq, deepseek}, deepseek},
		{"long message without priority provider", long, []ModelConfig{gemini}, gemini},
		{"exactly at threshold", strings.Repeat("x", 1200), []ModelConfig{groq, openai}, groq},
		{"plain message", "hello there", []ModelConfig{deepseek, openai}, deepseek},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Route(tt.message, tt.pool)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoute_EmptyPool(t *testing.T) {
	_, ok := Route("tax", nil)
	assert.False(t, ok)
}
