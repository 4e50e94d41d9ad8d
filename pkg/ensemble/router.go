package ensemble

import (
	"strings"
	"unicode/utf8"

	"github.com/abdhe/llm-ensemble/pkg/provider"
)

// longMessageRunes is the length above which long-context providers are preferred.
const longMessageRunes = 1200

// Substring matches, so "tax" also fires on "syntax".
var regulatoryKeywords = []string{"law", "statute", "fdcpa", "ucc", "tax", "irs", "contract"}

var (
	regulatoryProviders  = []string{provider.Anthropic, provider.OpenAI}
	longContextProviders = []string{provider.OpenAI, provider.Anthropic, provider.DeepSeek, provider.Groq}
)

// Route picks exactly one pool member for message. Legal and regulatory
// questions go to the first anthropic or openai member, long messages to the
// first member by long-context priority, everything else to pool[0].
// It reports false only for an empty pool.
func Route(message string, pool []ModelConfig) (ModelConfig, bool) {
	if len(pool) == 0 {
		return ModelConfig{}, false
	}

	lower := strings.ToLower(message)
	for _, kw := range regulatoryKeywords {
		if strings.Contains(lower, kw) {
			if m, ok := firstOf(pool, regulatoryProviders, false); ok {
				return m, true
			}
			break
		}
	}

	if utf8.RuneCountInString(message) > longMessageRunes {
		if m, ok := firstOf(pool, longContextProviders, true); ok {
			return m, true
		}
	}

	return pool[0], true
}

// firstOf returns the first member whose provider is in providers. With
// byPriority the order of providers wins over pool order.
func firstOf(pool []ModelConfig, providers []string, byPriority bool) (ModelConfig, bool) {
	if byPriority {
		for _, p := range providers {
			for _, m := range pool {
				if m.Provider == p {
					return m, true
				}
			}
		}
		return ModelConfig{}, false
	}
	for _, m := range pool {
		for _, p := range providers {
			if m.Provider == p {
				return m, true
			}
		}
	}
	return ModelConfig{}, false
}
