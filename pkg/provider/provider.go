// Package provider defines the LLM provider interface and shared types.
package provider

import (
	"context"
	"fmt"
)

// Known provider identifiers.
const (
	OpenAI     = "openai"
	Anthropic  = "anthropic"
	Groq       = "groq"
	DeepSeek   = "deepseek"
	Gemini     = "gemini"
	OpenRouter = "openrouter"
)

// Names lists every supported provider in default-pool preference order.
var Names = []string{OpenAI, Anthropic, Groq, DeepSeek, Gemini, OpenRouter}

// Known reports whether name is a supported provider identifier.
func Known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Request represents an inference request to an LLM provider.
type Request struct {
	Model        string
	Prompt       string
	SystemPrompt string // Optional; omitted from the payload when empty
	Temperature  float32
	MaxTokens    int32
	APIKey       string // Injected by the key pool
}

// Response represents a complete inference response.
type Response struct {
	Text         string
	PromptTokens int32
	OutputTokens int32
}

// Provider is the interface that all LLM backends must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Infer performs a unary (non-streaming) inference call.
	// The context should carry a deadline/timeout.
	Infer(ctx context.Context, req Request) (Response, error)
}

// APIError is returned when a provider answers with a non-200 status.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// New returns the client for name. An empty baseURL selects the provider's
// public endpoint.
func New(name, baseURL string) (Provider, error) {
	switch name {
	case OpenAI, Groq, DeepSeek, OpenRouter:
		return NewCompatibleProvider(name, baseURL), nil
	case Anthropic:
		return NewAnthropicProvider(baseURL), nil
	case Gemini:
		return NewGeminiProvider(baseURL), nil
	default:
		return nil, fmt.Errorf("provider: unsupported provider %q", name)
	}
}
