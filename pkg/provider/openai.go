package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Default base URLs for OpenAI-compatible chat completion APIs.
const (
	OpenAIBaseURL     = "https://api.openai.com/v1"
	GroqBaseURL       = "https://api.groq.com/openai/v1"
	DeepSeekBaseURL   = "https://api.deepseek.com"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenAIProvider implements the Provider interface for OpenAI's Chat Completions API
// and for every backend that speaks the same wire format (Groq, DeepSeek, OpenRouter).
type OpenAIProvider struct {
	name    string
	client  *http.Client
	baseURL string
}

// NewOpenAIProvider creates a new OpenAI provider. An empty baseURL selects the public API.
func NewOpenAIProvider(baseURL string) *OpenAIProvider {
	return NewCompatibleProvider(OpenAI, baseURL)
}

// NewCompatibleProvider creates an OpenAI-compatible provider registered under name.
// An empty baseURL selects the default endpoint for known names.
func NewCompatibleProvider(name, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultCompatibleURL(name)
	}
	return &OpenAIProvider{
		name:    name,
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func defaultCompatibleURL(name string) string {
	switch name {
	case Groq:
		return GroqBaseURL
	case DeepSeek:
		return DeepSeekBaseURL
	case OpenRouter:
		return OpenRouterBaseURL
	default:
		return OpenAIBaseURL
	}
}

func (o *OpenAIProvider) Name() string { return o.name }

// ---------------------------------------------------------------------------
// Request / Response types for OpenAI Chat Completions
// ---------------------------------------------------------------------------

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float32         `json:"temperature"`
	MaxTokens   int32           `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int32 `json:"prompt_tokens"`
		CompletionTokens int32 `json:"completion_tokens"`
	} `json:"usage"`
}

// ---------------------------------------------------------------------------
// Infer: Unary call
// ---------------------------------------------------------------------------

func (o *OpenAIProvider) Infer(ctx context.Context, req Request) (Response, error) {
	messages := make([]openAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	body := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("%s: marshal request: %w", o.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, fmt.Errorf("%s: create request: %w", o.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%s: do request: %w", o.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return Response{}, &APIError{Provider: o.name, StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return Response{}, fmt.Errorf("%s: decode response: %w", o.name, err)
	}

	var text string
	if len(oaiResp.Choices) > 0 {
		text = oaiResp.Choices[0].Message.Content
	}

	return Response{
		Text:         strings.TrimSpace(text),
		PromptTokens: oaiResp.Usage.PromptTokens,
		OutputTokens: oaiResp.Usage.CompletionTokens,
	}, nil
}
