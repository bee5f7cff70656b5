// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"fmt"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	// ProviderDeepSeek is served through the OpenAI-compatible API.
	ProviderDeepSeek Provider = "deepseek"
)

// Options configures a provider client.
type Options struct {
	APIKey string
	// BaseURL overrides the endpoint of OpenAI-compatible providers.
	BaseURL string
}

const deepSeekBaseURL = "https://api.deepseek.com/v1"

// NewClient creates a new LLM client based on provider.
func NewClient(ctx context.Context, provider Provider, opts Options) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(opts.APIKey)
	case ProviderOpenAI:
		return NewOpenAIClient(opts.APIKey, opts.BaseURL)
	case ProviderDeepSeek:
		base := opts.BaseURL
		if base == "" {
			base = deepSeekBaseURL
		}
		return NewOpenAIClient(opts.APIKey, base)
	case ProviderGemini:
		return NewGeminiClient(ctx, opts.APIKey)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}
