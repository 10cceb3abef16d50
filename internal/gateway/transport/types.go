// Package transport defines the request pipeline for provider calls:
// normalized request/response shapes and the composable Handler/Middleware
// abstractions that rate limiting, retry, pricing, and logging plug into.
package transport

import (
	"time"

	"github.com/symbi-labs/arena/internal/domain"
)

// Request is the provider-agnostic generation request.
// Adapters translate it into each provider's wire format.
type Request struct {
	// Provider and Model select the adapter and model variant.
	Provider string
	Model    string

	// Prompt is the user content; SystemPrompt optionally precedes it.
	Prompt       string
	SystemPrompt string

	// Temperature and MaxTokens tune generation. Zero MaxTokens lets the
	// adapter apply its default.
	Temperature float64
	MaxTokens   int

	// Timeout bounds the whole provider call. The gateway, not the caller,
	// enforces it; zero means the client default applies.
	Timeout time.Duration

	// TraceID correlates the call with the trial that issued it.
	TraceID string
}

// Usage captures normalized token accounting from a provider response.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is the normalized provider response.
type Response struct {
	Content  string
	Usage    Usage
	Model    string
	Provider string

	// LatencyMs is wall time of the HTTP exchange, set by the core handler.
	LatencyMs int64

	// CostCents is computed by the pricing middleware from Usage.
	CostCents domain.Cents
}
