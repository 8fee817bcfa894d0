// Package provider implements LLM provider interfaces and clients.
package provider

import (
	"context"
	"fmt"
	"time"
)

// LLMProvider is the interface for LLM API clients.
type LLMProvider interface {
	// Chat sends a completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// DefaultModel returns the configured default model.
	DefaultModel() string
}

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool call from the LLM.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition defines a tool that can be called by the LLM.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a function that can be called.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is a non-2xx response from the upstream LLM API. It carries enough
// structure for the resilience layer to decide whether the call can be
// retried and how long to wait.
type APIError struct {
	StatusCode int
	// RetryAfterHint is the server-provided Retry-After value, zero if the
	// server did not send one.
	RetryAfterHint time.Duration
	Body           string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the error is a rate-limit rejection.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == 429
}

// RetryAfter returns the server-provided backoff hint, zero if absent.
func (e *APIError) RetryAfter() time.Duration {
	return e.RetryAfterHint
}

// Transient reports whether the error is a server-side failure that a later
// retry may not see (5xx-class).
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500
}
