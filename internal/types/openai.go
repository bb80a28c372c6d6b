// Package types defines the gateway's wire shapes: the OpenAI-compatible
// client surface and the canonical internal event representation.
package types

import "encoding/json"

// --- Request types ---

// ChatRequest represents an inbound OpenAI-style chat completion request.
// It is immutable once accepted; per-request provider overrides are merged
// onto copies of the server defaults, never onto the defaults themselves.
type ChatRequest struct {
	Model           string           `json:"model,omitempty"`
	Messages        []Message        `json:"messages"`
	Stream          bool             `json:"stream,omitempty"`
	Verbose         bool             `json:"verbose,omitempty"`
	System          string           `json:"system,omitempty"`
	DeepSeekConfig  ProviderOverride `json:"deepseek_config,omitempty"`
	AnthropicConfig ProviderOverride `json:"anthropic_config,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles accepted by the gate.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ProviderOverride carries request-scoped header and body overrides for one
// provider slot. Body values stay raw so the codec can splice them into the
// upstream request without re-encoding.
type ProviderOverride struct {
	Headers map[string]string          `json:"headers,omitempty"`
	Body    map[string]json.RawMessage `json:"body,omitempty"`
}

// --- Streaming response types ---

// ChatCompletionChunk is one client-visible SSE frame.
type ChatCompletionChunk struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	Created   int64         `json:"created"`
	Model     string        `json:"model"`
	Choices   []ChunkChoice `json:"choices"`
	Heartbeat bool          `json:"heartbeat,omitempty"`
}

// ChunkChoice holds the delta payload of a streaming frame.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental fields of one frame. Content and
// ReasoningContent are pointers so the final frame can omit both while
// regular frames carry exactly one.
type ChunkDelta struct {
	Role             string  `json:"role,omitempty"`
	Content          *string `json:"content,omitempty"`
	ReasoningContent *string `json:"reasoning_content,omitempty"`
}

// --- Aggregate response types ---

// ChatCompletionResponse is the non-streaming response document.
type ChatCompletionResponse struct {
	ID            string         `json:"id"`
	Object        string         `json:"object"`
	Created       int64          `json:"created"`
	Model         string         `json:"model"`
	Choices       []Choice       `json:"choices"`
	Usage         *Usage         `json:"usage,omitempty"`
	CombinedUsage *CombinedUsage `json:"combined_usage,omitempty"`
}

// Choice is one completed choice in an aggregate response.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of an aggregate response.
type ResponseMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Usage holds OpenAI-style token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CombinedUsage aggregates per-provider usage, reported on verbose
// aggregate responses.
type CombinedUsage struct {
	DeepSeekUsage  ProviderUsage `json:"deepseek_usage"`
	AnthropicUsage ProviderUsage `json:"anthropic_usage"`
}

// ProviderUsage is the usage of a single upstream call chain.
type ProviderUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// --- Error types ---

// ErrorResponse is the OpenAI-format error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }
