package ports

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrProviderUnavailable marks a decision backend that cannot be reached or
// keeps failing at the transport level. Callers treat it as a failed turn,
// never as a failed session.
var ErrProviderUnavailable = errors.New("provider unavailable")

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

// ToolSpec declares a callable tool to the model.
type ToolSpec struct {
	Name        string // qualified "service/tool" name
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args
}

// ToolCall is a model-selected invocation with raw JSON arguments.
type ToolCall struct {
	Name string
	Args json.RawMessage
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // decision instructions and tool catalog
	Messages []PromptMessage   // ordered chat history (already windowed)
	Tools    []ToolSpec        // tool declarations for providers with native support
	Meta     map[string]string // lightweight metadata for tracing/caching keys
}

// Options controls sampling, limits, and determinism.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Seed         int
	Stop         []string
	// TimeoutMs applies to the provider call only, not the overall turn deadline.
	TimeoutMs int
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's non-streaming response.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Raw       any    // raw provider payload for debugging/telemetry
	Usage     *Usage // optional usage information
}

// CompletionChunk is the provider's streaming delta.
type CompletionChunk struct {
	DeltaText string
	ToolCalls []ToolCall
	Done      bool
	Usage     *Usage // on final chunk when available
}

// Provider is the abstraction for all decision backends.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
	Stream(ctx context.Context, in PromptInput, opts Options) (<-chan CompletionChunk, error)
}
