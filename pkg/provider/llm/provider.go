// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic via
// any-llm, or a local Ollama instance) and exposes the conversation history as
// a typed stream of chunks so the conversation pipeline can check for user
// interruption between every token without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/parley/pkg/types"
)

// Finish reasons reported on the final chunk of a stream.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
)

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages must
// be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history mapped to {role, content}
	// pairs. Order is conversation order and must be preserved by providers.
	Messages []types.Message

	// Tools is the set of function/tool definitions offered to the model.
	Tools []types.ToolDefinition

	// Model overrides the provider's configured model when non-empty.
	Model string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before the history.
	SystemPrompt string
}

// Chunk is a single event emitted by a streaming completion.
// A chunk may carry text, tool calls, a finish signal, or an error.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// ToolCalls holds fully accumulated tool invocations. Providers emit them
	// once, on the chunk that finishes the stream.
	ToolCalls []types.ToolCall

	// FinishReason is set on the final chunk ("stop", "length", "tool_calls",
	// "error") and empty on intermediate chunks.
	FinishReason string

	// Err is set together with FinishReason "error" when the stream failed
	// after it started. It is a *provider.Error.
	Err error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// The initial error is non-nil only for failures that prevent the stream
	// from starting. The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() types.ModelCapabilities
}
