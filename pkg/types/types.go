// Package types defines the shared types used across all parley packages.
//
// These types form the lingua franca between providers, the conversation
// pipeline, the tool registry, and the conversation log. Each package defines
// its own domain types; cross-cutting data structures live here to avoid
// circular imports.
package types

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser marks messages spoken, typed, or uploaded by the user.
	RoleUser Role = "user"

	// RoleAssistant marks replies generated by the model, including tool markers.
	RoleAssistant Role = "assistant"

	// RoleSystem marks instructions and tool results injected into model context.
	RoleSystem Role = "system"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Transcript represents a speech-to-text result from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the detected language code when the provider reports one.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// Message is a single {role, content} pair sent to an LLM.
type Message struct {
	// Role is the author of the message.
	Role Role

	// Content is the text content of the message.
	Content string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the raw arguments payload. Providers deliver either a
	// JSON-encoded string or a JSON object; the tool registry normalizes both.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	// The "required" key, when present, lists mandatory parameter names.
	Parameters map[string]any
}

// Required returns the required parameter names declared in the schema.
func (d ToolDefinition) Required() []string {
	switch v := d.Parameters["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if name, ok := s.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
