// Package vision defines the Provider interface for image captioning backends.
//
// A vision provider receives one uploaded image and returns a plain-text
// description that the conversation pipeline feeds to the LLM as a user turn.
//
// Implementations must be safe for concurrent use.
package vision

import "context"

// DefaultPrompt is used when a Request carries no prompt.
const DefaultPrompt = "Describe this image in detail. What do you see?"

// Request is a single captioning request.
type Request struct {
	// ImageBase64 is the base64-encoded image content.
	ImageBase64 string

	// MimeType is the image media type, e.g. "image/png".
	MimeType string

	// Prompt is the instruction sent along with the image.
	Prompt string

	// Model overrides the provider's default model when non-empty.
	Model string
}

// Provider is the abstraction over any vision backend.
type Provider interface {
	// Describe returns a description of the image. Failures are
	// *provider.Error values.
	Describe(ctx context.Context, req Request) (string, error)
}
