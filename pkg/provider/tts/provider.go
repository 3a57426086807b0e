// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, Coqui, or
// a local streaming TTS service) and turns one finalized assistant reply into
// an audio payload. Providers that stream internally still return the whole
// utterance: the conversation pipeline checks for interruption after the
// round trip and before delivering anything to the client.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Audio formats reported in Audio.Format.
const (
	FormatPCM16 = "pcm_s16le"
	FormatWAV   = "wav"
	FormatMP3   = "mp3"
)

// Audio is a synthesized utterance. Data is opaque to the core and delivered
// to the client as-is.
type Audio struct {
	// Data holds the encoded or raw audio bytes.
	Data []byte

	// Format identifies the payload encoding, one of the Format constants.
	Format string

	// SampleRate is the sample rate in Hz when known, zero otherwise.
	SampleRate int
}

// Voice describes a voice or speaking style offered by a provider.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into audio. Failures are *provider.Error values.
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]Voice, error)
}
