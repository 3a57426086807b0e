// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., a local whisper.cpp
// server) and turns one complete utterance, the buffer drained from a
// session's audio accumulator on a silence trigger, into text.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/parley/pkg/types"
)

// Provider is the abstraction over any batch transcription backend.
type Provider interface {
	// Transcribe converts audio into a transcript. The audio bytes are the
	// concatenation of the frames of one utterance in arrival order.
	// Failures are *provider.Error values.
	Transcribe(ctx context.Context, audio []byte) (types.Transcript, error)
}
