// Package vad defines the Provider interface for Voice Activity Detection
// backends.
//
// A VAD provider classifies one opaque audio frame at a time as speech or
// silence. The turn-taking pipeline calls Detect for every inbound frame and
// uses the result to accumulate speech and count silence runs, so providers
// must be safe for concurrent use across sessions and should return quickly.
package vad

import "context"

// Result is the classification of a single audio frame.
type Result struct {
	// IsSpeech reports whether the frame was classified as speech.
	IsSpeech bool

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// Provider is the abstraction over any speech-activity classifier.
type Provider interface {
	// Detect classifies frame. Failures are *provider.Error values; callers
	// must leave their accumulation state unchanged for a frame that failed.
	Detect(ctx context.Context, frame []byte) (Result, error)
}
