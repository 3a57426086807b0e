package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrVoicesUnsupported is returned by [TTSFallback.ListVoices] when no entry
// can enumerate voices.
var ErrVoicesUnsupported = errors.New("resilience: no provider lists voices")

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text with the first healthy provider. An empty result
// counts as a failure so the next backend gets a chance.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Audio, error) {
		audio, err := p.Synthesize(ctx, text)
		if err == nil && len(audio.Data) == 0 {
			return tts.Audio{}, errors.New("empty audio")
		}
		return audio, err
	})
}

// ListVoices returns the voices of the first healthy entry that implements
// [tts.VoiceLister]. Entries without voice enumeration are skipped.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.Voice, error) {
		vl, ok := p.(tts.VoiceLister)
		if !ok {
			return nil, ErrVoicesUnsupported
		}
		return vl.ListVoices(ctx)
	})
}
