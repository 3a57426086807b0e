// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Audio: tts.Audio{Data: []byte("pcm"), Format: tts.FormatPCM16}}
//	audio, _ := p.Synthesize(ctx, "hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// Provider is a mock implementation of tts.Provider and tts.VoiceLister.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by Synthesize.
	Audio tts.Audio

	// Err, when non-nil, is returned by Synthesize instead of Audio.
	Err error

	// OnSynthesize, when set, runs inside Synthesize before it returns. Tests
	// use it to interrupt a turn while synthesis is in flight.
	OnSynthesize func(text string)

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// SynthesizeCalls records the text of each Synthesize invocation.
	SynthesizeCalls []string
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(_ context.Context, text string) (tts.Audio, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, text)
	hook := p.OnSynthesize
	audio, err := p.Audio, p.Err
	p.mu.Unlock()

	if hook != nil {
		hook(text)
	}
	if err != nil {
		return tts.Audio{}, err
	}
	return audio, nil
}

// ListVoices implements tts.VoiceLister.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// Calls returns a copy of the recorded Synthesize texts.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.SynthesizeCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}
