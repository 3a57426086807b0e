// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed a controlled Transcript and inspect which utterances
// were submitted for transcription.
//
// Example:
//
//	p := &mock.Provider{Result: types.Transcript{Text: "hello"}}
//	tr, _ := p.Transcribe(ctx, audio)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is a copy of the audio passed to Transcribe.
	Audio []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result types.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// OnTranscribe, if set, runs inside Transcribe before it returns.
	OnTranscribe func()

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, audio []byte) (types.Transcript, error) {
	p.mu.Lock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: cp})
	res, err, hook := p.Result, p.Err, p.OnTranscribe
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return types.Transcript{}, err
	}
	return res, nil
}

// Calls returns a snapshot of the recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TranscribeCall(nil), p.TranscribeCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

var _ stt.Provider = (*Provider)(nil)
