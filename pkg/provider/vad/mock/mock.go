// Package mock provides a test double for the vad.Provider interface.
//
// Results are served from a script in order; when the script runs out, every
// further call returns Default. Use it to drive the turn-taking pipeline with
// exact speech/silence sequences:
//
//	p := &mock.Provider{Script: []mock.Step{mock.Speech(), mock.Speech(), mock.Silence()}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Step is one scripted Detect outcome.
type Step struct {
	Result vad.Result
	Err    error
}

// Speech returns a step classifying the frame as speech.
func Speech() Step { return Step{Result: vad.Result{IsSpeech: true, Probability: 0.9}} }

// Silence returns a step classifying the frame as silence.
func Silence() Step { return Step{Result: vad.Result{Probability: 0.05}} }

// Fail returns a step that fails with err.
func Fail(err error) Step { return Step{Err: err} }

// Provider is a mock implementation of vad.Provider.
type Provider struct {
	mu sync.Mutex

	// Script is consumed one step per Detect call.
	Script []Step

	// Default is returned once Script is exhausted.
	Default Step

	// Frames records every frame passed to Detect, in order.
	Frames [][]byte
}

// Detect records the frame and returns the next scripted step.
func (p *Provider) Detect(_ context.Context, frame []byte) (vad.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	p.Frames = append(p.Frames, cp)

	step := p.Default
	if len(p.Script) > 0 {
		step = p.Script[0]
		p.Script = p.Script[1:]
	}
	return step.Result, step.Err
}

// Calls returns the number of Detect calls so far. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Frames)
}

// Push appends steps to the script. Thread-safe.
func (p *Provider) Push(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Script = append(p.Script, steps...)
}

var _ vad.Provider = (*Provider)(nil)
