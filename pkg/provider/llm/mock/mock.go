// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the conversation pipeline sends
// correct CompletionRequests and to feed controlled streams without a live LLM
// backend. All fields are safe to set before calling any method; mutating them
// during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Rounds: [][]llm.Chunk{
//	        {{ToolCalls: []types.ToolCall{{Name: "calculate", Arguments: `{"expression":"2 + 2"}`}}, FinishReason: llm.FinishToolCalls}},
//	        {{Text: "It is 4."}, {FinishReason: llm.FinishStop}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion. Messages are
	// copied so later mutation by the caller does not affect the record.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause StreamCompletion to return an empty,
// immediately closed channel.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on every call when
	// Rounds does not cover the call.
	StreamChunks []llm.Chunk

	// Rounds scripts successive calls: call n emits Rounds[n]. Calls beyond
	// len(Rounds) fall back to StreamChunks.
	Rounds [][]llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// OnChunk, if set, runs before chunk i of call n is sent. The channel is
	// unbuffered, so when OnChunk(n, i) runs the consumer has received every
	// chunk before i-1.
	OnChunk func(call, i int)

	// Block, if non-nil, is waited on before the first chunk of every call.
	Block <-chan struct{}

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// StreamCompletion records the call and returns a channel that emits the
// scripted chunks. If StreamErr is set, it returns nil, StreamErr.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	call := len(p.StreamCalls)
	recorded := req
	recorded.Messages = append([]types.Message(nil), req.Messages...)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: recorded})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	src := p.StreamChunks
	if call < len(p.Rounds) {
		src = p.Rounds[call]
	}
	chunks := make([]llm.Chunk, len(src))
	copy(chunks, src)
	onChunk := p.OnChunk
	block := p.Block
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return
			}
		}
		for i, c := range chunks {
			if onChunk != nil {
				onChunk(call, i)
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Capabilities records the call and returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Calls returns a snapshot of the recorded StreamCompletion calls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StreamCall(nil), p.StreamCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
