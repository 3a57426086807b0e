package session

import "sync"

// DefaultMaxFrames bounds the audio accumulator when no limit is configured.
const DefaultMaxFrames = 500

// AudioAccumulator buffers the audio frames of the current utterance. When
// the bound is reached the oldest frame is evicted. It is safe for concurrent
// use.
type AudioAccumulator struct {
	mu        sync.Mutex
	frames    [][]byte
	maxFrames int
	evicted   int
}

// NewAudioAccumulator returns an accumulator holding at most maxFrames
// frames. Non-positive values select [DefaultMaxFrames].
func NewAudioAccumulator(maxFrames int) *AudioAccumulator {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	return &AudioAccumulator{maxFrames: maxFrames}
}

// Append adds a copy of frame, evicting the oldest frame when full.
func (a *AudioAccumulator) Append(frame []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.frames) >= a.maxFrames {
		a.frames[0] = nil
		a.frames = a.frames[1:]
		a.evicted++
	}
	a.frames = append(a.frames, append([]byte(nil), frame...))
}

// Len returns the number of buffered frames.
func (a *AudioAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

// Evicted returns how many frames were dropped for exceeding the bound.
func (a *AudioAccumulator) Evicted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evicted
}

// Drain concatenates all buffered frames into one buffer and clears the
// accumulator. It returns nil when empty.
func (a *AudioAccumulator) Drain() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.frames) == 0 {
		return nil
	}
	n := 0
	for _, f := range a.frames {
		n += len(f)
	}
	buf := make([]byte, 0, n)
	for _, f := range a.frames {
		buf = append(buf, f...)
	}
	a.frames = nil
	return buf
}

// Clear drops all buffered frames.
func (a *AudioAccumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames = nil
}
