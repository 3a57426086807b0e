// Package energy provides a local, dependency-free VAD provider that classifies
// frames by the RMS energy of their 16-bit little-endian PCM samples.
//
// It is far less accurate than a neural VAD but never fails on the network,
// which makes it a useful last fallback behind a remote classifier.
package energy

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// DefaultThreshold is the RMS level above which a frame counts as speech.
const DefaultThreshold = 500.0

// Provider implements vad.Provider using an RMS threshold.
type Provider struct {
	threshold float64
}

// New returns a Provider. A threshold of zero selects DefaultThreshold.
func New(threshold float64) *Provider {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Provider{threshold: threshold}
}

// Detect implements vad.Provider. It never returns an error.
func (p *Provider) Detect(_ context.Context, frame []byte) (vad.Result, error) {
	rms := computeRMS(frame)
	prob := rms / (2 * p.threshold)
	if prob > 1 {
		prob = 1
	}
	return vad.Result{IsSpeech: rms >= p.threshold, Probability: prob}, nil
}

// computeRMS returns the root-mean-square amplitude of 16-bit LE PCM samples.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

var _ vad.Provider = (*Provider)(nil)
