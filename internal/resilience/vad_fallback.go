package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// VADFallback implements [vad.Provider] with failover. A typical setup puts
// a remote model first and the local energy detector last so that frames are
// always classified.
type VADFallback struct {
	group *FallbackGroup[vad.Provider]
}

var _ vad.Provider = (*VADFallback)(nil)

// NewVADFallback creates a [VADFallback] with primary as the preferred backend.
func NewVADFallback(primary vad.Provider, primaryName string, cfg FallbackConfig) *VADFallback {
	return &VADFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional VAD provider as a fallback.
func (f *VADFallback) AddFallback(name string, provider vad.Provider) {
	f.group.AddFallback(name, provider)
}

// Detect classifies frame with the first healthy provider.
func (f *VADFallback) Detect(ctx context.Context, frame []byte) (vad.Result, error) {
	return ExecuteWithResult(f.group, func(p vad.Provider) (vad.Result, error) {
		return p.Detect(ctx, frame)
	})
}
