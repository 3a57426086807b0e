package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/provider/vision"
)

// VisionFallback implements [vision.Provider] with failover across image
// description backends.
type VisionFallback struct {
	group *FallbackGroup[vision.Provider]
}

var _ vision.Provider = (*VisionFallback)(nil)

// NewVisionFallback creates a [VisionFallback] with primary as the preferred
// backend.
func NewVisionFallback(primary vision.Provider, primaryName string, cfg FallbackConfig) *VisionFallback {
	return &VisionFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional vision provider as a fallback.
func (f *VisionFallback) AddFallback(name string, provider vision.Provider) {
	f.group.AddFallback(name, provider)
}

// Describe asks the first healthy provider for a description. An empty
// description counts as a failure.
func (f *VisionFallback) Describe(ctx context.Context, req vision.Request) (string, error) {
	return ExecuteWithResult(f.group, func(p vision.Provider) (string, error) {
		desc, err := p.Describe(ctx, req)
		if err == nil && desc == "" {
			return "", errors.New("empty description")
		}
		return desc, err
	})
}
