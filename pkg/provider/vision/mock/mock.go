// Package mock provides a test double for the vision.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vision"
)

var _ vision.Provider = (*Provider)(nil)

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// Description is returned by Describe.
	Description string

	// Err, when non-nil, is returned by Describe.
	Err error

	// DescribeCalls records every request.
	DescribeCalls []vision.Request
}

// Describe implements vision.Provider.
func (p *Provider) Describe(_ context.Context, req vision.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DescribeCalls = append(p.DescribeCalls, req)
	if p.Err != nil {
		return "", p.Err
	}
	return p.Description, nil
}

// Calls returns a copy of the recorded requests.
func (p *Provider) Calls() []vision.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]vision.Request(nil), p.DescribeCalls...)
}
