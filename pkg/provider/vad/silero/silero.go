// Package silero provides a VAD provider backed by a Silero VAD HTTP service.
//
// The service exposes a stateless per-chunk endpoint:
//
//	POST /api/detect_stream   body: raw 16-bit little-endian PCM
//	→ {"is_speech": true, "probability": 0.93, "threshold": 0.5}
//
// and a liveness endpoint at GET /health.
package silero

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

const (
	serviceName = "silero"

	defaultTimeout = 5 * time.Second
)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// WithThreshold overrides the service's own speech decision with a local
// probability threshold. Zero keeps the service decision.
func WithThreshold(t float64) Option {
	return func(p *Provider) {
		p.threshold = t
	}
}

// Provider implements vad.Provider against a Silero VAD service.
type Provider struct {
	baseURL   string
	client    *http.Client
	threshold float64
}

// New creates a Provider for the service at baseURL (e.g. "http://localhost:5052").
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("silero: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// detectResponse is the JSON body returned by /api/detect_stream.
type detectResponse struct {
	IsSpeech    bool    `json:"is_speech"`
	Probability float64 `json:"probability"`
	Threshold   float64 `json:"threshold"`
	Error       string  `json:"error"`
}

// Detect implements vad.Provider.
func (p *Provider) Detect(ctx context.Context, frame []byte) (vad.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/detect_stream", bytes.NewReader(frame))
	if err != nil {
		return vad.Result{}, fmt.Errorf("silero: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return vad.Result{}, provider.Classify(serviceName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return vad.Result{}, provider.Classify(serviceName, fmt.Errorf("read response: %w", err))
	}

	var out detectResponse
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if decodeErr == nil && out.Error != "" {
			msg = out.Error
		}
		return vad.Result{}, provider.Response(serviceName, resp.StatusCode, errors.New(msg))
	}
	if decodeErr != nil {
		return vad.Result{}, provider.Response(serviceName, 0, fmt.Errorf("decode response: %w", decodeErr))
	}

	isSpeech := out.IsSpeech
	if p.threshold > 0 {
		isSpeech = out.Probability > p.threshold
	}
	return vad.Result{IsSpeech: isSpeech, Probability: out.Probability}, nil
}

// Ping checks the service's /health endpoint. It is used as a readiness probe.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("silero: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return provider.Classify(serviceName, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return provider.Response(serviceName, resp.StatusCode, errors.New("health check failed"))
	}
	return nil
}

var _ vad.Provider = (*Provider)(nil)
