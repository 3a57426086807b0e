// Package parler provides a TTS provider backed by the streaming Parler-TTS
// HTTP service.
//
// Synthesis posts {text, style} to /api/tts_stream and reads the chunked
// response body to completion. The body is raw 16-bit little-endian mono PCM;
// the sample rate is reported in the X-Sample-Rate header.
package parler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	serviceName = "parler"

	// DefaultSampleRate is assumed when the service omits X-Sample-Rate.
	DefaultSampleRate = 24000

	// DefaultStyle is the voice description sent when none is configured.
	DefaultStyle = "A clear, friendly voice speaks naturally."

	defaultTimeout = 60 * time.Second
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithStyle sets the free-form voice description sent with each request.
func WithStyle(style string) Option {
	return func(p *Provider) {
		p.style = style
	}
}

// WithHTTPClient sets the HTTP client. The default has a 60 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider against the streaming Parler-TTS service.
type Provider struct {
	baseURL    string
	style      string
	httpClient *http.Client
}

// New creates a Provider for the service at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("parler: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		style:      DefaultStyle,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type streamRequest struct {
	Text  string `json:"text"`
	Style string `json:"style,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, errors.New("parler: text must not be empty")
	}
	body, err := json.Marshal(streamRequest{Text: text, Style: p.style})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("parler: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/tts_stream", bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("parler: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, provider.Classify(serviceName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, provider.Classify(serviceName, fmt.Errorf("read stream: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return tts.Audio{}, provider.Response(serviceName, resp.StatusCode, errors.New(msg))
	}
	if len(data) == 0 {
		return tts.Audio{}, provider.Response(serviceName, 0, errors.New("empty audio stream"))
	}

	rate := DefaultSampleRate
	if h := resp.Header.Get("X-Sample-Rate"); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n > 0 {
			rate = n
		}
	}
	return tts.Audio{Data: data, Format: tts.FormatPCM16, SampleRate: rate}, nil
}

// ListVoices implements tts.VoiceLister using GET /api/voices.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("parler: create voices request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, provider.Classify(serviceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, provider.Response(serviceName, resp.StatusCode, errors.New("list voices failed"))
	}
	var out struct {
		Voices []tts.Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.Response(serviceName, 0, fmt.Errorf("decode voices: %w", err))
	}
	return out.Voices, nil
}

// Ping checks GET /health.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("parler: create health request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return provider.Classify(serviceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.Response(serviceName, resp.StatusCode, errors.New("health check failed"))
	}
	return nil
}
