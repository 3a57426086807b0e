// Package coqui provides a TTS provider backed by a standard Coqui TTS server
// (ghcr.io/coqui-ai/tts-cpu).
//
// Synthesis is performed via GET /api/tts with URL query parameters and the
// WAV response is returned unchanged; the voice catalogue is retrieved from
// GET /details.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithSpeaker("p225"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	audio, err := p.Synthesize(ctx, "Hello there.")
package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
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
	serviceName = "coqui"

	defaultTimeout  = 30 * time.Second
	apiTTSEndpoint  = "/api/tts"
	detailsEndpoint = "/details"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to multilingual models (e.g., "en").
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSpeaker selects the speaker for multi-speaker models.
func WithSpeaker(id string) Option {
	return func(p *Provider) {
		p.speaker = id
	}
}

// WithTimeout sets the HTTP request timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by a Coqui TTS HTTP server.
type Provider struct {
	serverURL  string
	language   string
	speaker    string
	httpClient *http.Client
}

// New creates a new Coqui Provider. serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, errors.New("coqui: text must not be empty")
	}

	params := url.Values{}
	params.Set("text", text)
	if p.speaker != "" {
		params.Set("speaker_id", p.speaker)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, provider.Classify(serviceName, err)
	}
	defer resp.Body.Close()

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, provider.Classify(serviceName, fmt.Errorf("read WAV response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return tts.Audio{}, provider.Response(serviceName, resp.StatusCode, fmt.Errorf("GET %s: %s", apiTTSEndpoint, strings.TrimSpace(string(wav))))
	}

	rate, err := wavSampleRate(wav)
	if err != nil {
		return tts.Audio{}, provider.Response(serviceName, 0, err)
	}
	return tts.Audio{Data: wav, Format: tts.FormatWAV, SampleRate: rate}, nil
}

// detailsResponse is the subset of GET /details the provider uses.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ListVoices implements tts.VoiceLister. Multi-speaker models return one voice
// per speaker; single-speaker models return one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+detailsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, provider.Classify(serviceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.Response(serviceName, resp.StatusCode, fmt.Errorf("GET %s failed", detailsEndpoint))
	}

	var details detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, provider.Response(serviceName, 0, fmt.Errorf("decode details response: %w", err))
	}

	if len(details.Speakers) == 0 {
		return []tts.Voice{{ID: details.ModelName, Name: details.ModelName}}, nil
	}
	speakers := append([]string(nil), details.Speakers...)
	sort.Strings(speakers)
	voices := make([]tts.Voice, 0, len(speakers))
	for _, s := range speakers {
		voices = append(voices, tts.Voice{ID: s, Name: s, Description: details.ModelName})
	}
	return voices, nil
}

// wavSampleRate reads the sample rate from a RIFF/WAVE header.
func wavSampleRate(wav []byte) (int, error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0, errors.New("coqui: response is not a WAV file")
	}
	return int(binary.LittleEndian.Uint32(wav[24:28])), nil
}
