// Package whisper provides an STT provider backed by a whisper.cpp server.
//
// It connects to a running whisper-server binary, which exposes a REST API at
// POST /inference, and submits each utterance as one multipart batch request.
// Raw 16-bit PCM utterances are wrapped in a RIFF/WAV container first; the
// samples themselves are never modified.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSampleRate(16000),
//	)
//	transcript, err := p.Transcribe(ctx, utterance)
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	serviceName = "whisper"

	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultChannels   = 1
	defaultTimeout    = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the server (e.g., "en", "de").
// Defaults to "en". "auto" lets the server detect the language.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the sample rate written into the WAV header.
// Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithChannels sets the channel count written into the WAV header. Defaults to 1.
func WithChannels(n int) Option {
	return func(p *Provider) {
		p.channels = n
	}
}

// WithPassthrough uploads utterances unchanged instead of wrapping them in a
// WAV container. Use it when clients already send a container format.
func WithPassthrough() Option {
	return func(p *Provider) {
		p.passthrough = true
	}
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL   string
	model       string
	language    string
	sampleRate  int
	channels    int
	passthrough bool
	httpClient  *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.sampleRate <= 0 {
		return nil, fmt.Errorf("whisper: invalid sample rate %d", p.sampleRate)
	}
	if p.channels <= 0 {
		return nil, fmt.Errorf("whisper: invalid channel count %d", p.channels)
	}
	return p, nil
}

// inferenceResponse is the JSON body returned by /inference.
type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Error    string `json:"error"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio []byte) (types.Transcript, error) {
	if len(audio) == 0 {
		return types.Transcript{}, errors.New("whisper: empty audio")
	}

	upload := audio
	if !p.passthrough {
		upload = encodeWAV(audio, p.sampleRate, p.channels)
	}

	body, contentType, err := p.multipartBody(upload)
	if err != nil {
		return types.Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return types.Transcript{}, provider.Classify(serviceName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Transcript{}, provider.Classify(serviceName, fmt.Errorf("read response body: %w", err))
	}

	var result inferenceResponse
	decodeErr := json.Unmarshal(data, &result)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if decodeErr == nil && result.Error != "" {
			msg = result.Error
		}
		return types.Transcript{}, provider.Response(serviceName, resp.StatusCode, errors.New(msg))
	}
	if decodeErr != nil {
		return types.Transcript{}, provider.Response(serviceName, 0, fmt.Errorf("parse JSON response: %w", decodeErr))
	}
	if result.Error != "" {
		return types.Transcript{}, provider.Response(serviceName, 0, errors.New(result.Error))
	}

	return types.Transcript{
		Text:     strings.TrimSpace(result.Text),
		Language: result.Language,
		Duration: p.audioDuration(audio, time.Since(start)),
	}, nil
}

// multipartBody builds the /inference form.
func (p *Provider) multipartBody(wav []byte) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return nil, "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// audioDuration returns the PCM duration of audio, or fallback in passthrough
// mode where the byte layout is unknown.
func (p *Provider) audioDuration(audio []byte, fallback time.Duration) time.Duration {
	if p.passthrough {
		return fallback
	}
	bytesPerSec := p.sampleRate * p.channels * (bitsPerSample / 8)
	return time.Duration(len(audio)) * time.Second / time.Duration(bytesPerSec)
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct inclusion
// in a multipart form upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
