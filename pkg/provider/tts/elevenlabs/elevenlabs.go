// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// Each Synthesize call opens one stream-input WebSocket, sends the whole reply
// followed by a flush, and collects audio frames until the service marks the
// stream final.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	serviceName = "elevenlabs"

	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	wsPathFmt        = "/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesPath       = "/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	defaultVoice     = "21m00Tcm4TlvDq8ikWAM"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the voice ID used for synthesis.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voiceID = voiceID
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoiceSettings sets stability and similarity boost sent with the stream.
func WithVoiceSettings(stability, similarityBoost float64) Option {
	return func(p *Provider) {
		p.settings = &voiceSettings{Stability: stability, SimilarityBoost: similarityBoost}
	}
}

// WithBaseURLs overrides the WebSocket and REST API roots. Used in tests to
// point the provider at a local server.
func WithBaseURLs(wsBase, apiBase string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsBase, "/")
		p.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	voiceID      string
	outputFormat string
	settings     *voiceSettings
	wsBase       string
	apiBase      string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		voiceID:      defaultVoice,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		apiBase:      defaultAPIBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, errors.New("elevenlabs: text must not be empty")
	}

	conn, resp, err := websocket.Dial(ctx, p.wsURL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != 0 && resp.StatusCode != http.StatusSwitchingProtocols {
			return tts.Audio{}, provider.Response(serviceName, resp.StatusCode, err)
		}
		return tts.Audio{}, provider.Classify(serviceName, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(-1)

	boi, err := json.Marshal(boiMessage{
		Text:          " ",
		VoiceSettings: p.settings,
		XiAPIKey:      p.apiKey,
		OutputFormat:  p.outputFormat,
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: marshal BOI: %w", err)
	}
	for _, msg := range [][]byte{boi, mustWSMessage(text + " "), mustWSMessage("")} {
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			return tts.Audio{}, provider.Classify(serviceName, err)
		}
	}

	var buf bytes.Buffer
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && buf.Len() > 0 {
				break
			}
			return tts.Audio{}, provider.Classify(serviceName, err)
		}
		var ar audioResponse
		if err := json.Unmarshal(data, &ar); err != nil {
			return tts.Audio{}, provider.Response(serviceName, 0, fmt.Errorf("decode stream message: %w", err))
		}
		if ar.Error != "" {
			return tts.Audio{}, provider.Response(serviceName, 0, errors.New(ar.Error))
		}
		if ar.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(ar.Audio)
			if err != nil {
				return tts.Audio{}, provider.Response(serviceName, 0, fmt.Errorf("decode audio: %w", err))
			}
			buf.Write(chunk)
		}
		if ar.IsFinal {
			break
		}
	}

	format, rate := parseOutputFormat(p.outputFormat)
	return tts.Audio{Data: buf.Bytes(), Format: format, SampleRate: rate}, nil
}

// voicesResponse is the top-level structure returned by GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+voicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, provider.Classify(serviceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.Response(serviceName, resp.StatusCode, errors.New("list voices failed"))
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, provider.Response(serviceName, 0, fmt.Errorf("decode voices: %w", err))
	}

	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voices = append(voices, tts.Voice{ID: v.VoiceID, Name: v.Name, Description: v.Category})
	}
	return voices, nil
}

// ---- helpers ----

func (p *Provider) wsURL() string {
	return p.wsBase + fmt.Sprintf(wsPathFmt, p.voiceID, p.model)
}

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

func mustWSMessage(text string) []byte {
	b, _ := buildWSMessage(text, nil)
	return b
}

// parseOutputFormat maps an ElevenLabs output_format such as "pcm_24000" or
// "mp3_44100_128" to a tts format constant and sample rate.
func parseOutputFormat(f string) (string, int) {
	parts := strings.Split(f, "_")
	format := tts.FormatPCM16
	if parts[0] == "mp3" {
		format = tts.FormatMP3
	}
	if len(parts) < 2 {
		return format, 0
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil {
		return format, 0
	}
	return format, rate
}
