// Package pipeline drives a conversation turn: audio turn-taking on ingest,
// then model streaming with tool rounds, speech synthesis, and audio
// delivery, checking the session's interrupt flag at every suspension point.
//
// A [Pipeline] is stateless with respect to sessions and may be shared by all
// connections. Per-conversation state lives in [session.Session]; everything
// the client should see is written to a [Sender].
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vision"
)

// Defaults applied by [New] for zero [Config] fields.
const (
	DefaultSilenceThreshold = 3
	DefaultMaxToolRounds    = 5
	DefaultAudioChunkBytes  = 32 * 1024
	DefaultToolTimeout      = 30 * time.Second
)

// Interrupt reasons reported in the interrupted message.
const (
	ReasonUser    = "user"
	ReasonStopped = "stopped"
)

// ErrVisionUnavailable is returned by [Pipeline.SubmitImage] when no vision
// provider is configured.
var ErrVisionUnavailable = errors.New("pipeline: image analysis is not configured")

// Sender delivers outbound messages to the client. [*protocol.Encoder]
// satisfies it.
type Sender interface {
	Send(ctx context.Context, m protocol.Message) error
}

var _ Sender = (*protocol.Encoder)(nil)

// Providers bundles the external services a Pipeline calls. VAD, STT, LLM and
// TTS are required; Vision is optional.
type Providers struct {
	VAD    vad.Provider
	STT    stt.Provider
	LLM    llm.Provider
	TTS    tts.Provider
	Vision vision.Provider
}

// Config tunes turn behaviour. Zero fields take the package defaults.
type Config struct {
	// SilenceThreshold is the number of consecutive silent frames, after
	// speech, that end an utterance.
	SilenceThreshold int

	// SystemPrompt is sent with every model request.
	SystemPrompt string

	// Model overrides the LLM provider's configured model.
	Model string

	// VisionPrompt is the captioning instruction. Defaults to
	// [vision.DefaultPrompt].
	VisionPrompt string

	// VisionModel overrides the vision provider's configured model.
	VisionModel string

	// MaxToolRounds bounds how many times one turn may call tools before the
	// model is asked for a final answer without tools.
	MaxToolRounds int

	// AudioChunkBytes is the size of each audio_chunk payload.
	AudioChunkBytes int

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration

	// TurnTimeout bounds a whole turn. Zero means no limit.
	TurnTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.VisionPrompt == "" {
		c.VisionPrompt = vision.DefaultPrompt
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.AudioChunkBytes <= 0 {
		c.AudioChunkBytes = DefaultAudioChunkBytes
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithConfig sets the turn configuration.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) {
		p.cfg = cfg
	}
}

// WithTools sets the registry offered to the model.
func WithTools(r *tools.Registry) Option {
	return func(p *Pipeline) {
		p.tools = r
	}
}

// WithMetrics records stage latency, turn outcomes, and provider errors.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline runs turns for any number of sessions. It is safe for concurrent
// use.
type Pipeline struct {
	vad    vad.Provider
	stt    stt.Provider
	llm    llm.Provider
	tts    tts.Provider
	vision vision.Provider

	tools   *tools.Registry
	metrics *observe.Metrics
	cfg     Config
}

// New returns a Pipeline calling providers.
func New(providers Providers, opts ...Option) (*Pipeline, error) {
	switch {
	case providers.VAD == nil:
		return nil, fmt.Errorf("pipeline: a VAD provider is required")
	case providers.STT == nil:
		return nil, fmt.Errorf("pipeline: an STT provider is required")
	case providers.LLM == nil:
		return nil, fmt.Errorf("pipeline: an LLM provider is required")
	case providers.TTS == nil:
		return nil, fmt.Errorf("pipeline: a TTS provider is required")
	}
	p := &Pipeline{
		vad:    providers.VAD,
		stt:    providers.STT,
		llm:    providers.LLM,
		tts:    providers.TTS,
		vision: providers.Vision,
	}
	for _, o := range opts {
		o(p)
	}
	p.cfg.applyDefaults()
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Attach forwards every state transition of s to out as a state_change
// message. Call it once per session before the first turn.
func (p *Pipeline) Attach(ctx context.Context, s *session.Session, out Sender) {
	s.Machine().Observe(func(old, next conversation.State) {
		if p.metrics != nil {
			p.metrics.RecordTransition(ctx, old.String(), next.String())
		}
		_ = out.Send(ctx, protocol.StateChange(next, old))
	})
}

// Interrupt asks the running turn of s to stop. Interrupts outside a turn are
// ignored; Interrupt reports whether one was delivered.
func (p *Pipeline) Interrupt(ctx context.Context, s *session.Session) bool {
	if !s.Interrupt() {
		slog.Debug("pipeline: interrupt ignored, no turn in flight", "session_id", s.ID())
		return false
	}
	if p.metrics != nil {
		p.metrics.Interrupts.Add(ctx, 1)
	}
	return true
}

// fail reports err to the client under phase and returns the session to
// listening.
func (p *Pipeline) fail(ctx context.Context, s *session.Session, out Sender, phase string, err error) {
	p.report(ctx, s, out, phase, err)
	p.resume(ctx, s)
}

// report logs err and sends it to the client under phase.
func (p *Pipeline) report(ctx context.Context, s *session.Session, out Sender, phase string, err error) {
	logger(ctx, s).Warn("pipeline: stage failed",
		"phase", phase,
		"kind", provider.Kind(err),
		"err", err,
	)
	if p.metrics != nil {
		p.metrics.RecordProviderError(ctx, phase, provider.Kind(err))
	}
	_ = out.Send(ctx, protocol.Error(fmt.Sprintf("%s failed: %v", phase, err), phase))
}

// resume returns s to listening, logging when even that is impossible.
func (p *Pipeline) resume(ctx context.Context, s *session.Session) {
	if err := s.Recover(); err != nil {
		logger(ctx, s).Error("pipeline: failed to recover session",
			"state", s.State(),
			"err", err,
		)
	}
}

// abort logs a rejected transition. The session is left where it is.
func abort(ctx context.Context, s *session.Session, err error) error {
	logger(ctx, s).Error("pipeline: transition rejected",
		"state", s.State(),
		"err", err,
	)
	return err
}

// logger returns a logger tagged with the session and the active trace.
func logger(ctx context.Context, s *session.Session) *slog.Logger {
	return observe.Logger(observe.WithSessionID(ctx, s.ID()))
}

// observe records the latency and outcome of one call to adapter.
func (p *Pipeline) observe(ctx context.Context, stage string, adapter any, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	elapsed := time.Since(start).Seconds()
	switch stage {
	case "vad":
		p.metrics.VADDuration.Record(ctx, elapsed)
	case "stt":
		p.metrics.STTDuration.Record(ctx, elapsed)
	case "llm":
		p.metrics.LLMDuration.Record(ctx, elapsed)
	case "tts":
		p.metrics.TTSDuration.Record(ctx, elapsed)
	case "vision":
		p.metrics.VisionDuration.Record(ctx, elapsed)
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordProviderRequest(ctx, fmt.Sprintf("%T", adapter), stage, status)
}
