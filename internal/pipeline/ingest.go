package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
)

// Ingest processes one inbound audio frame for s.
//
// Speech frames are accumulated; once SilenceThreshold consecutive silent
// frames follow speech, the utterance is transcribed and answered before
// Ingest returns. Frames arriving while a turn is in flight are dropped.
// Leading silence is ignored.
//
// Adapter failures are reported to out with their phase and also returned.
func (p *Pipeline) Ingest(ctx context.Context, s *session.Session, frame []byte, out Sender) error {
	if st := s.State(); s.InTurn() || (st != conversation.StateIdle && st != conversation.StateListening) {
		if p.metrics != nil {
			p.metrics.RecordDroppedFrame(ctx, "busy")
		}
		return nil
	}

	start := time.Now()
	res, err := p.vad.Detect(ctx, frame)
	p.observe(ctx, "vad", p.vad, start, err)
	if err != nil {
		p.report(ctx, s, out, protocol.PhaseVAD, err)
		return fmt.Errorf("pipeline: vad: %w", err)
	}

	if res.IsSpeech {
		if err := s.EnsureListening(); err != nil {
			return abort(ctx, s, err)
		}
		s.ObserveSpeech()
		s.Audio().Append(frame)
		return nil
	}

	if s.Audio().Len() == 0 {
		return nil
	}
	if !s.ObserveSilence(p.cfg.SilenceThreshold) {
		return nil
	}

	if err := s.BeginTurn(); err != nil {
		s.Audio().Clear()
		_ = out.Send(ctx, protocol.Error("a response is already in progress", protocol.PhaseRespond))
		return fmt.Errorf("pipeline: ingest: %w", err)
	}
	defer s.EndTurn()
	return p.transcribe(ctx, s, out)
}

// transcribe turns the accumulated utterance into text and answers it. The
// turn guard must be held.
func (p *Pipeline) transcribe(ctx context.Context, s *session.Session, out Sender) error {
	ctx, cancel := p.turnContext(ctx)
	defer cancel()

	if _, err := s.Machine().Fire(conversation.EventSilenceDetected); err != nil {
		s.Audio().Clear()
		return abort(ctx, s, err)
	}
	utterance := s.Audio().Drain()

	start := time.Now()
	tr, err := p.stt.Transcribe(ctx, utterance)
	p.observe(ctx, "stt", p.stt, start, err)
	if err != nil {
		p.fail(ctx, s, out, protocol.PhaseTranscription, err)
		p.recordTurn(ctx, "failed")
		return fmt.Errorf("pipeline: transcribe: %w", err)
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		p.resume(ctx, s)
		return nil
	}
	_ = out.Send(ctx, protocol.TranscriptFinal(text))

	if _, err := s.Machine().Fire(conversation.EventTranscriptionComplete); err != nil {
		p.resume(ctx, s)
		return abort(ctx, s, err)
	}
	return p.respond(ctx, s, text, out)
}
