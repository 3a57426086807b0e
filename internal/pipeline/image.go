package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/vision"
)

// Image is an uploaded image awaiting captioning.
type Image struct {
	// Base64 is the encoded image without a data: prefix.
	Base64   string
	MimeType string
	Filename string
}

// SubmitImage captions img and answers the caption as a user turn.
func (p *Pipeline) SubmitImage(ctx context.Context, s *session.Session, img Image, out Sender) error {
	turn, err := p.BeginTurn(ctx, s, out)
	if err != nil {
		return err
	}
	return turn.Image(ctx, img)
}

// describe runs the image turn. The turn guard must be held.
func (p *Pipeline) describe(ctx context.Context, s *session.Session, img Image, out Sender) error {
	if p.vision == nil {
		p.report(ctx, s, out, protocol.PhaseVision, ErrVisionUnavailable)
		return ErrVisionUnavailable
	}

	ctx, cancel := p.turnContext(ctx)
	defer cancel()

	if _, err := s.Machine().Fire(conversation.EventImageUpload); err != nil {
		return abort(ctx, s, err)
	}

	start := time.Now()
	desc, err := p.vision.Describe(ctx, vision.Request{
		ImageBase64: img.Base64,
		MimeType:    img.MimeType,
		Prompt:      p.cfg.VisionPrompt,
		Model:       p.cfg.VisionModel,
	})
	p.observe(ctx, "vision", p.vision, start, err)
	if err == nil && strings.TrimSpace(desc) == "" {
		err = fmt.Errorf("pipeline: vision returned an empty description")
	}
	if err != nil {
		p.fail(ctx, s, out, protocol.PhaseVision, err)
		p.recordTurn(ctx, "failed")
		return fmt.Errorf("pipeline: describe image: %w", err)
	}
	desc = strings.TrimSpace(desc)
	_ = out.Send(ctx, protocol.VisionResult(desc))

	if _, err := s.Machine().Fire(conversation.EventImageAnalysisComplete); err != nil {
		p.resume(ctx, s)
		return abort(ctx, s, err)
	}

	filename := img.Filename
	if filename == "" {
		filename = "image"
	}
	return p.respond(ctx, s, fmt.Sprintf("[image %s] %s", filename, desc), out)
}
