package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
)

// Turn is a claimed turn guard for one session. Obtain it with
// [Pipeline.BeginTurn] on the goroutine that receives client input, then run
// exactly one of [Turn.Text] or [Turn.Image], possibly on another goroutine.
// Both release the guard when they return.
type Turn struct {
	p    *Pipeline
	s    *session.Session
	out  Sender
	once sync.Once
}

// BeginTurn claims the turn guard of s. When another turn is running the
// client receives an error in phase respond and the returned error matches
// [session.ErrTurnInProgress].
func (p *Pipeline) BeginTurn(ctx context.Context, s *session.Session, out Sender) (*Turn, error) {
	if err := s.BeginTurn(); err != nil {
		_ = out.Send(ctx, protocol.Error("a response is already in progress", protocol.PhaseRespond))
		return nil, fmt.Errorf("pipeline: begin turn: %w", err)
	}
	return &Turn{p: p, s: s, out: out}, nil
}

// End releases the guard. It is safe to call more than once.
func (t *Turn) End() {
	t.once.Do(t.s.EndTurn)
}

// Text answers text as a user turn and ends the turn.
func (t *Turn) Text(ctx context.Context, text string) error {
	defer t.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("pipeline: respond: empty text")
	}
	ctx, cancel := t.p.turnContext(ctx)
	defer cancel()
	return t.p.respond(ctx, t.s, text, t.out)
}

// Image captions img, answers the caption as a user turn and ends the turn.
func (t *Turn) Image(ctx context.Context, img Image) error {
	defer t.End()
	return t.p.describe(ctx, t.s, img, t.out)
}
