package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// errStreamFailed is reported when a stream ends with FinishError but no
// error value.
var errStreamFailed = errors.New("pipeline: completion stream failed")

// Respond answers text as a user turn of s. It claims the turn guard and
// fails with [session.ErrTurnInProgress] when another turn is running.
func (p *Pipeline) Respond(ctx context.Context, s *session.Session, text string, out Sender) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("pipeline: respond: empty text")
	}
	turn, err := p.BeginTurn(ctx, s, out)
	if err != nil {
		return err
	}
	return turn.Text(ctx, text)
}

// SubmitText answers typed user input.
func (p *Pipeline) SubmitText(ctx context.Context, s *session.Session, text string, out Sender) error {
	return p.Respond(ctx, s, text, out)
}

// respond runs the response sequence for text. The turn guard must be held.
func (p *Pipeline) respond(ctx context.Context, s *session.Session, text string, out Sender) error {
	ctx, span := observe.StartSpan(observe.WithSessionID(ctx, s.ID()), "pipeline.respond")
	defer span.End()

	start := time.Now()
	if p.metrics != nil {
		p.metrics.ActiveTurns.Add(ctx, 1)
		defer p.metrics.ActiveTurns.Add(ctx, -1)
		defer func() { p.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds()) }()
	}

	s.Log().Append(types.RoleUser, text)
	if err := s.EnsureThinking(); err != nil {
		p.resume(ctx, s)
		return abort(ctx, s, err)
	}

	if s.ConsumeInterrupt() {
		p.finishInterrupted(ctx, s, out)
		return nil
	}

	reply, interrupted, err := p.generate(ctx, s, out)
	if err != nil {
		p.fail(ctx, s, out, protocol.PhaseLLM, err)
		p.recordTurn(ctx, "failed")
		return fmt.Errorf("pipeline: generate: %w", err)
	}
	if interrupted {
		// The client already holds the forwarded tokens; the log must too.
		if reply != "" {
			s.Log().Append(types.RoleAssistant, reply)
		}
		p.finishInterrupted(ctx, s, out)
		return nil
	}

	_ = out.Send(ctx, protocol.TokensDone())
	_ = out.Send(ctx, protocol.LLMComplete(reply))
	if reply != "" {
		s.Log().Append(types.RoleAssistant, reply)
	}
	if _, err := s.Machine().Fire(conversation.EventLLMComplete); err != nil {
		p.resume(ctx, s)
		return abort(ctx, s, err)
	}

	if reply != "" {
		interrupted, err = p.speak(ctx, s, reply, out)
		if err != nil {
			p.report(ctx, s, out, protocol.PhaseSynthesis, err)
		}
		if interrupted {
			p.finishInterrupted(ctx, s, out)
			return nil
		}
	}

	if _, err := s.Machine().Fire(conversation.EventAudioComplete); err != nil {
		p.resume(ctx, s)
		return abort(ctx, s, err)
	}
	p.recordTurn(ctx, "completed")
	return nil
}

// generate streams the model's answer, running requested tools between
// rounds. It reports interrupted when the user interrupted mid-stream; reply
// then holds the text forwarded before the interrupt.
func (p *Pipeline) generate(ctx context.Context, s *session.Session, out Sender) (reply string, interrupted bool, err error) {
	var buf strings.Builder
	for round := 0; ; round++ {
		req := llm.CompletionRequest{
			Messages:     s.Log().Messages(),
			SystemPrompt: p.cfg.SystemPrompt,
			Model:        p.cfg.Model,
		}
		toolsOffered := p.tools != nil && round < p.cfg.MaxToolRounds
		if toolsOffered {
			req.Tools = p.tools.List()
		}

		text, calls, interrupted, err := p.stream(ctx, s, req, out)
		buf.WriteString(text)
		if err != nil {
			return "", false, err
		}
		if interrupted {
			return buf.String(), true, nil
		}
		if len(calls) == 0 || !toolsOffered {
			return buf.String(), false, nil
		}

		for _, call := range calls {
			if s.ConsumeInterrupt() {
				return buf.String(), true, nil
			}
			p.runTool(ctx, s, call, out)
		}
	}
}

// stream runs one model call, forwarding tokens in order. The stream context
// is cancelled as soon as an interrupt is observed; text then holds only the
// tokens already forwarded.
func (p *Pipeline) stream(ctx context.Context, s *session.Session, req llm.CompletionRequest, out Sender) (text string, calls []types.ToolCall, interrupted bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	ch, err := p.llm.StreamCompletion(sctx, req)
	if err != nil {
		p.observe(ctx, "llm", p.llm, start, err)
		return "", nil, false, err
	}

	var buf strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishError || chunk.Err != nil {
			err = chunk.Err
			if err == nil {
				err = errStreamFailed
			}
			cancel()
			go drain(ch)
			p.observe(ctx, "llm", p.llm, start, err)
			return "", nil, false, err
		}
		if chunk.Text != "" {
			if s.ConsumeInterrupt() {
				cancel()
				go drain(ch)
				p.observe(ctx, "llm", p.llm, start, nil)
				return buf.String(), nil, true, nil
			}
			buf.WriteString(chunk.Text)
			_ = out.Send(ctx, protocol.Token(chunk.Text))
		}
		calls = append(calls, chunk.ToolCalls...)
	}
	if err := ctx.Err(); err != nil {
		p.observe(ctx, "llm", p.llm, start, err)
		return "", nil, false, err
	}
	p.observe(ctx, "llm", p.llm, start, nil)
	return buf.String(), calls, false, nil
}

// runTool executes call and folds the outcome into the message log. Failures
// never abort the turn.
func (p *Pipeline) runTool(ctx context.Context, s *session.Session, call types.ToolCall, out Sender) {
	s.Log().Append(types.RoleAssistant, "Used tool: "+call.Name)

	tctx, cancel := context.WithTimeout(ctx, p.cfg.ToolTimeout)
	defer cancel()
	result, err := p.tools.Execute(tctx, call.Name, tools.RawArgs(call.Arguments))
	if err != nil {
		s.Log().Append(types.RoleSystem, "Tool error: "+err.Error())
		logger(ctx, s).Warn("pipeline: tool failed",
			"phase", protocol.PhaseTool,
			"tool", call.Name,
			"err", err,
		)
		_ = out.Send(ctx, protocol.Error(fmt.Sprintf("tool %s failed: %v", call.Name, err), protocol.PhaseTool))
		return
	}
	s.Log().Append(types.RoleSystem, "Tool result: "+result)
}

// speak synthesizes text and delivers it in chunks. An interrupt consumed
// before or after the synthesis round trip, or between chunks, aborts
// delivery.
func (p *Pipeline) speak(ctx context.Context, s *session.Session, text string, out Sender) (interrupted bool, err error) {
	if s.ConsumeInterrupt() {
		return true, nil
	}

	start := time.Now()
	audio, err := p.tts.Synthesize(ctx, text)
	p.observe(ctx, "tts", p.tts, start, err)
	if err != nil {
		return false, err
	}
	if s.ConsumeInterrupt() {
		return true, nil
	}

	for i, chunk := range chunkAudio(audio.Data, p.cfg.AudioChunkBytes) {
		if i > 0 && s.ConsumeInterrupt() {
			_ = out.Send(ctx, protocol.StopSpeaking())
			return true, nil
		}
		_ = out.Send(ctx, protocol.AudioChunkOut(chunk, i, audio.Format, audio.SampleRate))
	}
	_ = out.Send(ctx, protocol.AudioComplete())
	return false, nil
}

// finishInterrupted returns an interrupted turn to listening and tells the
// client. A turn interrupted while thinking passes through speaking so the
// client never sees the idle state reserved for a stopped conversation.
func (p *Pipeline) finishInterrupted(ctx context.Context, s *session.Session, out Sender) {
	var err error
	if s.State() == conversation.StateThinking {
		_, err = s.Machine().Fire(conversation.EventLLMComplete)
	}
	if err == nil && s.State() == conversation.StateSpeaking {
		_, err = s.Machine().Fire(conversation.EventInterrupt)
	}
	if err != nil || s.State() != conversation.StateListening {
		p.resume(ctx, s)
	}
	reason := ReasonUser
	if s.StopRequested() {
		reason = ReasonStopped
	}
	_ = out.Send(ctx, protocol.Interrupted(reason))
	p.recordTurn(ctx, "interrupted")
}

func (p *Pipeline) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.TurnTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.TurnTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *Pipeline) recordTurn(ctx context.Context, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordTurn(ctx, outcome)
	}
}

// chunkAudio splits data into slices of at most size bytes.
func chunkAudio(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}

// drain discards the rest of a cancelled stream so the provider goroutine can
// exit.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
