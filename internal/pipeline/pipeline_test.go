package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/internal/tools/calculator"
	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
	visionmock "github.com/MrWong99/parley/pkg/provider/vision/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// recordingSender records every outbound message. onSend, when set, runs
// after the message is recorded.
type recordingSender struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	onSend func(protocol.Message)
}

func (r *recordingSender) Send(_ context.Context, m protocol.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	hook := r.onSend
	r.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return nil
}

func (r *recordingSender) Messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func (r *recordingSender) Types() []string {
	var out []string
	for _, m := range r.Messages() {
		out = append(out, m.MessageType())
	}
	return out
}

func (r *recordingSender) Count(typ string) int {
	n := 0
	for _, m := range r.Messages() {
		if m.MessageType() == typ {
			n++
		}
	}
	return n
}

// States returns the destination of every state_change in order.
func (r *recordingSender) States() []conversation.State {
	var out []conversation.State
	for _, m := range r.Messages() {
		if sc, ok := m.(protocol.StateChangeMessage); ok {
			out = append(out, conversation.State(sc.State))
		}
	}
	return out
}

// Errors returns the phase of every error message in order.
func (r *recordingSender) Errors() []string {
	var out []string
	for _, m := range r.Messages() {
		if em, ok := m.(protocol.ErrorMessage); ok {
			out = append(out, em.Phase)
		}
	}
	return out
}

func (r *recordingSender) Tokens() []string {
	var out []string
	for _, m := range r.Messages() {
		if tm, ok := m.(protocol.LLMTokenMessage); ok && !tm.Done {
			out = append(out, tm.Token)
		}
	}
	return out
}

type harness struct {
	p      *Pipeline
	s      *session.Session
	out    *recordingSender
	vad    *vadmock.Provider
	stt    *sttmock.Provider
	llm    *llmmock.Provider
	tts    *ttsmock.Provider
	vision *visionmock.Provider
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		s:      session.New(),
		out:    &recordingSender{},
		vad:    &vadmock.Provider{},
		stt:    &sttmock.Provider{Result: types.Transcript{Text: "hello"}},
		llm:    &llmmock.Provider{StreamChunks: textChunks("Hi ", "there")},
		tts:    &ttsmock.Provider{Audio: tts.Audio{Data: []byte("0123456789"), Format: tts.FormatPCM16, SampleRate: 16000}},
		vision: &visionmock.Provider{Description: "a cat on a sofa"},
	}
	if cfg.AudioChunkBytes == 0 {
		cfg.AudioChunkBytes = 4
	}
	p, err := New(Providers{VAD: h.vad, STT: h.stt, LLM: h.llm, TTS: h.tts, Vision: h.vision},
		append([]Option{WithConfig(cfg)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.p = p
	p.Attach(context.Background(), h.s, h.out)
	return h
}

func textChunks(parts ...string) []llm.Chunk {
	chunks := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, llm.Chunk{Text: p})
	}
	return append(chunks, llm.Chunk{FinishReason: llm.FinishStop})
}

func toolCallChunks(name, args string) []llm.Chunk {
	return []llm.Chunk{{
		ToolCalls:    []types.ToolCall{{ID: "call_1", Name: name, Arguments: args}},
		FinishReason: llm.FinishToolCalls,
	}}
}

func logTexts(s *session.Session) []string {
	var out []string
	for _, e := range s.Log().Entries() {
		out = append(out, string(e.Role)+": "+e.Text)
	}
	return out
}

func calculatorRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, tool := range calculator.Tools() {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return r
}

func ingestAll(t *testing.T, h *harness, frames ...[]byte) {
	t.Helper()
	for _, f := range frames {
		if err := h.p.Ingest(context.Background(), h.s, f, h.out); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	full := Providers{VAD: &vadmock.Provider{}, STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}}
	tests := []struct {
		name   string
		mutate func(*Providers)
	}{
		{name: "vad", mutate: func(p *Providers) { p.VAD = nil }},
		{name: "stt", mutate: func(p *Providers) { p.STT = nil }},
		{name: "llm", mutate: func(p *Providers) { p.LLM = nil }},
		{name: "tts", mutate: func(p *Providers) { p.TTS = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			providers := full
			tt.mutate(&providers)
			if _, err := New(providers); err == nil {
				t.Error("expected error for missing provider")
			}
		})
	}

	p, err := New(full)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := p.Config()
	if cfg.SilenceThreshold != DefaultSilenceThreshold || cfg.MaxToolRounds != DefaultMaxToolRounds || cfg.AudioChunkBytes != DefaultAudioChunkBytes {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

// ─── Ingest ──────────────────────────────────────────────────────────────────

func TestIngest_EndToEndVoiceTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.vad.Push(vadmock.Speech(), vadmock.Speech(), vadmock.Silence(), vadmock.Silence(), vadmock.Silence())

	ingestAll(t, h, []byte("aa"), []byte("bb"), []byte("s1"), []byte("s2"), []byte("s3"))

	wantTypes := []string{
		protocol.TypeStateChange, // listening
		protocol.TypeStateChange, // transcribing
		protocol.TypeTranscriptFinal,
		protocol.TypeStateChange, // thinking
		protocol.TypeLLMToken,
		protocol.TypeLLMToken,
		protocol.TypeLLMToken, // done
		protocol.TypeLLMComplete,
		protocol.TypeStateChange, // speaking
		protocol.TypeAudioOut,
		protocol.TypeAudioOut,
		protocol.TypeAudioOut,
		protocol.TypeAudioComplete,
		protocol.TypeStateChange, // listening
	}
	if got := h.out.Types(); !reflect.DeepEqual(got, wantTypes) {
		t.Fatalf("message types:\n got  %v\n want %v", got, wantTypes)
	}

	wantStates := []conversation.State{
		conversation.StateListening,
		conversation.StateTranscribing,
		conversation.StateThinking,
		conversation.StateSpeaking,
		conversation.StateListening,
	}
	if got := h.out.States(); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}

	calls := h.stt.Calls()
	if len(calls) != 1 || string(calls[0].Audio) != "aabb" {
		t.Fatalf("STT calls = %+v, want one call with aabb", calls)
	}
	if got := h.out.Tokens(); !reflect.DeepEqual(got, []string{"Hi ", "there"}) {
		t.Errorf("tokens = %v", got)
	}
	wantLog := []string{"user: hello", "assistant: Hi there"}
	if got := logTexts(h.s); !reflect.DeepEqual(got, wantLog) {
		t.Errorf("log = %v, want %v", got, wantLog)
	}
	if h.s.Audio().Len() != 0 {
		t.Error("accumulator not cleared")
	}
	if h.s.InTurn() {
		t.Error("turn guard still held")
	}

	for i, m := range h.out.Messages() {
		if ac, ok := m.(protocol.AudioChunkMessage); ok {
			if ac.SampleRate != 16000 || ac.Format != tts.FormatPCM16 {
				t.Errorf("message %d: audio metadata = %+v", i, ac)
			}
		}
	}
}

func TestIngest_LeadingSilenceIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.vad.Default = vadmock.Silence()

	ingestAll(t, h, []byte("s"), []byte("s"), []byte("s"), []byte("s"))

	if h.s.State() != conversation.StateIdle {
		t.Errorf("state = %s, want idle", h.s.State())
	}
	if len(h.stt.Calls()) != 0 {
		t.Error("leading silence triggered transcription")
	}
	if h.s.SilenceRun() != 0 {
		t.Errorf("silence run = %d, want 0", h.s.SilenceRun())
	}
}

func TestIngest_SpeechResetsSilenceRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.vad.Push(vadmock.Speech(), vadmock.Silence(), vadmock.Silence(), vadmock.Speech(), vadmock.Silence(), vadmock.Silence())

	ingestAll(t, h, []byte("a"), []byte("s"), []byte("s"), []byte("b"), []byte("s"), []byte("s"))

	if len(h.stt.Calls()) != 0 {
		t.Error("utterance ended before the silence threshold")
	}
	if h.s.Audio().Len() != 2 {
		t.Errorf("accumulated frames = %d, want 2", h.s.Audio().Len())
	}
}

func TestIngest_DropsFramesDuringTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	_ = h.s.BeginTurn()
	_ = h.s.EnsureThinking()

	ingestAll(t, h, []byte("a"))
	if h.vad.Calls() != 0 {
		t.Error("frame classified while a turn was in flight")
	}
	h.s.EndTurn()
}

func TestIngest_VADFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.vad.Push(vadmock.Speech(), vadmock.Fail(provider.Unreachable("silero", errors.New("connection refused"))))

	ingestAll(t, h, []byte("a"))
	err := h.p.Ingest(context.Background(), h.s, []byte("b"), h.out)
	if !errors.Is(err, provider.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if got := h.out.Errors(); !reflect.DeepEqual(got, []string{protocol.PhaseVAD}) {
		t.Errorf("error phases = %v", got)
	}
	if h.s.Audio().Len() != 1 {
		t.Errorf("accumulator changed on VAD failure: %d frames", h.s.Audio().Len())
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
}

func TestIngest_TranscriptionFailureRecovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SilenceThreshold: 1})
	h.stt.Err = provider.Response("whisper", 500, errors.New("model crashed"))
	h.vad.Push(vadmock.Speech(), vadmock.Silence())

	ingestAll(t, h, []byte("a"))
	err := h.p.Ingest(context.Background(), h.s, []byte("s"), h.out)
	if !errors.Is(err, provider.ErrResponse) {
		t.Fatalf("err = %v, want ErrResponse", err)
	}
	if got := h.out.Errors(); !reflect.DeepEqual(got, []string{protocol.PhaseTranscription}) {
		t.Errorf("error phases = %v", got)
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
	if h.s.Audio().Len() != 0 {
		t.Error("accumulator not cleared after failed transcription")
	}
	if len(h.llm.Calls()) != 0 {
		t.Error("model called after failed transcription")
	}
}

func TestIngest_EmptyTranscriptReturnsToListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SilenceThreshold: 1})
	h.stt.Result = types.Transcript{Text: "   "}
	h.vad.Push(vadmock.Speech(), vadmock.Silence())

	ingestAll(t, h, []byte("a"), []byte("s"))

	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
	if len(h.llm.Calls()) != 0 {
		t.Error("model called for an empty transcript")
	}
	if h.out.Count(protocol.TypeTranscriptFinal) != 0 {
		t.Error("empty transcript was sent")
	}
}

// ─── Respond ─────────────────────────────────────────────────────────────────

func TestRespond_TextTurnFromIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SystemPrompt: "be brief"})
	if err := h.p.SubmitText(context.Background(), h.s, "  hi  ", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	calls := h.llm.Calls()
	if len(calls) != 1 {
		t.Fatalf("LLM calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if want := []types.Message{{Role: types.RoleUser, Content: "hi"}}; !reflect.DeepEqual(req.Messages, want) {
		t.Errorf("messages = %+v, want %+v", req.Messages, want)
	}
	if h.tts.Calls()[0] != "Hi there" {
		t.Errorf("synthesized %q", h.tts.Calls()[0])
	}
	wantStates := []conversation.State{conversation.StateThinking, conversation.StateSpeaking, conversation.StateListening}
	if got := h.out.States(); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}
}

func TestRespond_RejectsEmptyText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if err := h.p.SubmitText(context.Background(), h.s, "   ", h.out); err == nil {
		t.Fatal("expected error for empty text")
	}
	if h.s.Log().Len() != 0 {
		t.Error("empty text was logged")
	}
}

func TestRespond_InterruptBeforeModelCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.out.onSend = func(m protocol.Message) {
		if sc, ok := m.(protocol.StateChangeMessage); ok && sc.State == string(conversation.StateThinking) {
			h.p.Interrupt(context.Background(), h.s)
		}
	}

	if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if len(h.llm.Calls()) != 0 {
		t.Error("model called after interrupt")
	}
	if len(h.tts.Calls()) != 0 {
		t.Error("synthesis called after interrupt")
	}
	if n := len(h.out.Tokens()); n != 0 {
		t.Errorf("%d tokens sent, want 0", n)
	}
	if h.out.Count(protocol.TypeInterrupted) != 1 {
		t.Error("interrupted message not sent")
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
	if got := logTexts(h.s); !reflect.DeepEqual(got, []string{"user: hello"}) {
		t.Errorf("log = %v", got)
	}
	wantStates := []conversation.State{conversation.StateThinking, conversation.StateSpeaking, conversation.StateListening}
	if got := h.out.States(); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}
}

func TestRespond_InterruptMidStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.llm.StreamChunks = textChunks("a", "b", "c", "d")
	h.llm.OnChunk = func(_, i int) {
		if i == 2 {
			h.p.Interrupt(context.Background(), h.s)
		}
	}

	if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	tokens := h.out.Tokens()
	if n := len(tokens); n == 0 || n > 2 {
		t.Errorf("%d tokens sent, want 1 or 2", n)
	}
	if h.out.Count(protocol.TypeLLMComplete) != 0 {
		t.Error("llm_complete sent for an interrupted stream")
	}
	if len(h.tts.Calls()) != 0 {
		t.Error("interrupted reply was synthesized")
	}
	wantLog := []string{"user: hello", "assistant: " + strings.Join(tokens, "")}
	if got := logTexts(h.s); !reflect.DeepEqual(got, wantLog) {
		t.Errorf("log = %v, want %v", got, wantLog)
	}
	wantStates := []conversation.State{conversation.StateThinking, conversation.StateSpeaking, conversation.StateListening}
	if got := h.out.States(); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
	if ctx := h.llm.Calls()[0].Ctx; ctx.Err() == nil {
		t.Error("stream context not cancelled")
	}
}

func TestRespond_InterruptBeforeSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.out.onSend = func(m protocol.Message) {
		if m.MessageType() == protocol.TypeLLMComplete {
			h.p.Interrupt(context.Background(), h.s)
		}
	}

	if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if len(h.tts.Calls()) != 0 {
		t.Error("synthesis called after interrupt")
	}
	if h.out.Count(protocol.TypeAudioOut) != 0 {
		t.Error("audio delivered after interrupt")
	}
	wantStates := []conversation.State{conversation.StateThinking, conversation.StateSpeaking, conversation.StateListening}
	if got := h.out.States(); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}
	msgs := h.out.Messages()
	last, ok := msgs[len(msgs)-1].(protocol.InterruptedMessage)
	if !ok || last.Reason != ReasonUser {
		t.Errorf("last message = %#v, want interrupted{user}", msgs[len(msgs)-1])
	}
	wantLog := []string{"user: hello", "assistant: Hi there"}
	if got := logTexts(h.s); !reflect.DeepEqual(got, wantLog) {
		t.Errorf("log = %v, want %v", got, wantLog)
	}
}

func TestRespond_InterruptDuringSynthesisDiscardsAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.tts.OnSynthesize = func(string) { h.p.Interrupt(context.Background(), h.s) }

	if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if len(h.tts.Calls()) != 1 {
		t.Fatalf("synthesis calls = %d, want 1", len(h.tts.Calls()))
	}
	if h.out.Count(protocol.TypeAudioOut) != 0 {
		t.Error("audio from an interrupted synthesis was delivered")
	}
	if h.out.Count(protocol.TypeInterrupted) != 1 {
		t.Error("interrupted message not sent")
	}
}

func TestRespond_InterruptMidDelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.out.onSend = func(m protocol.Message) {
		if m.MessageType() == protocol.TypeAudioOut {
			h.p.Interrupt(context.Background(), h.s)
		}
	}

	if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if n := h.out.Count(protocol.TypeAudioOut); n != 1 {
		t.Errorf("audio chunks = %d, want 1", n)
	}
	if h.out.Count(protocol.TypeStopSpeaking) != 1 {
		t.Error("stop_speaking not sent")
	}
	if h.out.Count(protocol.TypeAudioComplete) != 0 {
		t.Error("audio_complete sent after interrupt")
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
}

func TestRespond_StopDuringTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.out.onSend = func(m protocol.Message) {
		if m.MessageType() == protocol.TypeLLMToken {
			h.s.RequestStop()
		}
	}

	if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if h.s.State() != conversation.StateIdle {
		t.Errorf("state = %s, want idle", h.s.State())
	}
	if h.s.Log().Len() != 0 {
		t.Errorf("log not cleared: %v", logTexts(h.s))
	}
	for _, m := range h.out.Messages() {
		if im, ok := m.(protocol.InterruptedMessage); ok && im.Reason != ReasonStopped {
			t.Errorf("reason = %q, want %q", im.Reason, ReasonStopped)
		}
	}
}

func TestRespond_ToolRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, WithTools(calculatorRegistry(t)))
	h.llm.Rounds = [][]llm.Chunk{
		toolCallChunks("calculate", `{"expression": "2 + 2"}`),
		textChunks("It is 4."),
	}

	if err := h.p.SubmitText(context.Background(), h.s, "what is 2 + 2?", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	wantLog := []string{
		"user: what is 2 + 2?",
		"assistant: Used tool: calculate",
		"system: Tool result: 4",
		"assistant: It is 4.",
	}
	if got := logTexts(h.s); !reflect.DeepEqual(got, wantLog) {
		t.Fatalf("log:\n got  %v\n want %v", got, wantLog)
	}

	calls := h.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("LLM calls = %d, want 2", len(calls))
	}
	if len(calls[0].Req.Tools) != 1 || calls[0].Req.Tools[0].Name != "calculate" {
		t.Errorf("tools offered = %+v", calls[0].Req.Tools)
	}
	second := calls[1].Req.Messages
	if got := second[len(second)-1]; got.Content != "Tool result: 4" || got.Role != types.RoleSystem {
		t.Errorf("second request ends with %+v, want the tool result", got)
	}
}

func TestRespond_StringEncodedToolArguments(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, WithTools(calculatorRegistry(t)))
	h.llm.Rounds = [][]llm.Chunk{
		toolCallChunks("calculate", `"{\"expression\":\"3 * 3\"}"`),
		textChunks("Nine."),
	}

	if err := h.p.SubmitText(context.Background(), h.s, "3 times 3?", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if got := logTexts(h.s)[2]; got != "system: Tool result: 9" {
		t.Errorf("tool entry = %q", got)
	}
}

func TestRespond_UnknownToolContinuesTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, WithTools(calculatorRegistry(t)))
	h.llm.Rounds = [][]llm.Chunk{
		toolCallChunks("does_not_exist", `{}`),
		textChunks("Sorry, I can't do that."),
	}

	if err := h.p.SubmitText(context.Background(), h.s, "do the thing", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}

	entries := logTexts(h.s)
	if len(entries) != 4 {
		t.Fatalf("log = %v, want 4 entries", entries)
	}
	if entries[1] != "assistant: Used tool: does_not_exist" {
		t.Errorf("marker = %q", entries[1])
	}
	if !strings.HasPrefix(entries[2], "system: Tool error: ") || !strings.Contains(entries[2], "unknown tool") {
		t.Errorf("error entry = %q", entries[2])
	}
	if len(h.llm.Calls()) != 2 {
		t.Errorf("LLM calls = %d, want 2", len(h.llm.Calls()))
	}
	if got := h.out.Errors(); !reflect.DeepEqual(got, []string{protocol.PhaseTool}) {
		t.Errorf("error phases = %v", got)
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
}

func TestRespond_ToolRoundsAreBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxToolRounds: 2}, WithTools(calculatorRegistry(t)))
	h.llm.StreamChunks = toolCallChunks("calculate", `{"expression":"1+1"}`)

	if err := h.p.SubmitText(context.Background(), h.s, "loop", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	calls := h.llm.Calls()
	if len(calls) != 3 {
		t.Fatalf("LLM calls = %d, want 3", len(calls))
	}
	if calls[2].Req.Tools != nil {
		t.Error("tools offered on the final round")
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
}

func TestRespond_LLMFailureRecovers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*llmmock.Provider)
	}{
		{
			name: "start",
			setup: func(p *llmmock.Provider) {
				p.StreamErr = provider.Unreachable("openai", errors.New("dial tcp: connection refused"))
			},
		},
		{
			name: "mid-stream",
			setup: func(p *llmmock.Provider) {
				p.StreamChunks = []llm.Chunk{
					{Text: "partial"},
					{FinishReason: llm.FinishError, Err: provider.Response("openai", 0, errors.New("stream reset"))},
				}
			},
		},
		{
			name: "error without cause",
			setup: func(p *llmmock.Provider) {
				p.StreamChunks = []llm.Chunk{{FinishReason: llm.FinishError}}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			tt.setup(h.llm)

			if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err == nil {
				t.Fatal("expected error")
			}
			if got := h.out.Errors(); !reflect.DeepEqual(got, []string{protocol.PhaseLLM}) {
				t.Errorf("error phases = %v", got)
			}
			if h.s.State() != conversation.StateListening {
				t.Errorf("state = %s, want listening", h.s.State())
			}
			if got := logTexts(h.s); !reflect.DeepEqual(got, []string{"user: hello"}) {
				t.Errorf("log = %v", got)
			}
			if len(h.tts.Calls()) != 0 {
				t.Error("synthesis called after model failure")
			}
			if h.s.InTurn() {
				t.Error("turn guard still held")
			}
		})
	}
}

func TestRespond_SynthesisFailureKeepsText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.tts.Err = provider.Unreachable("parler", errors.New("timeout"))

	if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if got := h.out.Errors(); !reflect.DeepEqual(got, []string{protocol.PhaseSynthesis}) {
		t.Errorf("error phases = %v", got)
	}
	if h.out.Count(protocol.TypeLLMComplete) != 1 {
		t.Error("llm_complete not sent")
	}
	wantLog := []string{"user: hello", "assistant: Hi there"}
	if got := logTexts(h.s); !reflect.DeepEqual(got, wantLog) {
		t.Errorf("log = %v, want %v", got, wantLog)
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
}

func TestRespond_EmptyReplySkipsSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.llm.StreamChunks = textChunks()

	if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if len(h.tts.Calls()) != 0 {
		t.Error("empty reply was synthesized")
	}
	if got := logTexts(h.s); !reflect.DeepEqual(got, []string{"user: hello"}) {
		t.Errorf("log = %v", got)
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
}

func TestRespond_ConcurrentTurnRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	block := make(chan struct{})
	h.llm.Block = block

	done := make(chan error, 1)
	go func() { done <- h.p.SubmitText(context.Background(), h.s, "first", h.out) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.llm.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first turn never reached the model")
		}
		time.Sleep(time.Millisecond)
	}

	err := h.p.SubmitText(context.Background(), h.s, "second", h.out)
	if !errors.Is(err, session.ErrTurnInProgress) {
		t.Errorf("err = %v, want ErrTurnInProgress", err)
	}
	if got := h.out.Errors(); !reflect.DeepEqual(got, []string{protocol.PhaseRespond}) {
		t.Errorf("error phases = %v", got)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first turn: %v", err)
	}
	for _, e := range logTexts(h.s) {
		if strings.Contains(e, "second") {
			t.Errorf("rejected turn was logged: %q", e)
		}
	}
}

func TestRespond_InterruptNeverVisitsIdle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name: "before model call",
			setup: func(h *harness) {
				h.out.onSend = func(m protocol.Message) {
					if sc, ok := m.(protocol.StateChangeMessage); ok && sc.State == string(conversation.StateThinking) {
						h.p.Interrupt(context.Background(), h.s)
					}
				}
			},
		},
		{
			name: "mid stream",
			setup: func(h *harness) {
				h.llm.StreamChunks = textChunks("a", "b", "c")
				h.llm.OnChunk = func(_, i int) {
					if i == 1 {
						h.p.Interrupt(context.Background(), h.s)
					}
				}
			},
		},
		{
			name: "between tool calls",
			setup: func(h *harness) {
				h.llm.Rounds = [][]llm.Chunk{toolCallChunks("calculate", `{"expression": "1 + 1"}`)}
				h.llm.OnChunk = func(call, i int) {
					if call == 0 && i == 0 {
						h.p.Interrupt(context.Background(), h.s)
					}
				}
			},
		},
		{
			name: "during synthesis",
			setup: func(h *harness) {
				h.tts.OnSynthesize = func(string) { h.p.Interrupt(context.Background(), h.s) }
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Config{}, WithTools(calculatorRegistry(t)))
			tt.setup(h)
			if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
				t.Fatalf("SubmitText: %v", err)
			}
			states := h.out.States()
			for _, st := range states {
				if st == conversation.StateIdle {
					t.Fatalf("states = %v, interrupted turn passed through idle", states)
				}
			}
			if h.s.State() != conversation.StateListening {
				t.Errorf("state = %s, want listening", h.s.State())
			}
			if h.out.Count(protocol.TypeInterrupted) != 1 {
				t.Errorf("interrupted messages = %d, want 1", h.out.Count(protocol.TypeInterrupted))
			}
		})
	}
}

// ─── Turn ────────────────────────────────────────────────────────────────────

func TestBeginTurn_ClaimsGuardBeforeRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	first, err := h.p.BeginTurn(ctx, h.s, h.out)
	if err != nil {
		t.Fatalf("BeginTurn(first): %v", err)
	}
	if _, err := h.p.BeginTurn(ctx, h.s, h.out); !errors.Is(err, session.ErrTurnInProgress) {
		t.Fatalf("BeginTurn(second) err = %v, want ErrTurnInProgress", err)
	}
	if got := h.out.Errors(); !reflect.DeepEqual(got, []string{protocol.PhaseRespond}) {
		t.Errorf("error phases = %v", got)
	}

	if err := first.Text(ctx, "first"); err != nil {
		t.Fatalf("first.Text: %v", err)
	}
	if h.s.InTurn() {
		t.Fatal("turn guard still held after Text returned")
	}

	next, err := h.p.BeginTurn(ctx, h.s, h.out)
	if err != nil {
		t.Fatalf("BeginTurn(next): %v", err)
	}
	first.End()
	if !h.s.InTurn() {
		t.Error("ending a finished turn released the next turn's guard")
	}
	next.End()
	if h.s.InTurn() {
		t.Error("End did not release the guard")
	}
}

func TestTurn_EmptyTextReleasesGuard(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	turn, err := h.p.BeginTurn(context.Background(), h.s, h.out)
	if err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	if err := turn.Text(context.Background(), "  "); err == nil {
		t.Error("expected error for empty text")
	}
	if h.s.InTurn() {
		t.Error("turn guard still held")
	}
	if len(h.llm.Calls()) != 0 {
		t.Error("model called for empty text")
	}
}

func TestChunkAudio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		data string
		size int
		want []string
	}{
		{data: "", size: 4, want: nil},
		{data: "abc", size: 4, want: []string{"abc"}},
		{data: "abcd", size: 4, want: []string{"abcd"}},
		{data: "abcdefghij", size: 4, want: []string{"abcd", "efgh", "ij"}},
	}
	for _, tt := range tests {
		var got []string
		for _, c := range chunkAudio([]byte(tt.data), tt.size) {
			got = append(got, string(c))
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("chunkAudio(%q, %d) = %v, want %v", tt.data, tt.size, got, tt.want)
		}
	}
}

// ─── SubmitImage ─────────────────────────────────────────────────────────────

func TestSubmitImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{VisionPrompt: "what is this?"})
	img := Image{Base64: "AAAA", MimeType: "image/png", Filename: "cat.png"}
	if err := h.p.SubmitImage(context.Background(), h.s, img, h.out); err != nil {
		t.Fatalf("SubmitImage: %v", err)
	}

	reqs := h.vision.Calls()
	if len(reqs) != 1 || reqs[0].ImageBase64 != "AAAA" || reqs[0].MimeType != "image/png" || reqs[0].Prompt != "what is this?" {
		t.Fatalf("vision requests = %+v", reqs)
	}
	wantStates := []conversation.State{
		conversation.StateAnalyzingImage,
		conversation.StateThinking,
		conversation.StateSpeaking,
		conversation.StateListening,
	}
	if got := h.out.States(); !reflect.DeepEqual(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}
	if h.out.Count(protocol.TypeVisionResult) != 1 {
		t.Error("vision_result not sent")
	}
	if got := logTexts(h.s)[0]; got != "user: [image cat.png] a cat on a sofa" {
		t.Errorf("caption entry = %q", got)
	}
}

func TestSubmitImage_VisionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.vision.Err = provider.Response("openai-vision", 400, errors.New("bad image"))

	if err := h.p.SubmitImage(context.Background(), h.s, Image{Base64: "AAAA"}, h.out); err == nil {
		t.Fatal("expected error")
	}
	if got := h.out.Errors(); !reflect.DeepEqual(got, []string{protocol.PhaseVision}) {
		t.Errorf("error phases = %v", got)
	}
	if h.s.State() != conversation.StateListening {
		t.Errorf("state = %s, want listening", h.s.State())
	}
	if len(h.llm.Calls()) != 0 {
		t.Error("model called after vision failure")
	}
}

func TestSubmitImage_EmptyDescription(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.vision.Description = "  "

	if err := h.p.SubmitImage(context.Background(), h.s, Image{Base64: "AAAA"}, h.out); err == nil {
		t.Fatal("expected error")
	}
	if got := h.out.Errors(); !reflect.DeepEqual(got, []string{protocol.PhaseVision}) {
		t.Errorf("error phases = %v", got)
	}
}

func TestSubmitImage_NoVisionProvider(t *testing.T) {
	t.Parallel()

	p, err := New(Providers{VAD: &vadmock.Provider{}, STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := session.New()
	out := &recordingSender{}
	if err := p.SubmitImage(context.Background(), s, Image{Base64: "AAAA"}, out); !errors.Is(err, ErrVisionUnavailable) {
		t.Fatalf("err = %v, want ErrVisionUnavailable", err)
	}
	if s.State() != conversation.StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
}

// ─── Interrupt ───────────────────────────────────────────────────────────────

func TestInterrupt_OutsideTurnIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	if h.p.Interrupt(context.Background(), h.s) {
		t.Error("interrupt delivered without a turn")
	}
	if err := h.p.SubmitText(context.Background(), h.s, "hello", h.out); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if h.out.Count(protocol.TypeInterrupted) != 0 {
		t.Error("stale interrupt affected the next turn")
	}
}
