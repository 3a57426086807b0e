package protocol

import (
	"encoding/base64"

	"github.com/MrWong99/parley/internal/conversation"
)

// Message is an outbound frame. MessageType returns the "type" discriminator,
// which the struct must also serialize.
type Message interface {
	MessageType() string
}

// Outbound message types.
const (
	TypeConnected         = "connected"
	TypeStateChange       = "state_change"
	TypeError             = "error"
	TypeTranscriptPartial = "transcript_partial"
	TypeTranscriptFinal   = "transcript_final"
	TypeLLMToken          = "llm_token"
	TypeLLMComplete       = "llm_complete"
	TypeAudioOut          = "audio_chunk"
	TypeAudioComplete     = "audio_complete"
	TypeVisionResult      = "vision_result"
	TypeInterrupted       = "interrupted"
	TypeStopSpeaking      = "stop_speaking"
	TypePong              = "pong"
)

// Error phases reported in ErrorMessage.Phase.
const (
	PhaseVAD           = "vad"
	PhaseTranscription = "transcription"
	PhaseLLM           = "llm"
	PhaseTool          = "tool"
	PhaseSynthesis     = "synthesis"
	PhaseVision        = "vision"
	PhaseRespond       = "respond"
	PhaseInput         = "input"
)

type ConnectedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type StateChangeMessage struct {
	Type     string `json:"type"`
	State    string `json:"state"`
	Previous string `json:"previous"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Phase   string `json:"phase,omitempty"`
}

type TranscriptMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type LLMTokenMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Done  bool   `json:"done"`
}

type LLMCompleteMessage struct {
	Type     string `json:"type"`
	FullText string `json:"fullText"`
}

type AudioChunkMessage struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	ChunkIndex int    `json:"chunkIndex"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

type VisionResultMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type InterruptedMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// SignalMessage carries no payload beyond its type.
type SignalMessage struct {
	Type string `json:"type"`
}

func (m ConnectedMessage) MessageType() string    { return m.Type }
func (m StateChangeMessage) MessageType() string  { return m.Type }
func (m ErrorMessage) MessageType() string        { return m.Type }
func (m TranscriptMessage) MessageType() string   { return m.Type }
func (m LLMTokenMessage) MessageType() string     { return m.Type }
func (m LLMCompleteMessage) MessageType() string  { return m.Type }
func (m AudioChunkMessage) MessageType() string   { return m.Type }
func (m VisionResultMessage) MessageType() string { return m.Type }
func (m InterruptedMessage) MessageType() string  { return m.Type }
func (m SignalMessage) MessageType() string       { return m.Type }

func Connected(sessionID string) Message {
	return ConnectedMessage{Type: TypeConnected, SessionID: sessionID}
}

func StateChange(state, previous conversation.State) Message {
	return StateChangeMessage{Type: TypeStateChange, State: string(state), Previous: string(previous)}
}

// Error builds an error message. phase may be empty.
func Error(message, phase string) Message {
	return ErrorMessage{Type: TypeError, Message: message, Phase: phase}
}

// TranscriptPartial builds an interim hypothesis. The bundled whisper adapter
// is batch only and never produces one.
func TranscriptPartial(text string) Message {
	return TranscriptMessage{Type: TypeTranscriptPartial, Text: text}
}

func TranscriptFinal(text string) Message {
	return TranscriptMessage{Type: TypeTranscriptFinal, Text: text}
}

func Token(token string) Message {
	return LLMTokenMessage{Type: TypeLLMToken, Token: token}
}

// TokensDone marks the end of the token stream.
func TokensDone() Message {
	return LLMTokenMessage{Type: TypeLLMToken, Done: true}
}

func LLMComplete(fullText string) Message {
	return LLMCompleteMessage{Type: TypeLLMComplete, FullText: fullText}
}

// AudioChunkOut base64-encodes one slice of synthesized audio.
func AudioChunkOut(audio []byte, index int, format string, sampleRate int) Message {
	return AudioChunkMessage{
		Type:       TypeAudioOut,
		Audio:      base64.StdEncoding.EncodeToString(audio),
		ChunkIndex: index,
		Format:     format,
		SampleRate: sampleRate,
	}
}

func AudioComplete() Message { return SignalMessage{Type: TypeAudioComplete} }

func VisionResult(description string) Message {
	return VisionResultMessage{Type: TypeVisionResult, Description: description}
}

func Interrupted(reason string) Message {
	return InterruptedMessage{Type: TypeInterrupted, Reason: reason}
}

func StopSpeaking() Message { return SignalMessage{Type: TypeStopSpeaking} }

func Pong() Message { return SignalMessage{Type: TypePong} }
