// Package protocol defines the JSON wire protocol spoken over the /ws
// WebSocket and the ordered outbound encoder.
//
// Every frame is a JSON object with a "type" discriminator. Inbound frames are
// decoded with [Decode]; outbound messages implement [Message] and are written
// with [Encoder.Send].
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message types.
const (
	TypeStartConversation = "start_conversation"
	TypeAudioChunk        = "audio_chunk"
	TypeTextMessage       = "text_message"
	TypeImageUpload       = "image_upload"
	TypeStopConversation  = "stop_conversation"
	TypeInterrupt         = "interrupt"
	TypePing              = "ping"
)

// MalformedInputError reports an inbound frame that could not be decoded.
type MalformedInputError struct {
	// Type is the frame's type discriminator when it could be read.
	Type string

	// Field names the offending field, if any.
	Field string

	// Reason describes the problem.
	Reason string
}

// Error implements error.
func (e *MalformedInputError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("protocol: malformed %s message: %s (%s)", e.typeName(), e.Reason, e.Field)
	default:
		return fmt.Sprintf("protocol: malformed %s message: %s", e.typeName(), e.Reason)
	}
}

func (e *MalformedInputError) typeName() string {
	if e.Type == "" {
		return "inbound"
	}
	return e.Type
}

func malformed(typ, field, reason string) *MalformedInputError {
	return &MalformedInputError{Type: typ, Field: field, Reason: reason}
}

// Inbound is a decoded client frame.
type Inbound interface {
	InboundType() string
}

// StartConversation asks the session to start listening.
type StartConversation struct{}

// AudioChunk carries one raw audio frame.
type AudioChunk struct {
	// Data is the decoded frame.
	Data []byte
}

// TextMessage carries typed user input.
type TextMessage struct {
	Text string
}

// ImageUpload carries an image for captioning.
type ImageUpload struct {
	// Image is the base64-encoded image, without a data: prefix.
	Image    string
	Filename string
	MimeType string
}

// StopConversation ends the conversation and clears its history.
type StopConversation struct{}

// Interrupt abandons the running response.
type Interrupt struct{}

// Ping requests a pong.
type Ping struct{}

func (StartConversation) InboundType() string { return TypeStartConversation }
func (AudioChunk) InboundType() string        { return TypeAudioChunk }
func (TextMessage) InboundType() string       { return TypeTextMessage }
func (ImageUpload) InboundType() string       { return TypeImageUpload }
func (StopConversation) InboundType() string  { return TypeStopConversation }
func (Interrupt) InboundType() string         { return TypeInterrupt }
func (Ping) InboundType() string              { return TypePing }

// inboundFrame is the union of all inbound payload fields.
type inboundFrame struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	Text     string `json:"text"`
	Image    string `json:"image"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

// Decode parses one inbound frame. Failures are [*MalformedInputError].
func Decode(data []byte) (Inbound, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, malformed("", "", "invalid json frame")
	}
	typ := strings.TrimSpace(f.Type)
	if typ == "" {
		return nil, malformed("", "type", "missing type")
	}

	switch typ {
	case TypeStartConversation:
		return StartConversation{}, nil
	case TypeAudioChunk:
		if f.Data == "" {
			return nil, malformed(typ, "data", "data is required")
		}
		frame, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return nil, malformed(typ, "data", "data is not valid base64")
		}
		return AudioChunk{Data: frame}, nil
	case TypeTextMessage:
		text := strings.TrimSpace(f.Text)
		if text == "" {
			return nil, malformed(typ, "text", "text is required")
		}
		return TextMessage{Text: text}, nil
	case TypeImageUpload:
		img, mime := splitDataURL(f.Image)
		if img == "" {
			return nil, malformed(typ, "image", "image is required")
		}
		if _, err := base64.StdEncoding.DecodeString(img); err != nil {
			return nil, malformed(typ, "image", "image is not valid base64")
		}
		if f.MimeType != "" {
			mime = f.MimeType
		}
		filename := f.Filename
		if filename == "" {
			filename = "image"
		}
		return ImageUpload{Image: img, Filename: filename, MimeType: mime}, nil
	case TypeStopConversation:
		return StopConversation{}, nil
	case TypeInterrupt:
		return Interrupt{}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, malformed(typ, "type", "unsupported message type")
	}
}

// splitDataURL strips a "data:<mime>;base64," prefix, returning the payload and
// the embedded media type.
func splitDataURL(s string) (payload, mime string) {
	if !strings.HasPrefix(s, "data:") {
		return s, ""
	}
	header, payload, ok := strings.Cut(s, ",")
	if !ok {
		return "", ""
	}
	mime = strings.TrimPrefix(header, "data:")
	mime = strings.TrimSuffix(mime, ";base64")
	return payload, mime
}
