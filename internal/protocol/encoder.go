package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/observe"
)

// defaultWriteTimeout bounds a single WebSocket write.
const defaultWriteTimeout = 5 * time.Second

// Conn is the write side of a WebSocket connection. *websocket.Conn
// satisfies it.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

var _ Conn = (*websocket.Conn)(nil)

// SerializationError reports an outbound message that could not be encoded.
type SerializationError struct {
	// Type is the message's type discriminator.
	Type string

	// Err is the encoding failure.
	Err error
}

// Error implements error.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("protocol: serialize %s message: %v", e.Type, e.Err)
}

// Unwrap returns the underlying encoding error.
func (e *SerializationError) Unwrap() error { return e.Err }

// EncoderOption configures an [Encoder].
type EncoderOption func(*Encoder)

// WithWriteTimeout bounds each write. Defaults to 5 s.
func WithWriteTimeout(d time.Duration) EncoderOption {
	return func(e *Encoder) {
		e.writeTimeout = d
	}
}

// WithMetrics records dropped sends and serialization failures.
func WithMetrics(m *observe.Metrics) EncoderOption {
	return func(e *Encoder) {
		e.metrics = m
	}
}

// WithSessionID tags log lines with the session id.
func WithSessionID(id string) EncoderOption {
	return func(e *Encoder) {
		e.sessionID = id
	}
}

// Encoder writes outbound messages to one connection. Writes are serialized
// under a lock so messages arrive in the order Send was called. Once the
// connection is closed, or a write fails, further sends are silently dropped.
//
// Encoder is safe for concurrent use.
type Encoder struct {
	conn         Conn
	writeTimeout time.Duration
	metrics      *observe.Metrics
	sessionID    string

	mu     sync.Mutex
	closed atomic.Bool
}

// NewEncoder returns an Encoder writing to conn.
func NewEncoder(conn Conn, opts ...EncoderOption) *Encoder {
	e := &Encoder{conn: conn, writeTimeout: defaultWriteTimeout}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Send encodes and writes m. A message that cannot be encoded is logged with
// its type and returned as [*SerializationError]; later sends are unaffected.
// Sends on a closed connection return nil.
func (e *Encoder) Send(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		serr := &SerializationError{Type: m.MessageType(), Err: err}
		observe.Logger(ctx).Error("protocol: failed to serialize outbound message",
			"session_id", e.sessionID,
			"type", m.MessageType(),
			"err", err,
		)
		if e.metrics != nil {
			e.metrics.RecordSerializationError(ctx, m.MessageType())
		}
		return serr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		e.dropped(ctx, m)
		return nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.writeTimeout)
	defer cancel()
	if err := e.conn.Write(wctx, websocket.MessageText, data); err != nil {
		e.closed.Store(true)
		slog.Debug("protocol: write failed, closing encoder",
			"session_id", e.sessionID,
			"type", m.MessageType(),
			"err", err,
		)
		e.dropped(ctx, m)
	}
	return nil
}

// Close marks the connection closed. Subsequent sends are dropped.
func (e *Encoder) Close() {
	e.closed.Store(true)
}

// Closed reports whether the encoder has stopped writing.
func (e *Encoder) Closed() bool {
	return e.closed.Load()
}

func (e *Encoder) dropped(ctx context.Context, m Message) {
	if e.metrics != nil {
		e.metrics.RecordDroppedSend(ctx, m.MessageType())
	}
}
