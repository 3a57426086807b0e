// Package memory defines the durable conversation log used by parley.
//
// The log is append-only and write-only from the point of view of the
// conversation engine: sessions are opened, entries are appended in the order
// they were recorded, and sessions are closed. Nothing in the engine reads the
// log back to make decisions; the in-memory session log stays the source of
// truth for model context.
//
// All interfaces are public so that external packages can supply alternative
// storage backends without depending on parley internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// Entry is one persisted conversation message.
type Entry struct {
	// Seq is the zero-based position of the entry within its session.
	Seq int

	// Role is the message author.
	Role types.Role

	// Text is the message content.
	Text string

	// Timestamp is when the entry was recorded in the session.
	Timestamp time.Time
}

// ConversationLog is the append-only store for session transcripts.
type ConversationLog interface {
	// OpenSession records the start of a session. Opening an already open
	// session is not an error.
	OpenSession(ctx context.Context, sessionID string, startedAt time.Time) error

	// Append stores entries for sessionID. Entries whose Seq was already
	// stored are ignored, so retries after partial failures are safe.
	Append(ctx context.Context, sessionID string, entries ...Entry) error

	// CloseSession records the end of a session.
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error
}
