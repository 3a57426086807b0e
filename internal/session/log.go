package session

import (
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// Entry is one message of the conversation log.
type Entry struct {
	// Seq is the position of the entry across the lifetime of the session.
	// It keeps increasing after [MessageLog.Clear].
	Seq int

	// Role is the message author.
	Role types.Role

	// Text is the message content.
	Text string

	// Time is when the entry was appended.
	Time time.Time
}

// MessageLog is the ordered, append-only conversation history of a session.
// Entries are never reordered or deduplicated. It is safe for concurrent use.
type MessageLog struct {
	mu      sync.Mutex
	entries []Entry
	nextSeq int
	onEntry func(Entry)
	now     func() time.Time
}

func newMessageLog(onEntry func(Entry)) *MessageLog {
	return &MessageLog{onEntry: onEntry, now: time.Now}
}

// Append adds an entry and returns it with its sequence number assigned.
func (l *MessageLog) Append(role types.Role, text string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{Seq: l.nextSeq, Role: role, Text: text, Time: l.now()}
	l.nextSeq++
	l.entries = append(l.entries, e)
	if l.onEntry != nil {
		l.onEntry(e)
	}
	return e
}

// Entries returns a copy of the log in append order.
func (l *MessageLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Messages maps the log to role/content pairs for an LLM request.
func (l *MessageLog) Messages() []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Message, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, types.Message{Role: e.Role, Content: e.Text})
	}
	return out
}

// Len returns the number of entries currently held.
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops all entries. Sequence numbers are not reused.
func (l *MessageLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
