// Package mock provides an in-memory test double for [memory.ConversationLog].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	log := &mock.ConversationLog{}
//	// inject log into the system under test …
//	if got := log.CallCount("Append"); got != 1 {
//	    t.Errorf("expected 1 Append call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/memory"
)

var _ memory.ConversationLog = (*ConversationLog)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the arguments passed to the method, excluding the context.
	Args []any
}

// ConversationLog is an in-memory [memory.ConversationLog].
type ConversationLog struct {
	mu sync.Mutex

	// AppendErr, when non-nil, is returned by Append without storing anything.
	AppendErr error

	// OpenErr, when non-nil, is returned by OpenSession.
	OpenErr error

	calls    []Call
	sessions map[string][]memory.Entry
	closed   map[string]time.Time
}

func (m *ConversationLog) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// OpenSession implements [memory.ConversationLog].
func (m *ConversationLog) OpenSession(_ context.Context, sessionID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("OpenSession", sessionID, startedAt)
	if m.OpenErr != nil {
		return m.OpenErr
	}
	if m.sessions == nil {
		m.sessions = make(map[string][]memory.Entry)
	}
	if _, ok := m.sessions[sessionID]; !ok {
		m.sessions[sessionID] = []memory.Entry{}
	}
	return nil
}

// Append implements [memory.ConversationLog].
func (m *ConversationLog) Append(_ context.Context, sessionID string, entries ...memory.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Append", sessionID, entries)
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if m.sessions == nil {
		m.sessions = make(map[string][]memory.Entry)
	}
	stored := m.sessions[sessionID]
	for _, e := range entries {
		if e.Seq < len(stored) {
			continue
		}
		stored = append(stored, e)
	}
	m.sessions[sessionID] = stored
	return nil
}

// CloseSession implements [memory.ConversationLog].
func (m *ConversationLog) CloseSession(_ context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CloseSession", sessionID, endedAt)
	if m.closed == nil {
		m.closed = make(map[string]time.Time)
	}
	m.closed[sessionID] = endedAt
	return nil
}

// Entries returns a copy of the stored entries for sessionID.
func (m *ConversationLog) Entries(sessionID string) []memory.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memory.Entry(nil), m.sessions[sessionID]...)
}

// Closed reports whether CloseSession was called for sessionID.
func (m *ConversationLog) Closed(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.closed[sessionID]
	return ok
}

// Calls returns a copy of all recorded calls.
func (m *ConversationLog) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns the number of recorded calls to method.
func (m *ConversationLog) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls and stored data.
func (m *ConversationLog) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.sessions = nil
	m.closed = nil
}
