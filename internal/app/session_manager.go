package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

// ErrTooManySessions is returned by [SessionManager.Add] when the configured
// session limit is reached.
var ErrTooManySessions = errors.New("app: too many active sessions")

// SessionInfo holds metadata about a connected session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// RemoteAddr is the client address of the WebSocket connection.
	RemoteAddr string

	// StartedAt is when the connection was accepted.
	StartedAt time.Time
}

type activeSession struct {
	info   SessionInfo
	cancel context.CancelFunc
}

// SessionManager tracks live connections and enforces the session limit.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	max     int
	active  map[string]activeSession
	metrics *observe.Metrics
}

// NewSessionManager returns a manager admitting at most max concurrent
// sessions. Zero or less means unlimited. A nil metrics disables the
// active-session gauge.
func NewSessionManager(max int, metrics *observe.Metrics) *SessionManager {
	return &SessionManager{
		max:     max,
		active:  make(map[string]activeSession),
		metrics: metrics,
	}
}

// Add registers a session. cancel is called by [SessionManager.CloseAll].
// Returns [ErrTooManySessions] when the limit is reached.
func (sm *SessionManager) Add(ctx context.Context, info SessionInfo, cancel context.CancelFunc) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, dup := sm.active[info.SessionID]; dup {
		return fmt.Errorf("app: session %q is already active", info.SessionID)
	}
	if sm.max > 0 && len(sm.active) >= sm.max {
		return fmt.Errorf("%w (limit %d)", ErrTooManySessions, sm.max)
	}
	sm.active[info.SessionID] = activeSession{info: info, cancel: cancel}
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("session started",
		"session_id", info.SessionID,
		"remote_addr", info.RemoteAddr,
		"active", len(sm.active),
	)
	return nil
}

// Remove unregisters a session. Unknown ids are ignored.
func (sm *SessionManager) Remove(ctx context.Context, sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.active[sessionID]
	if !ok {
		return
	}
	delete(sm.active, sessionID)
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, -1)
	}
	slog.Info("session stopped",
		"session_id", sessionID,
		"duration", time.Since(s.info.StartedAt).Round(time.Millisecond),
		"active", len(sm.active),
	)
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// Sessions returns metadata for every active session, oldest first.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.active))
	for _, s := range sm.active {
		out = append(out, s.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// CloseAll cancels every active session. Sessions unregister themselves as
// their connections wind down.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, s := range sm.active {
		if s.cancel != nil {
			s.cancel()
		}
	}
}
