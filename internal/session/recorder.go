package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/memory"
)

// defaultFlushInterval is the default period between recorder flushes.
const defaultFlushInterval = 5 * time.Second

// Recorder mirrors a session's message log into a [memory.ConversationLog].
//
// Entries are queued by [Recorder.Record] (suitable as a [WithEntryObserver]
// callback) and written in batches by a background loop. A failing store
// never affects the conversation: write errors are logged, the recorder is
// marked degraded, and the batch is retried on the next flush.
//
// All methods are safe for concurrent use.
type Recorder struct {
	store     memory.ConversationLog
	sessionID string
	interval  time.Duration

	mu      sync.Mutex
	pending []memory.Entry

	flushMu  sync.Mutex
	degraded atomic.Bool
	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

// RecorderConfig configures a [Recorder].
type RecorderConfig struct {
	// Store receives the entries. Must not be nil.
	Store memory.ConversationLog

	// SessionID identifies the session in the store.
	SessionID string

	// Interval is how often queued entries are written. Defaults to 5 s.
	Interval time.Duration
}

// NewRecorder creates a [Recorder]. Call [Recorder.Start] to begin writing.
func NewRecorder(cfg RecorderConfig) *Recorder {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Recorder{
		store:     cfg.Store,
		sessionID: cfg.SessionID,
		interval:  interval,
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Record queues e for the next flush. It never blocks on the store.
func (r *Recorder) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, memory.Entry{
		Seq:       e.Seq,
		Role:      e.Role,
		Text:      e.Text,
		Timestamp: e.Time,
	})
}

// Start opens the session in the store and begins periodic flushing in a
// background goroutine that runs until [Recorder.Close] or ctx is cancelled.
func (r *Recorder) Start(ctx context.Context, startedAt time.Time) {
	if err := r.store.OpenSession(ctx, r.sessionID, startedAt); err != nil {
		r.markDegraded("open session", err)
	}
	r.started.Store(true)
	go r.loop(ctx)
}

// Flush writes all queued entries now.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := append([]memory.Entry(nil), r.pending...)
	r.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := r.store.Append(ctx, r.sessionID, batch...); err != nil {
		r.markDegraded("append", err)
		return fmt.Errorf("session: record %d entries: %w", len(batch), err)
	}
	r.degraded.Store(false)

	r.mu.Lock()
	r.pending = r.pending[len(batch):]
	r.mu.Unlock()
	return nil
}

// Close stops the loop, flushes what is left and closes the session in the
// store. It is safe to call multiple times.
func (r *Recorder) Close(ctx context.Context) error {
	first := false
	r.stopOnce.Do(func() {
		first = true
		close(r.done)
	})
	if !first {
		return nil
	}
	if r.started.Load() {
		<-r.loopDone
	}

	flushErr := r.Flush(ctx)
	if err := r.store.CloseSession(ctx, r.sessionID, time.Now()); err != nil {
		r.markDegraded("close session", err)
		if flushErr == nil {
			return fmt.Errorf("session: close recorded session: %w", err)
		}
	}
	return flushErr
}

// Degraded reports whether the most recent store operation failed.
func (r *Recorder) Degraded() bool {
	return r.degraded.Load()
}

// Pending returns the number of entries waiting to be written.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.loopDone)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			_ = r.Flush(ctx)
		}
	}
}

func (r *Recorder) markDegraded(op string, err error) {
	r.degraded.Store(true)
	slog.Warn("session recorder: store operation failed",
		"session_id", r.sessionID,
		"op", op,
		"err", err,
	)
}
