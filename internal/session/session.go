// Package session holds the per-connection conversation state: the state
// machine, the message log, the audio accumulator, the interrupt flag, the
// silence run and the turn guard.
//
// The guard helpers (EnsureListening, EnsureThinking, Recover) sit in front of
// the pure transition table and fire the bridging events needed to reach a
// usable state, so callers never have to special-case "first message while
// idle".
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/conversation"
)

// ErrTurnInProgress is returned by [Session.BeginTurn] while another turn is
// running.
var ErrTurnInProgress = errors.New("session: a turn is already in progress")

// Option configures a [Session].
type Option func(*Session)

// WithID sets the session id instead of generating a UUID.
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// WithMaxFrames bounds the audio accumulator.
func WithMaxFrames(n int) Option {
	return func(s *Session) {
		s.maxFrames = n
	}
}

// WithEntryObserver registers fn to receive every message log entry as it is
// appended. fn runs under the log lock and must not block.
func WithEntryObserver(fn func(Entry)) Option {
	return func(s *Session) {
		s.onEntry = fn
	}
}

// Session is the state of one conversation. It is safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time
	maxFrames int
	onEntry   func(Entry)

	machine *conversation.Machine
	log     *MessageLog
	audio   *AudioAccumulator

	interrupted atomic.Bool

	silenceMu  sync.Mutex
	silenceRun int

	turnMu      sync.Mutex
	turnActive  bool
	stopPending bool
}

// New creates a session in the idle state.
func New(opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		machine:   conversation.NewMachine(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = newMessageLog(s.onEntry)
	s.audio = NewAudioAccumulator(s.maxFrames)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Machine returns the session's state machine.
func (s *Session) Machine() *conversation.Machine { return s.machine }

// State is shorthand for Machine().State().
func (s *Session) State() conversation.State { return s.machine.State() }

// Log returns the message log.
func (s *Session) Log() *MessageLog { return s.log }

// Audio returns the audio accumulator.
func (s *Session) Audio() *AudioAccumulator { return s.audio }

// ─── interrupt flag ──────────────────────────────────────────────────────────

// Interrupt requests that the running turn stop at its next check. It reports
// false and does nothing when no turn is in flight.
func (s *Session) Interrupt() bool {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if !s.turnActive {
		return false
	}
	s.interrupted.Store(true)
	return true
}

// ConsumeInterrupt reports whether an interrupt was pending and clears it, so
// exactly one check observes a given interrupt.
func (s *Session) ConsumeInterrupt() bool {
	return s.interrupted.Swap(false)
}

// ─── silence run ─────────────────────────────────────────────────────────────

// ObserveSpeech resets the consecutive-silence counter.
func (s *Session) ObserveSpeech() {
	s.silenceMu.Lock()
	defer s.silenceMu.Unlock()
	s.silenceRun = 0
}

// ObserveSilence counts one silent frame. When the run reaches threshold it is
// reset and ObserveSilence reports true.
func (s *Session) ObserveSilence(threshold int) bool {
	s.silenceMu.Lock()
	defer s.silenceMu.Unlock()
	s.silenceRun++
	if s.silenceRun >= threshold {
		s.silenceRun = 0
		return true
	}
	return false
}

// SilenceRun returns the current consecutive-silence count.
func (s *Session) SilenceRun() int {
	s.silenceMu.Lock()
	defer s.silenceMu.Unlock()
	return s.silenceRun
}

// ─── turn guard ──────────────────────────────────────────────────────────────

// BeginTurn claims the session for one turn.
func (s *Session) BeginTurn() error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turnActive {
		return ErrTurnInProgress
	}
	s.turnActive = true
	return nil
}

// EndTurn releases the turn guard, applies a stop requested while the turn was
// running, and discards an interrupt nobody consumed.
func (s *Session) EndTurn() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.turnActive = false
	if s.stopPending {
		s.stopPending = false
		s.applyStop()
	}
	s.interrupted.Store(false)
}

// InTurn reports whether a turn is running.
func (s *Session) InTurn() bool {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.turnActive
}

// RequestStop ends the conversation. Without a running turn the session
// returns to idle at once with the accumulator, silence run and message log
// cleared. With a running turn the turn is interrupted and the stop is applied
// by [Session.EndTurn]; RequestStop then reports true.
func (s *Session) RequestStop() (deferred bool) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turnActive {
		s.stopPending = true
		s.interrupted.Store(true)
		return true
	}
	s.applyStop()
	return false
}

// StopRequested reports whether a stop is waiting for the running turn to end.
func (s *Session) StopRequested() bool {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	return s.stopPending
}

func (s *Session) applyStop() {
	_, _ = s.machine.FireIf(conversation.EventStop,
		conversation.StateListening,
		conversation.StateTranscribing,
		conversation.StateThinking,
		conversation.StateSpeaking,
		conversation.StateAnalyzingImage,
	)
	s.audio.Clear()
	s.ObserveSpeech()
	s.log.Clear()
}

// ─── guard logic ─────────────────────────────────────────────────────────────

// EnsureListening starts the conversation when the session is idle.
func (s *Session) EnsureListening() error {
	_, err := s.machine.FireIf(conversation.EventStart, conversation.StateIdle)
	return err
}

// EnsureThinking moves the session to thinking from idle or listening. It is a
// no-op when already thinking and fails with an invalid transition from any
// other state.
func (s *Session) EnsureThinking() error {
	switch st := s.machine.State(); st {
	case conversation.StateThinking:
		return nil
	case conversation.StateIdle, conversation.StateListening:
		_, err := s.machine.Fire(conversation.EventTextMessage)
		return err
	default:
		_, err := conversation.Transition(st, conversation.EventTextMessage)
		return err
	}
}

// Recover returns the session to listening from any state.
func (s *Session) Recover() error {
	switch s.machine.State() {
	case conversation.StateListening:
		return nil
	case conversation.StateIdle:
		_, err := s.machine.Fire(conversation.EventStart)
		return err
	default:
		if _, err := s.machine.Fire(conversation.EventStop); err != nil {
			return err
		}
		_, err := s.machine.Fire(conversation.EventStart)
		return err
	}
}
