// Package conversation implements the per-session conversation state machine.
//
// The machine is a pure transition table plus a small mutable holder. Every
// event has exactly one destination state; the table only decides whether the
// event is allowed from the current state. Higher-level guard logic (for
// example starting a conversation implicitly when the first text message
// arrives) lives in the session package and fires ordinary events.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrInvalidTransition is matched by every [*InvalidTransitionError].
var ErrInvalidTransition = errors.New("conversation: invalid transition")

// State is the conversation's current activity.
type State string

const (
	StateIdle           State = "idle"
	StateListening      State = "listening"
	StateTranscribing   State = "transcribing"
	StateThinking       State = "thinking"
	StateSpeaking       State = "speaking"
	StateAnalyzingImage State = "analyzing_image"
)

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// Event triggers a state transition.
type Event string

const (
	EventStart                 Event = "start"
	EventTextMessage           Event = "text_message"
	EventImageUpload           Event = "image_upload"
	EventSilenceDetected       Event = "silence_detected"
	EventTranscriptionComplete Event = "transcription_complete"
	EventLLMComplete           Event = "llm_complete"
	EventAudioComplete         Event = "audio_complete"
	EventInterrupt             Event = "interrupt"
	EventStop                  Event = "stop"
	EventImageAnalysisComplete Event = "image_analysis_complete"
)

// String implements fmt.Stringer.
func (e Event) String() string { return string(e) }

// destinations maps every event to its single target state.
var destinations = map[Event]State{
	EventStart:                 StateListening,
	EventTextMessage:           StateThinking,
	EventImageUpload:           StateAnalyzingImage,
	EventSilenceDetected:       StateTranscribing,
	EventTranscriptionComplete: StateThinking,
	EventLLMComplete:           StateSpeaking,
	EventAudioComplete:         StateListening,
	EventInterrupt:             StateListening,
	EventStop:                  StateIdle,
	EventImageAnalysisComplete: StateThinking,
}

// allowed lists the events accepted in each state.
var allowed = map[State]map[Event]bool{
	StateIdle:           {EventStart: true, EventTextMessage: true, EventImageUpload: true},
	StateListening:      {EventSilenceDetected: true, EventTextMessage: true, EventImageUpload: true, EventStop: true},
	StateTranscribing:   {EventTranscriptionComplete: true, EventStop: true},
	StateThinking:       {EventLLMComplete: true, EventStop: true},
	StateSpeaking:       {EventAudioComplete: true, EventInterrupt: true, EventStop: true},
	StateAnalyzingImage: {EventImageAnalysisComplete: true, EventStop: true},
}

// InvalidTransitionError reports an event that is not allowed from a state.
type InvalidTransitionError struct {
	From  State
	Event Event
}

// Error implements error.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("conversation: event %q not allowed in state %q", e.Event, e.From)
}

// Is reports whether target is [ErrInvalidTransition].
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Transition returns the state reached by applying ev in from. It has no side
// effects.
func Transition(from State, ev Event) (State, error) {
	if !allowed[from][ev] {
		return from, &InvalidTransitionError{From: from, Event: ev}
	}
	return destinations[ev], nil
}

// Allowed reports whether ev is accepted in state s.
func Allowed(s State, ev Event) bool {
	return allowed[s][ev]
}

// Observer is notified after every successful transition.
type Observer func(old, new State)

// Machine holds the current state of one conversation. All mutation goes
// through Fire. It is safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	state     State
	observers []Observer
}

// NewMachine returns a machine in [StateIdle].
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe registers fn to be called after each transition. Observers run
// synchronously under the machine lock, in registration order, so they see
// transitions in the order they happened. Observers must not call back into
// the machine.
func (m *Machine) Observe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Fire applies ev. On an invalid transition the state is unchanged, no
// observer runs, and an [*InvalidTransitionError] is returned.
func (m *Machine) Fire(ev Event) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireLocked(ev)
}

// FireIf applies ev only when the current state is one of from. It reports
// whether the event was applied. The check and the transition are atomic.
func (m *Machine) FireIf(ev Event, from ...State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range from {
		if m.state == s {
			_, err := m.fireLocked(ev)
			return err == nil, err
		}
	}
	return false, nil
}

func (m *Machine) fireLocked(ev Event) (State, error) {
	old := m.state
	next, err := Transition(old, ev)
	if err != nil {
		slog.Debug("conversation: rejected transition", "state", old, "event", ev)
		return old, err
	}
	m.state = next
	for _, fn := range m.observers {
		fn(old, next)
	}
	return next, nil
}
