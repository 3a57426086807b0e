// Package resilience provides circuit breaker and provider failover primitives.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed, open, half-open) that protects callers from cascading failures.
// [FallbackGroup] composes multiple instances of any provider type with per-entry
// circuit breakers so that a failing primary is automatically bypassed in favour
// of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc observes breaker transitions. It runs without the breaker
// lock held and must not block.
type StateChangeFunc func(name string, from, to State)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting probes.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of concurrent probes admitted in the
	// half-open state and the number of successes needed to close. Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition.
	OnStateChange StateChangeFunc

	// Now replaces time.Now. Tests use it to step through the reset timeout.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     StateChangeFunc
	now          func() time.Time

	mu          sync.Mutex
	state       State
	failures    int // consecutive failures while closed
	openedAt    time.Time
	probes      int // probes in flight while half-open
	probePasses int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		now:          cfg.Now,
		state:        StateClosed,
	}
}

// Name returns the label the breaker was configured with.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the breaker admits the call and records its outcome.
// A [context.Canceled] result is passed through without counting against the
// provider.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed. probe reports that the call
// occupies a half-open probe slot.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	notify := noop
	if cb.state == StateOpen && cb.cooledLocked() {
		notify = cb.moveLocked(StateHalfOpen)
	}

	switch {
	case cb.state == StateOpen:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.probes >= cb.halfOpenMax:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen:
		cb.probes++
		probe = true
	}
	cb.mu.Unlock()
	notify()
	return probe, err
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	notify := noop
	switch {
	case errors.Is(err, context.Canceled):
		if probe {
			cb.probes--
		}
	case err != nil:
		if probe || cb.state == StateHalfOpen {
			notify = cb.moveLocked(StateOpen)
			break
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			notify = cb.moveLocked(StateOpen)
		}
	case probe && cb.state == StateHalfOpen:
		cb.probes--
		cb.probePasses++
		if cb.probePasses >= cb.halfOpenMax {
			notify = cb.moveLocked(StateClosed)
		}
	case cb.state == StateClosed:
		cb.failures = 0
	}
	cb.mu.Unlock()
	notify()
}

// State returns the current [State] of the breaker. An open breaker whose
// reset timeout has elapsed reports [StateHalfOpen]; the transition itself
// happens on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cooledLocked() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := noop
	if cb.state != StateClosed {
		notify = cb.moveLocked(StateClosed)
	}
	cb.failures = 0
	cb.mu.Unlock()
	notify()
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

func (cb *CircuitBreaker) cooledLocked() bool {
	return cb.now().Sub(cb.openedAt) >= cb.resetTimeout
}

// moveLocked switches to state to and resets the counters that belong to it.
// It returns the callback notification to run once cb.mu is released.
func (cb *CircuitBreaker) moveLocked(to State) func() {
	from := cb.state
	cb.state = to
	cb.probes = 0
	cb.probePasses = 0

	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"from", from.String(),
			"consecutive_failures", cb.failures)
	case StateHalfOpen:
		slog.Info("circuit breaker half-open, probing", "name", cb.name)
	case StateClosed:
		cb.failures = 0
		slog.Info("circuit breaker closed", "name", cb.name, "from", from.String())
	}

	if cb.onChange == nil || from == to {
		return noop
	}
	name, fn := cb.name, cb.onChange
	return func() { fn(name, from, to) }
}

func noop() {}
