// Package tools implements the name-to-executor registry the conversation
// pipeline consults when a model requests a tool call.
//
// Tools are registered with [Registry.Register] and advertised to models via
// [Registry.List]. [Registry.Execute] normalizes arguments, validates the
// parameters the tool's schema marks as required, and runs the handler.
// Every failure is an error the caller can fold into model context:
//
//   - an unregistered name is an [*UnknownToolError] matching [ErrUnknownTool];
//   - a missing required parameter matches [ErrInvalidArguments];
//   - a failing handler is wrapped in [*ExecutionError].
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/types"
)

// suggestionThreshold is the minimum Jaro-Winkler similarity for a registered
// tool name to be offered as a suggestion.
const suggestionThreshold = 0.8

var (
	// ErrUnknownTool is matched by errors for tool names that are not registered.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidArguments is matched by errors for argument sets that fail
	// validation.
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

// Handler executes a tool with normalized arguments and returns its textual
// result. Handlers must respect ctx cancellation and be safe for concurrent use.
type Handler func(ctx context.Context, args Args) (string, error)

// Tool pairs a model-facing definition with its handler.
type Tool struct {
	Definition types.ToolDefinition
	Handler    Handler
}

// UnknownToolError reports a call to an unregistered tool.
type UnknownToolError struct {
	// Name is the requested tool name.
	Name string

	// Suggestion is the closest registered name, or empty when nothing is close.
	Suggestion string
}

// Error implements error.
func (e *UnknownToolError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("tools: unknown tool %q (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("tools: unknown tool %q", e.Name)
}

// Is matches [ErrUnknownTool].
func (e *UnknownToolError) Is(target error) bool { return target == ErrUnknownTool }

// ExecutionError wraps a handler failure.
type ExecutionError struct {
	Tool string
	Err  error
}

// Error implements error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tools: %s: %v", e.Tool, e.Err)
}

// Unwrap returns the handler's error.
func (e *ExecutionError) Unwrap() error { return e.Err }

// Option configures a [Registry].
type Option func(*Registry)

// WithMetrics records tool call counts and latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry is a concurrency-safe set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	metrics *observe.Metrics
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tools: tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q must have a non-nil handler", t.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Definition.Name]; !ok {
		r.order = append(r.order, t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
	return nil
}

// Unregister removes the named tool. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
}

// List returns the definitions of all registered tools in registration order.
func (r *Registry) List() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Execute runs the named tool with args.
func (r *Registry) Execute(ctx context.Context, name string, args Args) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.record(ctx, name, "unknown", 0)
		return "", &UnknownToolError{Name: name, Suggestion: r.suggest(name)}
	}

	obj := args.Object()
	for _, p := range t.Definition.Required() {
		if v, ok := obj[p]; !ok || v == nil {
			r.record(ctx, name, "invalid", 0)
			return "", fmt.Errorf("tools: %s: %w: missing required parameter %q", name, ErrInvalidArguments, p)
		}
	}

	start := time.Now()
	out, err := t.Handler(ctx, ObjectArgs(obj))
	elapsed := time.Since(start)
	if err != nil {
		r.record(ctx, name, "error", elapsed)
		observe.Logger(ctx).Debug("tools: handler failed", "tool", name, "err", err)
		return "", &ExecutionError{Tool: name, Err: err}
	}
	r.record(ctx, name, "ok", elapsed)
	return out, nil
}

func (r *Registry) suggest(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best, bestScore := "", 0.0
	for _, candidate := range r.order {
		score := matchr.JaroWinkler(name, candidate, false)
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore < suggestionThreshold {
		return ""
	}
	return best
}

func (r *Registry) record(ctx context.Context, name, status string, d time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordToolCall(ctx, name, status)
	if d > 0 {
		r.metrics.RecordToolDuration(ctx, name, d)
	}
}
