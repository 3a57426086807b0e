// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// VADDuration tracks speech-activity classification latency per frame.
	VADDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM streaming latency from request to final chunk.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// VisionDuration tracks image captioning latency.
	VisionDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// TurnDuration tracks a whole turn from user input to return to listening.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Turns counts finished turns. Use with attribute:
	//   attribute.String("outcome", "completed"|"interrupted"|"failed")
	Turns metric.Int64Counter

	// StateTransitions counts conversation state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// Interrupts counts interrupt requests that reached a running turn.
	Interrupts metric.Int64Counter

	// DroppedFrames counts inbound audio frames that were not processed. Use
	// with attribute: attribute.String("reason", ...)
	DroppedFrames metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("kind", ...), attribute.String("provider", ...),
	// attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// DroppedSends counts outbound messages discarded because the connection
	// was closed. Use with attribute: attribute.String("type", ...)
	DroppedSends metric.Int64Counter

	// SerializationErrors counts outbound messages that failed to encode. Use
	// with attribute: attribute.String("type", ...)
	SerializationErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveTurns tracks the number of turns currently in flight.
	ActiveTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.VADDuration, "parley.vad.duration", "Latency of speech-activity classification."},
		{&met.STTDuration, "parley.stt.duration", "Latency of speech-to-text transcription."},
		{&met.LLMDuration, "parley.llm.duration", "Latency of LLM streaming completions."},
		{&met.TTSDuration, "parley.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.VisionDuration, "parley.vision.duration", "Latency of image captioning."},
		{&met.ToolExecutionDuration, "parley.tool_execution.duration", "Latency of tool execution."},
		{&met.TurnDuration, "parley.turn.duration", "Duration of a conversation turn."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "parley.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ToolCalls, "parley.tool.calls", "Total tool invocations by tool name and status."},
		{&met.Turns, "parley.turns", "Total finished turns by outcome."},
		{&met.StateTransitions, "parley.state.transitions", "Total conversation state transitions."},
		{&met.Interrupts, "parley.interrupts", "Total interrupts delivered to running turns."},
		{&met.DroppedFrames, "parley.audio.dropped_frames", "Total inbound audio frames dropped by reason."},
		{&met.BreakerTransitions, "parley.breaker.transitions", "Total circuit breaker state changes by provider."},
		{&met.ProviderErrors, "parley.provider.errors", "Total provider errors by provider and kind."},
		{&met.DroppedSends, "parley.protocol.dropped_sends", "Total outbound messages dropped on closed connections."},
		{&met.SerializationErrors, "parley.protocol.serialization_errors", "Total outbound messages that failed to encode."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("parley.active_turns",
		metric.WithDescription("Number of turns currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route pattern."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordToolDuration records the execution latency of tool.
func (m *Metrics) RecordToolDuration(ctx context.Context, tool string, d time.Duration) {
	m.ToolExecutionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordTurn records a finished turn with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTransition records a conversation state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordDroppedFrame records an inbound audio frame that was not processed.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition records a provider circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, kind, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDroppedSend records an outbound message dropped on a closed connection.
func (m *Metrics) RecordDroppedSend(ctx context.Context, msgType string) {
	m.DroppedSends.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordSerializationError records an outbound message that failed to encode.
func (m *Metrics) RecordSerializationError(ctx context.Context, msgType string) {
	m.SerializationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}
