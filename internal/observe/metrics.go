// Package observe provides application-wide observability primitives for
// duplex: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware for the diagnostics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duplex metrics.
const meterName = "github.com/MrWong99/duplex"

// Metrics holds all OpenTelemetry metric instruments for the coordination
// core. All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// BootstrapDuration tracks the history load + remote connect latency.
	BootstrapDuration metric.Float64Histogram

	// TextDeliveryDuration tracks the time from dequeue to a delivered or
	// dropped text message, retries included.
	TextDeliveryDuration metric.Float64Histogram

	// --- Counters ---

	// StateTransitions counts interaction state changes. Use with attribute:
	//   attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// Transcripts counts transcript events seen by the voice gate. Use with
	// attributes:
	//   attribute.String("kind", "partial"|"final"), attribute.String("outcome", "forwarded"|"dropped")
	Transcripts metric.Int64Counter

	// TurnsPersisted counts conversation turns written to the store. Use with
	// attribute:
	//   attribute.String("role", "user"|"assistant")
	TurnsPersisted metric.Int64Counter

	// TextMessages counts terminal outcomes of text messages. Use with
	// attribute:
	//   attribute.String("status", "sent"|"error")
	TextMessages metric.Int64Counter

	// TextRetries counts text delivery retries.
	TextRetries metric.Int64Counter

	// ReconnectAttempts counts session reconnection attempts. Use with
	// attribute:
	//   attribute.String("status", "ok"|"error"|"skipped")
	ReconnectAttempts metric.Int64Counter

	// HydratedItems counts history items sent to the remote session on
	// connect.
	HydratedItems metric.Int64Counter

	// --- Error counters ---

	// PersistenceErrors counts failed store operations. Use with attribute:
	//   attribute.String("op", "write"|"read")
	PersistenceErrors metric.Int64Counter

	// HandlerPanics counts recovered event bus subscriber panics. Use with
	// attribute:
	//   attribute.String("topic", ...)
	HandlerPanics metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live remote sessions.
	ActiveSessions metric.Int64UpDownCounter

	// TextQueueDepth tracks the number of queued text messages.
	TextQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connect and delivery latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.BootstrapDuration, err = m.Float64Histogram("duplex.bootstrap.duration",
		metric.WithDescription("Latency of history load plus remote session connect."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TextDeliveryDuration, err = m.Float64Histogram("duplex.text.delivery.duration",
		metric.WithDescription("Latency of text message delivery including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StateTransitions, err = m.Int64Counter("duplex.interaction.transitions",
		metric.WithDescription("Total interaction state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("duplex.voice.transcripts",
		metric.WithDescription("Total transcripts seen by the voice gate by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TurnsPersisted, err = m.Int64Counter("duplex.turns.persisted",
		metric.WithDescription("Total conversation turns persisted by role."),
	); err != nil {
		return nil, err
	}
	if met.TextMessages, err = m.Int64Counter("duplex.text.messages",
		metric.WithDescription("Total text messages by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.TextRetries, err = m.Int64Counter("duplex.text.retries",
		metric.WithDescription("Total text delivery retries."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("duplex.session.reconnects",
		metric.WithDescription("Total session reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.HydratedItems, err = m.Int64Counter("duplex.bootstrap.hydrated_items",
		metric.WithDescription("Total history items hydrated into remote sessions."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PersistenceErrors, err = m.Int64Counter("duplex.persistence.errors",
		metric.WithDescription("Total failed turn store operations by op."),
	); err != nil {
		return nil, err
	}
	if met.HandlerPanics, err = m.Int64Counter("duplex.bus.handler_panics",
		metric.WithDescription("Total recovered event subscriber panics by topic."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("duplex.active_sessions",
		metric.WithDescription("Number of live remote sessions."),
	); err != nil {
		return nil, err
	}
	if met.TextQueueDepth, err = m.Int64UpDownCounter("duplex.text.queue_depth",
		metric.WithDescription("Number of queued text messages."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("duplex.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordStateTransition records an interaction state change towards to.
func (m *Metrics) RecordStateTransition(ctx context.Context, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

// RecordTranscript records a transcript seen by the voice gate.
func (m *Metrics) RecordTranscript(ctx context.Context, final, forwarded bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	outcome := "dropped"
	if forwarded {
		outcome = "forwarded"
	}
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTurnPersisted records a conversation turn written for role.
func (m *Metrics) RecordTurnPersisted(ctx context.Context, role string) {
	m.TurnsPersisted.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordPersistenceError records a failed store operation.
func (m *Metrics) RecordPersistenceError(ctx context.Context, op string) {
	m.PersistenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordTextMessage records the terminal status of a text message.
func (m *Metrics) RecordTextMessage(ctx context.Context, status string) {
	m.TextMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordReconnect records a reconnection attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordHandlerPanic records a recovered subscriber panic on topic.
func (m *Metrics) RecordHandlerPanic(ctx context.Context, topic string) {
	m.HandlerPanics.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
