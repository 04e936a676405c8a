// Package observe provides application-wide observability primitives for
// voiceswitch: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all voiceswitch metrics.
const meterName = "github.com/voiceswitch/voiceswitch"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandoffDuration tracks handoff latency from trigger to buffer flush.
	HandoffDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// SessionDialDuration tracks upstream agent dial + ack latency.
	SessionDialDuration metric.Float64Histogram

	// --- Counters ---

	// Frames counts proxied frames. Use with attributes:
	//   attribute.String("direction", "inbound"|"outbound"), attribute.String("kind", "text"|"binary")
	Frames metric.Int64Counter

	// Handoffs counts handoff attempts. Use with attributes:
	//   attribute.String("target", ...), attribute.String("status", "ok"|"aborted")
	Handoffs metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SessionErrors counts session-scoped errors by kind.
	SessionErrors metric.Int64Counter

	// InputTokens and OutputTokens accumulate model token usage.
	InputTokens  metric.Int64Counter
	OutputTokens metric.Int64Counter

	// AudioMs accumulates milliseconds of audio processed by the model.
	AudioMs metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// RegisteredAgents tracks the number of registered agents.
	RegisteredAgents metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// the sub-second handoff and tool budgets.
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
	if met.HandoffDuration, err = m.Float64Histogram("voiceswitch.handoff.duration",
		metric.WithDescription("Handoff latency from trigger to buffer flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voiceswitch.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDialDuration, err = m.Float64Histogram("voiceswitch.session_dial.duration",
		metric.WithDescription("Upstream agent dial and acknowledgement latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Frames, err = m.Int64Counter("voiceswitch.frames",
		metric.WithDescription("Total proxied frames by direction and kind."),
	); err != nil {
		return nil, err
	}
	if met.Handoffs, err = m.Int64Counter("voiceswitch.handoffs",
		metric.WithDescription("Total handoff attempts by target agent and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voiceswitch.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("voiceswitch.session.errors",
		metric.WithDescription("Total session-scoped errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.InputTokens, err = m.Int64Counter("voiceswitch.model.input_tokens",
		metric.WithDescription("Total model input tokens."),
	); err != nil {
		return nil, err
	}
	if met.OutputTokens, err = m.Int64Counter("voiceswitch.model.output_tokens",
		metric.WithDescription("Total model output tokens."),
	); err != nil {
		return nil, err
	}
	if met.AudioMs, err = m.Int64Counter("voiceswitch.model.audio_ms",
		metric.WithDescription("Total milliseconds of audio processed by the model."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceswitch.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}
	if met.RegisteredAgents, err = m.Int64UpDownCounter("voiceswitch.registered_agents",
		metric.WithDescription("Number of registered agents."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceswitch.http.request.duration",
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

// RecordHandoff records a handoff attempt with its latency and outcome.
func (m *Metrics) RecordHandoff(ctx context.Context, target, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("status", status),
	)
	m.Handoffs.Add(ctx, 1, attrs)
	m.HandoffDuration.Record(ctx, seconds, attrs)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordSessionError records a session-scoped error by kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordUsage accumulates a model usage report.
func (m *Metrics) RecordUsage(ctx context.Context, inputTokens, outputTokens, audioMs int64) {
	m.InputTokens.Add(ctx, inputTokens)
	m.OutputTokens.Add(ctx, outputTokens)
	m.AudioMs.Add(ctx, audioMs)
}

// RecordFrame counts one proxied frame.
func (m *Metrics) RecordFrame(ctx context.Context, direction, kind string) {
	m.Frames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
		),
	)
}
