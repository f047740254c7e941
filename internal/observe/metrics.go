// Package observe provides application-wide observability primitives for
// Callyx: OpenTelemetry metrics, distributed tracing, structured logging,
// and the HTTP surface that exposes them.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint; [NewServer] serves it together
// with /healthz and /readyz. A package-level default [Metrics] instance
// ([DefaultMetrics]) is backed by a no-op meter so components constructed
// without explicit wiring (and tests) record into the void instead of
// polluting the global provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all Callyx metrics.
const meterName = "github.com/MrWong99/callyx"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Call lifecycle histograms ---

	// CallDuration tracks total call length from line up to line down.
	CallDuration metric.Float64Histogram

	// CallSetupDuration tracks time from dial command to the line answering.
	CallSetupDuration metric.Float64Histogram

	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency per utterance.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency per turn.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per reply.
	TTSDuration metric.Float64Histogram

	// ATCommandDuration tracks modem AT command round-trip latency.
	ATCommandDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Calls counts completed calls. Use with attribute:
	//   attribute.String("outcome", ...)  // completed, no_answer, busy, failed, voicemail
	Calls metric.Int64Counter

	// SMSMessages counts SMS traffic. Use with attribute:
	//   attribute.String("direction", ...)  // in, out
	SMSMessages metric.Int64Counter

	// QueueDrops counts input audio frames dropped because the pipeline
	// could not keep up.
	QueueDrops metric.Int64Counter

	// ModemReconnects counts serial port reconnect attempts.
	ModemReconnects metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently on the line. With a
	// single modem this is 0 or 1; it exists so a stuck call shows up on a
	// dashboard immediately.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets defines histogram bucket boundaries (in seconds) for
// whole-call durations: seconds for failed dials up to the half-hour cap.
var callDurationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Call lifecycle histograms.
	if met.CallDuration, err = m.Float64Histogram("callyx.call.duration",
		metric.WithDescription("Total call duration from line up to line down."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallSetupDuration, err = m.Float64Histogram("callyx.call.setup.duration",
		metric.WithDescription("Time from dial command to the line answering."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 2.5, 5, 10, 15, 30, 45, 60),
	); err != nil {
		return nil, err
	}

	// Pipeline latency histograms.
	if met.STTDuration, err = m.Float64Histogram("callyx.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("callyx.llm.duration",
		metric.WithDescription("Latency of LLM inference per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("callyx.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ATCommandDuration, err = m.Float64Histogram("callyx.at.duration",
		metric.WithDescription("Modem AT command round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("callyx.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Calls, err = m.Int64Counter("callyx.calls",
		metric.WithDescription("Completed calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SMSMessages, err = m.Int64Counter("callyx.sms.messages",
		metric.WithDescription("SMS messages by direction."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("callyx.audio.queue_drops",
		metric.WithDescription("Input audio frames dropped under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ModemReconnects, err = m.Int64Counter("callyx.modem.reconnects",
		metric.WithDescription("Serial port reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("callyx.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callyx.active_calls",
		metric.WithDescription("Number of calls currently on the line."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callyx.http.request.duration",
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
// first call against a no-op meter provider. Components that were not handed
// an explicit *Metrics record into the void, which keeps tests silent and
// avoids touching the global OTel provider. Production wiring passes the
// instance built by the app layer instead.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(noop.NewMeterProvider())
		if err != nil {
			// The no-op provider never fails instrument creation.
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

// RecordCallOutcome records one completed call with its outcome label
// (completed, no_answer, busy, failed, voicemail).
func (m *Metrics) RecordCallOutcome(ctx context.Context, outcome string) {
	m.Calls.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordSMS records one SMS message; direction is "in" or "out".
func (m *Metrics) RecordSMS(ctx context.Context, direction string) {
	m.SMSMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
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
