// Package observe provides application-wide observability primitives for
// arivoz: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all arivoz metrics.
const meterName = "github.com/vozlab/arivoz"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency, recording start to
	// playback start.
	TurnDuration metric.Float64Histogram

	// WebhookDuration tracks business webhook latency.
	WebhookDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attributes:
	//   attribute.String("bot", ...), attribute.String("phase", ...)
	Turns metric.Int64Counter

	// Silences counts silent turns by bot and outcome (prompt/continue/goodbye).
	Silences metric.Int64Counter

	// BargeIns counts playback interruptions by the caller.
	BargeIns metric.Int64Counter

	// ContractViolations counts snoop-contract violations by code.
	ContractViolations metric.Int64Counter

	// Transfers counts calls handed to the human queue.
	Transfers metric.Int64Counter

	// Calls counts finished calls by bot and end reason.
	Calls metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live calls.
	ActiveSessions metric.Int64UpDownCounter

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

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("arivoz.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("arivoz.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("arivoz.turn.duration",
		metric.WithDescription("End-to-end turn latency, recording start to playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebhookDuration, err = m.Float64Histogram("arivoz.webhook.duration",
		metric.WithDescription("Latency of business webhook calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("arivoz.turns",
		metric.WithDescription("Completed turns by bot and phase."),
	); err != nil {
		return nil, err
	}
	if met.Silences, err = m.Int64Counter("arivoz.silences",
		metric.WithDescription("Silent turns by bot and silence-policy outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("arivoz.barge_ins",
		metric.WithDescription("Playback interruptions by the caller."),
	); err != nil {
		return nil, err
	}
	if met.ContractViolations, err = m.Int64Counter("arivoz.contract.violations",
		metric.WithDescription("Snoop-contract violations by code."),
	); err != nil {
		return nil, err
	}
	if met.Transfers, err = m.Int64Counter("arivoz.transfers",
		metric.WithDescription("Calls transferred to the human queue."),
	); err != nil {
		return nil, err
	}
	if met.Calls, err = m.Int64Counter("arivoz.calls",
		metric.WithDescription("Finished calls by bot and end reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("arivoz.active_sessions",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("arivoz.http.request.duration",
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

// RecordTurn records a completed turn.
func (m *Metrics) RecordTurn(ctx context.Context, bot, phase string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("bot", bot),
			attribute.String("phase", phase),
		),
	)
}

// RecordSilence records a silent turn with its policy outcome.
func (m *Metrics) RecordSilence(ctx context.Context, bot, outcome string) {
	m.Silences.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("bot", bot),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordContractViolation records a snoop-contract violation by code.
func (m *Metrics) RecordContractViolation(ctx context.Context, code string) {
	m.ContractViolations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}

// RecordCallEnd records a finished call with its end reason.
func (m *Metrics) RecordCallEnd(ctx context.Context, bot, reason string) {
	m.Calls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("bot", bot),
			attribute.String("reason", reason),
		),
	)
}
