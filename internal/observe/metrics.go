// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parley-ai/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks the transcription round-trip of a finalized
	// utterance.
	ASRDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per sentence,
	// from the request until the last PCM chunk arrived.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// Sentences counts sentences spoken by the agent.
	Sentences metric.Int64Counter

	// Utterances counts finalized participant utterances. Use with attribute:
	//   attribute.String("status", ...) (transcribed, rejected, cancelled, failed)
	Utterances metric.Int64Counter

	// FramesEmitted counts 20 ms audio frames written to outbound tracks.
	FramesEmitted metric.Int64Counter

	// AudioDropped counts samples discarded on outbound queue overflow.
	AudioDropped metric.Int64Counter

	// RPCTimeouts counts request/response calls that hit their deadline.
	// Use with attribute:
	//   attribute.String("method", ...)
	RPCTimeouts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActivePeers tracks the number of connected participants across all
	// sessions.
	ActivePeers metric.Int64UpDownCounter

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
	if met.ASRDuration, err = m.Float64Histogram("parley.asr.duration",
		metric.WithDescription("Latency of the transcription round-trip per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("parley.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per sentence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sentences, err = m.Int64Counter("parley.sentences",
		metric.WithDescription("Total sentences spoken by the agent."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("parley.utterances",
		metric.WithDescription("Total finalized participant utterances by status."),
	); err != nil {
		return nil, err
	}
	if met.FramesEmitted, err = m.Int64Counter("parley.frames.emitted",
		metric.WithDescription("Total 20 ms audio frames written to outbound tracks."),
	); err != nil {
		return nil, err
	}
	if met.AudioDropped, err = m.Int64Counter("parley.audio.dropped",
		metric.WithDescription("Total samples discarded on outbound queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.RPCTimeouts, err = m.Int64Counter("parley.rpc.timeouts",
		metric.WithDescription("Total RPC calls that hit their deadline, by method."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActivePeers, err = m.Int64UpDownCounter("parley.active_peers",
		metric.WithDescription("Number of connected participants across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordUtterance is a convenience method that records one finalized
// utterance with its outcome status.
func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordRPCTimeout is a convenience method that records one timed-out call
// by RPC method name.
func (m *Metrics) RecordRPCTimeout(ctx context.Context, method string) {
	m.RPCTimeouts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("method", method)),
	)
}
