// Package observe provides application-wide observability primitives for
// Earshot: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider] so they can be scraped from /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Batch outcomes recorded by [Metrics.RecordBatch].
const (
	OutcomeMatch     = "match"
	OutcomeNoMatch   = "no_match"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
	OutcomeEmpty     = "empty"
)

// Chunk drop reasons recorded by [Metrics.RecordChunkDropped].
const (
	DropNotListening = "not_listening"
	DropProcessing   = "processing"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// RecognitionDuration tracks the latency of a single recogniser call.
	RecognitionDuration metric.Float64Histogram

	// BatchAudioSeconds tracks how much audio each submitted batch held.
	BatchAudioSeconds metric.Float64Histogram

	// ChunksAccepted counts audio chunks appended to a buffer.
	ChunksAccepted metric.Int64Counter

	// ChunksDropped counts audio chunks discarded by the listening gate. Use
	// with attribute.String("reason", ...).
	ChunksDropped metric.Int64Counter

	// AudioBytes counts buffered audio bytes.
	AudioBytes metric.Int64Counter

	// Batches counts settled batches. Use with attribute.String("outcome", ...).
	Batches metric.Int64Counter

	// RecognizerErrors counts failed recogniser calls. Use with
	// attribute.String("provider", ...).
	RecognizerErrors metric.Int64Counter

	// ActiveSessions tracks the number of connected device sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// recognition round-trips, which range from sub-second to the 8s timeout.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RecognitionDuration, err = m.Float64Histogram("earshot.recognition.duration",
		metric.WithDescription("Latency of song recognition requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BatchAudioSeconds, err = m.Float64Histogram("earshot.batch.audio",
		metric.WithDescription("Seconds of audio submitted per batch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 2.5, 5, 7.5, 10, 12.5, 15),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksAccepted, err = m.Int64Counter("earshot.chunks.accepted",
		metric.WithDescription("Audio chunks appended to a listening buffer."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("earshot.chunks.dropped",
		metric.WithDescription("Audio chunks discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("earshot.audio.bytes",
		metric.WithDescription("Audio bytes buffered for recognition."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Batches, err = m.Int64Counter("earshot.batches",
		metric.WithDescription("Settled recognition batches by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerErrors, err = m.Int64Counter("earshot.recognizer.errors",
		metric.WithDescription("Failed recogniser calls by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of connected device sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordChunkAccepted counts one buffered chunk of n bytes.
func (m *Metrics) RecordChunkAccepted(ctx context.Context, n int) {
	m.ChunksAccepted.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(n))
}

// RecordChunkDropped counts one discarded chunk.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBatch counts one settled batch with the given outcome.
func (m *Metrics) RecordBatch(ctx context.Context, outcome string) {
	m.Batches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRecognizerError counts one failed recogniser call.
func (m *Metrics) RecordRecognizerError(ctx context.Context, provider string) {
	m.RecognizerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
