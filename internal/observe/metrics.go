// Package observe provides application-wide observability primitives for
// Lectern: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Lectern metrics.
const meterName = "github.com/lectern-ai/lectern"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// StreamingASRDuration tracks streaming transcription latency per buffer.
	StreamingASRDuration metric.Float64Histogram

	// AccurateASRDuration tracks full-file re-transcription latency.
	AccurateASRDuration metric.Float64Histogram

	// DiarizationDuration tracks full-file diarization latency.
	DiarizationDuration metric.Float64Histogram

	// AlignmentDuration tracks alignment engine latency per meeting.
	AlignmentDuration metric.Float64Histogram

	// PostProcessDuration tracks end-to-end post-processing job latency.
	PostProcessDuration metric.Float64Histogram

	// --- Counters ---

	// FinalsCommitted counts committed finals. Use with attribute:
	//   attribute.String("reason", ...)
	FinalsCommitted metric.Int64Counter

	// PartialsEmitted counts partial transcription events sent to clients.
	PartialsEmitted metric.Int64Counter

	// DedupeDecisions counts deduper outcomes. Use with attribute:
	//   attribute.String("action", ...)
	DedupeDecisions metric.Int64Counter

	// --- Error and drop counters ---

	// DroppedAudioChunks counts audio queue overflow drops.
	DroppedAudioChunks metric.Int64Counter

	// InvalidFrames counts undecodable inbound frames.
	InvalidFrames metric.Int64Counter

	// BufferSampleDrops counts rolling-buffer samples evicted on overflow.
	BufferSampleDrops metric.Int64Counter

	// ASRErrors counts recogniser failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ASRErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// streaming path.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// jobBuckets defines bucket boundaries (in seconds) for the slow file-level
// stages of post-processing.
var jobBuckets = []float64{
	1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StreamingASRDuration, err = m.Float64Histogram("lectern.streaming_asr.duration",
		metric.WithDescription("Latency of streaming transcription per buffer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AccurateASRDuration, err = m.Float64Histogram("lectern.accurate_asr.duration",
		metric.WithDescription("Latency of full-file re-transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DiarizationDuration, err = m.Float64Histogram("lectern.diarization.duration",
		metric.WithDescription("Latency of full-file diarization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AlignmentDuration, err = m.Float64Histogram("lectern.alignment.duration",
		metric.WithDescription("Latency of speaker alignment per meeting."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PostProcessDuration, err = m.Float64Histogram("lectern.postprocess.duration",
		metric.WithDescription("End-to-end post-processing job latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FinalsCommitted, err = m.Int64Counter("lectern.finals.committed",
		metric.WithDescription("Total committed finals by trigger reason."),
	); err != nil {
		return nil, err
	}
	if met.PartialsEmitted, err = m.Int64Counter("lectern.partials.emitted",
		metric.WithDescription("Total partial transcription events sent to clients."),
	); err != nil {
		return nil, err
	}
	if met.DedupeDecisions, err = m.Int64Counter("lectern.dedupe.decisions",
		metric.WithDescription("Total deduper outcomes by action."),
	); err != nil {
		return nil, err
	}

	// Error and drop counters.
	if met.DroppedAudioChunks, err = m.Int64Counter("lectern.dropped_audio_chunks",
		metric.WithDescription("Audio chunks dropped on queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.InvalidFrames, err = m.Int64Counter("lectern.invalid_frames",
		metric.WithDescription("Inbound frames dropped due to decode errors."),
	); err != nil {
		return nil, err
	}
	if met.BufferSampleDrops, err = m.Int64Counter("lectern.buffer.sample_drops",
		metric.WithDescription("Rolling-buffer samples evicted on overflow."),
	); err != nil {
		return nil, err
	}
	if met.ASRErrors, err = m.Int64Counter("lectern.asr.errors",
		metric.WithDescription("Recogniser failures by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lectern.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lectern.http.request.duration",
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

// RecordFinal records a committed final with its trigger reason.
func (m *Metrics) RecordFinal(ctx context.Context, reason string) {
	m.FinalsCommitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordDedupe records one deduper outcome.
func (m *Metrics) RecordDedupe(ctx context.Context, action string) {
	m.DedupeDecisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordASRError records a recogniser failure.
func (m *Metrics) RecordASRError(ctx context.Context, provider, kind string) {
	m.ASRErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
