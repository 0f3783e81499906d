// Package observe provides application-wide observability primitives for
// Voxline: OpenTelemetry metrics and the Prometheus exporter bridge.
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

// meterName is the instrumentation scope name used for all Voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionFlushDuration tracks the latency of one chunked-upload
	// transcription flush.
	TranscriptionFlushDuration metric.Float64Histogram

	// SpeechSegmentDuration tracks the length of detected speech segments,
	// voice start to voice end.
	SpeechSegmentDuration metric.Float64Histogram

	// --- Counters ---

	// VoiceSegments counts detected speech segments.
	VoiceSegments metric.Int64Counter

	// TranscriptSegments counts transcript segments by source and finality.
	// Use with attributes:
	//   attribute.String("source", ...), attribute.Bool("final", ...)
	TranscriptSegments metric.Int64Counter

	// ReconnectAttempts counts session reconnection attempts by outcome.
	// Use with attribute: attribute.String("status", ...)
	ReconnectAttempts metric.Int64Counter

	// --- Error counters ---

	// ErrorsRecovered counts errors whose recovery probe succeeded.
	ErrorsRecovered metric.Int64Counter

	// FallbacksActivated counts fallback capability activations. Use with
	// attributes:
	//   attribute.String("component", ...), attribute.String("capability", ...)
	FallbacksActivated metric.Int64Counter

	// --- Gauges ---

	// PlaybackQueueDepth tracks the number of queued, not-yet-played audio
	// chunks.
	PlaybackQueueDepth metric.Int64UpDownCounter
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
	if met.TranscriptionFlushDuration, err = m.Float64Histogram("voxline.transcription.flush.duration",
		metric.WithDescription("Latency of one chunked transcription flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechSegmentDuration, err = m.Float64Histogram("voxline.vad.segment.duration",
		metric.WithDescription("Length of detected speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.VoiceSegments, err = m.Int64Counter("voxline.vad.segments",
		metric.WithDescription("Total detected speech segments."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptSegments, err = m.Int64Counter("voxline.transcription.segments",
		metric.WithDescription("Total transcript segments by source and finality."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voxline.session.reconnects",
		metric.WithDescription("Total session reconnection attempts by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ErrorsRecovered, err = m.Int64Counter("voxline.recovery.recovered",
		metric.WithDescription("Total errors recovered by a probe."),
	); err != nil {
		return nil, err
	}
	if met.FallbacksActivated, err = m.Int64Counter("voxline.recovery.fallbacks",
		metric.WithDescription("Total fallback capability activations by component and capability."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("voxline.playback.queue_depth",
		metric.WithDescription("Number of queued, not-yet-played audio chunks."),
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

// RecordTranscriptSegment records one transcript segment with the standard
// attribute set.
func (m *Metrics) RecordTranscriptSegment(ctx context.Context, source string, final bool) {
	m.TranscriptSegments.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.Bool("final", final),
		),
	)
}

// RecordReconnectAttempt records one session reconnection attempt.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, status string) {
	m.ReconnectAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordFallbackActivated records one fallback capability activation.
func (m *Metrics) RecordFallbackActivated(ctx context.Context, component, capability string) {
	m.FallbacksActivated.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("capability", capability),
		),
	)
}
