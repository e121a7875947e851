// Package observe provides parley's observability primitives: OpenTelemetry
// metrics and traces, trace-aware logging, and the HTTP middleware used by
// the debug server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed in
// Prometheus text format by [Telemetry.MetricsHandler]. Components default to
// [DefaultMetrics]; tests should build their own instance with [NewMetrics]
// and a manual reader to avoid cross-test pollution.
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

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Playback ---

	// ClipsPlayed counts finished clips. Attributes: strategy, status (ok|failed).
	ClipsPlayed metric.Int64Counter

	// ClipDuration tracks wall time from clip start to clip end.
	ClipDuration metric.Float64Histogram

	// PlaybackFallbacks counts clips handed from a failing strategy to the
	// fallback. Attribute: strategy (the one that failed).
	PlaybackFallbacks metric.Int64Counter

	// QueueDepth tracks clips pending or playing.
	QueueDepth metric.Int64UpDownCounter

	// --- Capture ---

	// CaptureCycles counts ended capture cycles. Attribute: outcome
	// (utterance|noise|command|no_speech|no_audio|error|stopped).
	CaptureCycles metric.Int64Counter

	// CaptureRestarts counts automatic restarts of the listening loop.
	CaptureRestarts metric.Int64Counter

	// RecognitionLatency tracks time from cycle start to the first final
	// transcript.
	RecognitionLatency metric.Float64Histogram

	// --- Turn taking ---

	// Utterances counts user utterances. Attributes: source (voice|text),
	// outcome (forwarded|dropped_barge_in|no_session).
	Utterances metric.Int64Counter

	// SessionMismatches counts inbound events dropped by the session filter.
	// Attribute: event.
	SessionMismatches metric.Int64Counter

	// --- Channel ---

	// ChannelEvents counts duplex events. Attributes: direction (in|out), event.
	ChannelEvents metric.Int64Counter

	// ChannelReconnects counts reconnection attempts. Attribute: status.
	ChannelReconnects metric.Int64Counter

	// ProvisionDuration tracks session provisioning round trips.
	ProvisionDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks debug server request time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// speech clips and recognition round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ClipsPlayed, err = m.Int64Counter("parley.playback.clips",
		metric.WithDescription("Finished audio clips by strategy and status."),
	); err != nil {
		return nil, err
	}
	if met.ClipDuration, err = m.Float64Histogram("parley.playback.clip.duration",
		metric.WithDescription("Wall time spent playing a clip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFallbacks, err = m.Int64Counter("parley.playback.fallbacks",
		metric.WithDescription("Clips retried on the fallback strategy."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("parley.playback.queue_depth",
		metric.WithDescription("Clips pending or playing."),
	); err != nil {
		return nil, err
	}

	if met.CaptureCycles, err = m.Int64Counter("parley.capture.cycles",
		metric.WithDescription("Ended capture cycles by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CaptureRestarts, err = m.Int64Counter("parley.capture.restarts",
		metric.WithDescription("Automatic restarts of the listening loop."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionLatency, err = m.Float64Histogram("parley.capture.recognition.duration",
		metric.WithDescription("Time from capture start to the first final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Utterances, err = m.Int64Counter("parley.turn.utterances",
		metric.WithDescription("User utterances by source and outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionMismatches, err = m.Int64Counter("parley.session.mismatches",
		metric.WithDescription("Inbound events dropped because they belong to another session."),
	); err != nil {
		return nil, err
	}

	if met.ChannelEvents, err = m.Int64Counter("parley.channel.events",
		metric.WithDescription("Duplex channel events by direction and name."),
	); err != nil {
		return nil, err
	}
	if met.ChannelReconnects, err = m.Int64Counter("parley.channel.reconnects",
		metric.WithDescription("Channel reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ProvisionDuration, err = m.Float64Histogram("parley.provision.duration",
		metric.WithDescription("Latency of session provisioning requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("Debug server request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Because the global provider
// delegates, instruments created before [InitProvider] still report once it
// runs. Panics if instrument creation fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordClip records a finished clip.
func (m *Metrics) RecordClip(ctx context.Context, strategy, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("strategy", strategy), Attr("status", status))
	m.ClipsPlayed.Add(ctx, 1, attrs)
	m.ClipDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("strategy", strategy)))
}

// RecordPlaybackFallback records a clip handed to the fallback strategy.
func (m *Metrics) RecordPlaybackFallback(ctx context.Context, failed string) {
	m.PlaybackFallbacks.Add(ctx, 1, metric.WithAttributes(Attr("strategy", failed)))
}

// RecordCaptureCycle records how a capture cycle ended.
func (m *Metrics) RecordCaptureCycle(ctx context.Context, outcome string) {
	m.CaptureCycles.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordUtterance records a user utterance and what happened to it.
func (m *Metrics) RecordUtterance(ctx context.Context, source, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(Attr("source", source), Attr("outcome", outcome)))
}

// RecordSessionMismatch records an event dropped by the session filter.
func (m *Metrics) RecordSessionMismatch(ctx context.Context, event string) {
	m.SessionMismatches.Add(ctx, 1, metric.WithAttributes(Attr("event", event)))
}

// RecordChannelEvent records one inbound or outbound duplex event.
func (m *Metrics) RecordChannelEvent(ctx context.Context, direction, event string) {
	m.ChannelEvents.Add(ctx, 1, metric.WithAttributes(Attr("direction", direction), Attr("event", event)))
}

// RecordReconnect records a reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.ChannelReconnects.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}
