package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWith returns the value of the int64 sum data point carrying attribute
// key=value, or -1 when absent.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(Attr(key, "").Key); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordClip(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordClip(ctx, "device", "ok", 1500*time.Millisecond)
	m.RecordClip(ctx, "device", "ok", 500*time.Millisecond)
	m.RecordClip(ctx, "external", "failed", time.Second)

	rm := collect(t, reader)
	if got := sumWith(t, rm, "parley.playback.clips", "status", "ok"); got != 2 {
		t.Errorf("ok clips = %d, want 2", got)
	}
	if got := sumWith(t, rm, "parley.playback.clips", "status", "failed"); got != 1 {
		t.Errorf("failed clips = %d, want 1", got)
	}

	met := findMetric(rm, "parley.playback.clip.duration")
	if met == nil {
		t.Fatal("duration histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("duration samples = %d, want 3", count)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlaybackFallback(ctx, "device")
	m.RecordCaptureCycle(ctx, "no_speech")
	m.RecordCaptureCycle(ctx, "no_speech")
	m.RecordUtterance(ctx, "voice", "dropped_barge_in")
	m.RecordSessionMismatch(ctx, "agent-audio")
	m.RecordChannelEvent(ctx, "out", "user-utterance")
	m.RecordReconnect(ctx, "ok")

	rm := collect(t, reader)
	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"parley.playback.fallbacks", "strategy", "device", 1},
		{"parley.capture.cycles", "outcome", "no_speech", 2},
		{"parley.turn.utterances", "outcome", "dropped_barge_in", 1},
		{"parley.session.mismatches", "event", "agent-audio", 1},
		{"parley.channel.events", "event", "user-utterance", 1},
		{"parley.channel.reconnects", "status", "ok", 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric, func(t *testing.T) {
			if got := sumWith(t, rm, tc.metric, tc.key, tc.value); got != tc.want {
				t.Errorf("%s{%s=%s} = %d, want %d", tc.metric, tc.key, tc.value, got, tc.want)
			}
		})
	}
}

func TestQueueDepthIsAdditive(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.QueueDepth.Add(ctx, 3)
	m.QueueDepth.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.playback.queue_depth")
	if met == nil {
		t.Fatal("queue depth not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("queue depth = %d, want 2", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
