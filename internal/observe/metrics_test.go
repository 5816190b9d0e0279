package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
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

// sumWhere returns the value of the int64 sum data point whose attribute key
// equals value, and whether it was found.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value, true
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestHandshakeDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HandshakeDuration.Record(ctx, 0.042)
	m.HandshakeDuration.Record(ctx, 0.3)

	met := findMetric(collect(t, reader), "scribelink.handshake.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
		t.Errorf("data points = %+v, want one point with count 2", hist.DataPoints)
	}
}

func TestRecordTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "connecting", "awaiting_handshake_ack")
	m.RecordTransition(ctx, "awaiting_handshake_ack", "ready")
	m.RecordTransition(ctx, "reconnecting", "ready")

	rm := collect(t, reader)
	got, ok := sumWhere(t, rm, "scribelink.state.transitions", "to", "ready")
	if !ok || got != 2 {
		t.Errorf("transitions to ready = %d (found %v), want 2", got, ok)
	}
}

func TestLabelledCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnectAttempt(ctx, true)
	m.RecordConnectAttempt(ctx, false)
	m.RecordConnectAttempt(ctx, false)
	m.RecordFramesSent(ctx, "flush", 3)
	m.RecordFramesSent(ctx, "live", 1)
	m.RecordFramesSent(ctx, "live", 0)
	m.RecordBan(ctx, "BANNED")
	m.RecordServerError(ctx, "no_audio")
	m.RecordFault(ctx, "handshake_timeout")

	rm := collect(t, reader)
	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"scribelink.connect.attempts", "result", "error", 2},
		{"scribelink.connect.attempts", "result", "ok", 1},
		{"scribelink.audio.frames_sent", "phase", "flush", 3},
		{"scribelink.audio.frames_sent", "phase", "live", 1},
		{"scribelink.bans", "reason", "BANNED", 1},
		{"scribelink.server.errors", "kind", "no_audio", 1},
		{"scribelink.faults", "kind", "handshake_timeout", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name+"/"+tc.value, func(t *testing.T) {
			got, ok := sumWhere(t, rm, tc.name, tc.key, tc.value)
			if !ok {
				t.Fatalf("no data point with %s=%s", tc.key, tc.value)
			}
			if got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestPlainCountersAndGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesBuffered.Add(ctx, 5)
	m.BufferDrops.Add(ctx, 2)
	m.HeartbeatMisses.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, -1)
	m.ActiveConnections.Add(ctx, 1)

	rm := collect(t, reader)
	tests := []struct {
		name string
		want int64
	}{
		{"scribelink.audio.frames_buffered", 5},
		{"scribelink.audio.buffer_drops", 2},
		{"scribelink.heartbeat.misses", 1},
		{"scribelink.active_connections", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := sumWhere(t, rm, tc.name, "", "")
			if !ok || got != tc.want {
				t.Errorf("value = %d (found %v), want %d", got, ok, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
