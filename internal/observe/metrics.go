// Package observe provides observability primitives for scribelink:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// for the local status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so the status server can
// expose /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all scribelink metrics.
const meterName = "github.com/MrWong99/scribelink"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Histograms ---

	// HandshakeDuration tracks time from socket open to hello_ack.
	HandshakeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks status server request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ConnectAttempts counts dial attempts. Use with attribute:
	//   attribute.String("result", "ok"|"error")
	ConnectAttempts metric.Int64Counter

	// StateTransitions counts orchestrator transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// FramesSent counts audio frames written to the wire. Use with attribute:
	//   attribute.String("phase", "flush"|"live")
	FramesSent metric.Int64Counter

	// FramesBuffered counts frames parked in the handshake buffer.
	FramesBuffered metric.Int64Counter

	// BufferDrops counts frames evicted or rejected by the overflow policy.
	BufferDrops metric.Int64Counter

	// Bans counts server-imposed cooldowns. Use with attribute:
	//   attribute.String("reason", ...)
	Bans metric.Int64Counter

	// ServerErrors counts typed error events from the server. Use with attribute:
	//   attribute.String("kind", ...)
	ServerErrors metric.Int64Counter

	// Faults counts failure transitions. Use with attribute:
	//   attribute.String("kind", ...)
	Faults metric.Int64Counter

	// HeartbeatMisses counts unanswered liveness pings.
	HeartbeatMisses metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections is 1 while the connection is Ready, else 0.
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake round trips.
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
	if met.HandshakeDuration, err = m.Float64Histogram("scribelink.handshake.duration",
		metric.WithDescription("Time from socket open to handshake acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("scribelink.http.request.duration",
		metric.WithDescription("Status server request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ConnectAttempts, "scribelink.connect.attempts", "Dial attempts by result."},
		{&met.StateTransitions, "scribelink.state.transitions", "Connection state transitions by from and to state."},
		{&met.FramesSent, "scribelink.audio.frames_sent", "Audio frames written to the socket by phase."},
		{&met.FramesBuffered, "scribelink.audio.frames_buffered", "Audio frames held in the handshake buffer."},
		{&met.BufferDrops, "scribelink.audio.buffer_drops", "Audio frames dropped by the buffer overflow policy."},
		{&met.Bans, "scribelink.bans", "Server-imposed reconnection cooldowns by reason."},
		{&met.ServerErrors, "scribelink.server.errors", "Typed server error events by kind."},
		{&met.Faults, "scribelink.faults", "Failure transitions by kind."},
		{&met.HeartbeatMisses, "scribelink.heartbeat.misses", "Unanswered heartbeat pings."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("scribelink.active_connections",
		metric.WithDescription("Number of ready transcription connections (0 or 1)."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition records one state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordConnectAttempt records a dial attempt with its result.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ConnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordFramesSent records n frames written in the given phase.
func (m *Metrics) RecordFramesSent(ctx context.Context, phase string, n int) {
	if n <= 0 {
		return
	}
	m.FramesSent.Add(ctx, int64(n), metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordBan records a server-imposed cooldown.
func (m *Metrics) RecordBan(ctx context.Context, reason string) {
	m.Bans.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordServerError records one typed server error event.
func (m *Metrics) RecordServerError(ctx context.Context, kind string) {
	m.ServerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFault records one failure transition.
func (m *Metrics) RecordFault(ctx context.Context, kind string) {
	m.Faults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
