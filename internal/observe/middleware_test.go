package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// statusServer mirrors the app's status mux behind the middleware and
// installs an in-memory span exporter as the global tracer provider.
func statusServer(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Trace", CorrelationID(r.Context()))
		_, _ = w.Write([]byte(`{"state":"ready"}`))
	})
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// durationSamples returns the request duration sample count per
// route/status pair.
func durationSamples(t *testing.T, reader *sdkmetric.ManualReader) map[[2]string]uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "scribelink.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("request duration is %T, want histogram", met.Data)
	}
	out := make(map[[2]string]uint64)
	for _, dp := range hist.DataPoints {
		rt, _ := dp.Attributes.Value(attribute.Key("route"))
		st, _ := dp.Attributes.Value(attribute.Key("status"))
		out[[2]string{rt.AsString(), st.AsString()}] += dp.Count
	}
	return out
}

func TestMiddleware_LabelsByRouteAndStatus(t *testing.T) {
	h, reader, _ := statusServer(t)

	serve(h, "/healthz", nil)
	serve(h, "/healthz", nil)
	serve(h, "/readyz", nil)
	serve(h, "/no/such/path", nil)
	serve(h, "/another/stray", nil)

	got := durationSamples(t, reader)
	want := map[[2]string]uint64{
		{"GET /healthz", "200"}: 2,
		{"GET /readyz", "503"}:  1,
		{unmatchedRoute, "404"}: 2,
	}
	if len(got) != len(want) {
		t.Errorf("series = %v, want %v", got, want)
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("samples for %v = %d, want %d", k, got[k], n)
		}
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	h, _, exp := statusServer(t)

	serve(h, "/readyz", nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "status GET /readyz" {
		t.Errorf("span name = %q", s.Name)
	}
	attrs := map[string]attribute.Value{}
	for _, kv := range s.Attributes {
		attrs[string(kv.Key)] = kv.Value
	}
	if v := attrs["http.response.status_code"]; v.AsInt64() != http.StatusServiceUnavailable {
		t.Errorf("status_code attribute = %v", v.Emit())
	}
	if v := attrs["http.route"]; v.AsString() != "GET /readyz" {
		t.Errorf("http.route attribute = %q", v.AsString())
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	h, _, _ := statusServer(t)

	t.Run("new trace", func(t *testing.T) {
		rec := serve(h, "/state", nil)
		cid := rec.Header().Get("X-Correlation-ID")
		if len(cid) != 32 {
			t.Fatalf("X-Correlation-ID = %q, want a 32-char trace id", cid)
		}
		if seen := rec.Header().Get("X-Seen-Trace"); seen != cid {
			t.Errorf("handler saw trace %q, response carries %q", seen, cid)
		}
	})

	t.Run("continues incoming trace", func(t *testing.T) {
		rec := serve(h, "/state", http.Header{
			"Traceparent": {"00-" + incomingTraceID + "-00f067aa0ba902b7-01"},
		})
		if got := rec.Header().Get("X-Correlation-ID"); got != incomingTraceID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, incomingTraceID)
		}
		if got := rec.Header().Get("X-Seen-Trace"); got != incomingTraceID {
			t.Errorf("handler saw trace %q, want %q", got, incomingTraceID)
		}
		if tp := rec.Header().Get("Traceparent"); !strings.Contains(tp, incomingTraceID) {
			t.Errorf("traceparent not injected into response: %q", tp)
		}
	})
}

func TestMiddleware_ProbeLogLevels(t *testing.T) {
	h, _, _ := statusServer(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	serve(h, "/healthz", nil)
	if buf.Len() != 0 {
		t.Errorf("healthy probe logged at info: %s", buf.String())
	}

	serve(h, "/readyz", nil)
	if !strings.Contains(buf.String(), "status=503") {
		t.Errorf("failing probe not logged: %s", buf.String())
	}

	buf.Reset()
	serve(h, "/state", nil)
	if !strings.Contains(buf.String(), "path=/state") {
		t.Errorf("state request not logged: %s", buf.String())
	}
}
