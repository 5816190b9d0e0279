package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordSpans installs an in-memory exporter as the global tracer provider
// for the duration of the test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog redirects the default logger into a buffer.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartHandshakeSpan_RecordsOutcome(t *testing.T) {
	exp := recordSpans(t)

	_, ok := StartHandshakeSpan(context.Background(), "attempt-1", "wss://stt.example.com/ws")
	EndSpan(ok, nil)
	_, failed := StartHandshakeSpan(context.Background(), "attempt-2", "wss://stt.example.com/ws")
	EndSpan(failed, errors.New("handshake timeout"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "scribelink.handshake" || spans[0].SpanKind != trace.SpanKindClient {
		t.Errorf("span = %q kind %v", spans[0].Name, spans[0].SpanKind)
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("successful span status = %v", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || len(spans[1].Events) == 0 {
		t.Errorf("failed span status = %v, events = %d", spans[1].Status.Code, len(spans[1].Events))
	}
	attrs := map[string]string{}
	for _, a := range spans[1].Attributes {
		attrs[string(a.Key)] = a.Value.AsString()
	}
	if attrs["scribelink.attempt_id"] != "attempt-2" {
		t.Errorf("attempt id = %q", attrs["scribelink.attempt_id"])
	}
	if attrs["server.address"] != "wss://stt.example.com/ws" {
		t.Errorf("server.address = %q", attrs["server.address"])
	}
}

func TestLogger_CarriesHandshakeTrace(t *testing.T) {
	recordSpans(t)
	buf := captureLog(t)

	ctx, span := StartHandshakeSpan(context.Background(), "attempt-9", "ws://localhost:8000/ws")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Fatalf("CorrelationID = %q, want 32 hex chars", cid)
	}

	Logger(ctx).With("attempt_id", "attempt-9").Info("orchestrator: state changed")
	line := buf.String()
	for _, want := range []string{"trace_id=" + cid, "span_id=" + span.SpanContext().SpanID().String(), "attempt_id=attempt-9"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %q: %s", want, line)
		}
	}
}

func TestLogger_WithoutSpan(t *testing.T) {
	buf := captureLog(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
	Logger(context.Background()).Info("orchestrator: stopped")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log line without a span carries trace_id: %s", buf.String())
	}
}
