package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer swaps the global tracer provider for one recording into an
// in-memory exporter.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
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

func captureDefaultLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartSpeakerSpan(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartSpeakerSpan(context.Background(), "transcription.join", "standup", 42, "deepgram",
		attribute.Int("bytes", 640))
	if CorrelationID(ctx) == "" {
		t.Error("span context carries no trace id")
	}
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		got[kv.Key] = kv.Value
	}
	if got["room"].AsString() != "standup" || got["ssrc"].AsInt64() != 42 ||
		got["provider"].AsString() != "deepgram" || got["bytes"].AsInt64() != 640 {
		t.Errorf("attributes = %v", spans[0].Attributes)
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("status = %v, want unset", spans[0].Status.Code)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := installTracer(t)

	_, span := StartSpan(context.Background(), "transcription.fragment")
	EndSpan(span, errors.New("backend unavailable"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "backend unavailable" {
		t.Errorf("status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 || spans[0].Events[0].Name != "exception" {
		t.Errorf("events = %+v, want recorded exception", spans[0].Events)
	}
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q", got)
	}

	seen := map[string]bool{}
	for range 20 {
		ctx, span := StartSpan(context.Background(), "request")
		id := CorrelationID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("correlation id %q is not a 32 digit hex trace id", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation id %s", id)
		}
		seen[id] = true
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)

	t.Run("with span", func(t *testing.T) {
		buf := captureDefaultLog(t)
		ctx, span := StartSpan(context.Background(), "history")
		defer span.End()
		Logger(ctx).Info("reading history")
		if out := buf.String(); !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
			t.Errorf("log line missing trace ids: %s", out)
		}
	})

	t.Run("without span", func(t *testing.T) {
		buf := captureDefaultLog(t)
		Logger(context.Background()).Info("reading history")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log line has trace id without a span: %s", buf.String())
		}
	})
}
