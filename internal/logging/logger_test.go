package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q (%v)", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogEntry_FluentFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("dispatcher", &buf, LevelDebug)

	logger.Plain().
		WithTenant("tenant-1").
		WithConnector("conn-1").
		WithDelivery("del-1").
		WithEvent("evt-1").
		WithField("attempt", 2).
		WithError(errors.New("boom")).
		Warn("delivery failed")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	got := lines[0]
	want := map[string]string{
		"level":        "warn",
		"msg":          "delivery failed",
		"service":      "dispatcher",
		"tenant_id":    "tenant-1",
		"connector_id": "conn-1",
		"delivery_id":  "del-1",
		"event_id":     "evt-1",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %s = %v, want %q", k, got[k], v)
		}
	}
	fields, _ := got["fields"].(map[string]any)
	if fields["error"] != "boom" {
		t.Errorf("fields.error = %v, want boom", fields["error"])
	}
	if fields["attempt"] != float64(2) {
		t.Errorf("fields.attempt = %v, want 2", fields["attempt"])
	}
}

func TestLogger_MinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf, LevelWarn)

	logger.Plain().Debug("dropped")
	logger.Plain().Info("dropped")
	logger.Plain().Warn("kept")
	logger.Plain().Errorf("kept %d", 2)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[1]["msg"] != "kept 2" {
		t.Errorf("msg = %v, want %q", lines[1]["msg"], "kept 2")
	}
}

func TestLogger_EmptyFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf, LevelDebug).Plain().Info("hello")
	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("empty fields should be omitted: %s", buf.String())
	}
}

func TestLogger_WithContextTraceID(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	NewWithWriter("svc", &buf, LevelDebug).WithContext(ctx).Info("traced")

	lines := decodeLines(t, &buf)
	want := span.SpanContext().TraceID().String()
	if lines[0]["trace_id"] != want {
		t.Errorf("trace_id = %v, want %s", lines[0]["trace_id"], want)
	}
}

func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter("engine", &buf, LevelDebug)
	base.Named("engine-reporter").Plain().Info("x")

	lines := decodeLines(t, &buf)
	if lines[0]["service"] != "engine-reporter" {
		t.Errorf("service = %v, want engine-reporter", lines[0]["service"])
	}
}

func TestDiscard(t *testing.T) {
	// must not panic or write anywhere
	Discard().Plain().WithField("k", "v").Error("nothing")
}
