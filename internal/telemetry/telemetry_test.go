package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "sk-live-123", "")

	logger.Info("calling provider with sk-live-123",
		"header", "Bearer sk-live-123",
		"error", errors.New("401 for key sk-live-123"),
		slog.Group("req", slog.String("auth", "sk-live-123")),
	)

	out := buf.String()
	if strings.Contains(out, "sk-live-123") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if strings.Count(out, redacted) != 4 {
		t.Errorf("expected 4 redactions, got output %s", out)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record written at warn level")
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected a single JSON record: %v", err)
	}
	if rec["msg"] != "shown" {
		t.Errorf("msg = %v", rec["msg"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	if CorrelationID(ctx) != "abc" {
		t.Errorf("CorrelationID = %q", CorrelationID(ctx))
	}

	generated := CorrelationID(WithCorrelationID(context.Background(), ""))
	if _, err := ulid.Parse(generated); err != nil {
		t.Errorf("generated id %q is not a ULID: %v", generated, err)
	}
	if CorrelationID(context.Background()) != "" {
		t.Error("expected empty correlation id on bare context")
	}
}

func TestSessionLogger(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, slog.LevelInfo)
	ctx := WithCorrelationID(context.Background(), "corr-1")

	logger := SessionLogger(base, "sess_1")
	logger.InfoContext(ctx, "turn")
	logger.Info("no context")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d records, want 2", len(lines))
	}
	var first, second map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if first["session_id"] != "sess_1" || first["correlation_id"] != "corr-1" {
		t.Errorf("missing session fields: %v", first)
	}
	if _, ok := second["correlation_id"]; ok || second["session_id"] != "sess_1" {
		t.Errorf("unexpected fields without context: %v", second)
	}
}

func TestCorrelationSurvivesRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "tok").With("component", "server")
	logger.InfoContext(WithCorrelationID(context.Background(), "req-9"), "using tok")

	out := buf.String()
	if !strings.Contains(out, `"correlation_id":"req-9"`) || strings.Contains(out, "using tok") {
		t.Errorf("unexpected record: %s", out)
	}
}

func TestRedactFilterRedactString(t *testing.T) {
	f := NewRedactFilter(slog.NewTextHandler(&bytes.Buffer{}, nil))
	f.AddSecret("secret-a")
	f.AddSecret("")

	got := f.RedactString("values: secret-a end")
	if got != "values: "+redacted+" end" {
		t.Errorf("got %q", got)
	}
}

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()
	m.RecordTurn("answer", 2, 150*time.Millisecond)
	m.RecordTurn("fallback", 5, time.Second)
	m.RecordToolCall("web_search", "ok", 10*time.Millisecond)
	m.RecordToolCall("web_search", "error", 10*time.Millisecond)
	m.RecordModelCall("ok", time.Millisecond, 100, 20)
	m.RecordMemoryQuery("unavailable")
	m.RecordMemoryWrite("dropped")
	m.RecordTransition("IDLE", "PROCESSING")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(true)

	if got := testutil.ToFloat64(m.turnsTotal.WithLabelValues("answer")); got != 1 {
		t.Errorf("turns{answer} = %v", got)
	}
	if got := testutil.ToFloat64(m.toolCallsTotal.WithLabelValues("web_search", "error")); got != 1 {
		t.Errorf("tool_calls{web_search,error} = %v", got)
	}
	if got := testutil.ToFloat64(m.tokensTotal.WithLabelValues("input")); got != 100 {
		t.Errorf("tokens{input} = %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Errorf("sessions_active = %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsEvicted); got != 1 {
		t.Errorf("sessions_evicted = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"aida_turns_total", "aida_memory_queries_total", "aida_mode_transitions_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTurn("answer", 1, time.Second)
	m.RecordToolCall("x", "ok", 0)
	m.RecordMemoryQuery("hit")
	m.SessionOpened()
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}

func TestTracerParentChild(t *testing.T) {
	var spans []Span
	tracer := NewTracer(SpanExporterFunc(func(s Span) { spans = append(spans, s) }))

	ctx, parent := tracer.StartSpan(context.Background(), "turn", TurnTags("sess_1", "u", "m"))
	_, child := tracer.StartSpan(ctx, "tool", ToolCallTags("web_search", "call-1"))
	tracer.EndSpan(child, "error")
	tracer.EndSpan(parent, "")

	if len(spans) != 2 {
		t.Fatalf("exported %d spans, want 2", len(spans))
	}
	if spans[0].TraceID != spans[1].TraceID || spans[0].ParentID != spans[1].SpanID {
		t.Errorf("child not linked to parent: %+v", spans)
	}
	if spans[0].Status != "error" || spans[1].Status != "ok" {
		t.Errorf("unexpected statuses %q %q", spans[0].Status, spans[1].Status)
	}
}

func TestLogExporter(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewTracer(LogExporter(NewLogger(&buf, slog.LevelDebug)))
	_, span := tracer.StartSpan(context.Background(), "model", ModelCallTags("m", 2, 180))
	span.Tag("stop_reason", "end_turn")
	tracer.EndSpan(span, "")

	for _, want := range []string{`"operation":"model"`, `"iteration":"2"`, `"prompt_tokens":"180"`, `"stop_reason":"end_turn"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("span log missing %s: %s", want, buf.String())
		}
	}
}

func TestSpanTraceFollowsCorrelation(t *testing.T) {
	var spans []Span
	tracer := NewTracer(SpanExporterFunc(func(s Span) { spans = append(spans, s) }))
	ctx := WithCorrelationID(context.Background(), "corr-7")

	ctx, turn := tracer.StartSpan(ctx, "turn", nil)
	if SpanFromContext(ctx) != turn {
		t.Fatal("span not stored in context")
	}
	_, tool := tracer.StartSpan(ctx, "tool.call", nil)
	tracer.EndSpan(tool, "")
	tracer.EndSpan(turn, "")

	for _, s := range spans {
		if s.TraceID != "corr-7" {
			t.Errorf("%s trace = %q, want corr-7", s.Operation, s.TraceID)
		}
	}
	if SpanFromContext(context.Background()) != nil {
		t.Error("bare context returned a span")
	}
}

func TestNilTracer(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.StartSpan(context.Background(), "turn", nil)
	span.Tag("k", "v")
	tracer.EndSpan(span, "error")
	if span.Status != "error" || span.Tags["k"] != "v" {
		t.Errorf("span = %+v", span)
	}

	var none *Span
	none.Tag("k", "v")
}
