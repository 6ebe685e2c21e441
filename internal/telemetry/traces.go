package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// Span times one step of a turn: the turn itself, a model call, or a tool
// call. Spans started under a context carrying a correlation ID use it as
// their trace ID, so a trace lines up with the turn's log records.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	Duration  time.Duration     `json:"duration_ms,omitempty"`
	Status    string            `json:"status"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Tag records an attribute discovered while the span is open. A span belongs
// to the goroutine that started it.
func (s *Span) Tag(key, value string) {
	if s == nil {
		return
	}
	if s.Tags == nil {
		s.Tags = make(map[string]string)
	}
	s.Tags[key] = value
}

// SpanExporter receives finished spans.
type SpanExporter interface {
	ExportSpan(span Span)
}

// SpanExporterFunc adapts a function to SpanExporter.
type SpanExporterFunc func(span Span)

// ExportSpan calls f.
func (f SpanExporterFunc) ExportSpan(span Span) { f(span) }

// LogExporter writes finished spans to logger at debug level.
func LogExporter(logger *slog.Logger) SpanExporter {
	return SpanExporterFunc(func(span Span) {
		attrs := make([]slog.Attr, 0, 6+len(span.Tags))
		attrs = append(attrs,
			slog.String("trace_id", span.TraceID),
			slog.String("span_id", span.SpanID),
			slog.String("operation", span.Operation),
			slog.String("status", span.Status),
			slog.Int64("duration_ms", span.Duration.Milliseconds()),
		)
		if span.ParentID != "" {
			attrs = append(attrs, slog.String("parent_id", span.ParentID))
		}
		for k, v := range span.Tags {
			attrs = append(attrs, slog.String(k, v))
		}
		logger.LogAttrs(context.Background(), slog.LevelDebug, "span", attrs...)
	})
}

// Tracer hands out spans and forwards finished ones to an exporter. A nil
// Tracer still produces spans; they are simply never exported.
type Tracer struct {
	exporter SpanExporter
	now      func() time.Time
}

// NewTracer returns a tracer exporting to exporter, which may be nil.
func NewTracer(exporter SpanExporter) *Tracer {
	return &Tracer{exporter: exporter, now: time.Now}
}

type spanKey struct{}

// SpanFromContext returns the innermost open span in ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// StartSpan opens a span as a child of the span in ctx, if any.
func (t *Tracer) StartSpan(ctx context.Context, operation string, tags map[string]string) (context.Context, *Span) {
	span := &Span{
		SpanID:    ulid.Make().String(),
		Operation: operation,
		StartTime: t.clock(),
		Status:    "ok",
		Tags:      tags,
	}
	switch parent := SpanFromContext(ctx); {
	case parent != nil:
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	case CorrelationID(ctx) != "":
		span.TraceID = CorrelationID(ctx)
	default:
		span.TraceID = ulid.Make().String()
	}
	return context.WithValue(ctx, spanKey{}, span), span
}

// EndSpan closes span with status ("" keeps "ok") and exports it.
func (t *Tracer) EndSpan(span *Span, status string) {
	span.Duration = t.clock().Sub(span.StartTime)
	if status != "" {
		span.Status = status
	}
	if t != nil && t.exporter != nil {
		t.exporter.ExportSpan(*span)
	}
}

func (t *Tracer) clock() time.Time {
	if t == nil || t.now == nil {
		return time.Now()
	}
	return t.now()
}

// TurnTags tags a turn span.
func TurnTags(sessionID, userID, model string) map[string]string {
	return map[string]string{"session_id": sessionID, "user_id": userID, "model": model}
}

// ModelCallTags tags a model call span with the loop iteration and the
// estimated prompt size in tokens.
func ModelCallTags(model string, iteration, promptTokens int) map[string]string {
	return map[string]string{
		"model":         model,
		"iteration":     strconv.Itoa(iteration),
		"prompt_tokens": strconv.Itoa(promptTokens),
	}
}

// ToolCallTags tags a tool call span.
func ToolCallTags(tool, callID string) map[string]string {
	return map[string]string{"tool": tool, "call_id": callID}
}
