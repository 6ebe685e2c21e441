// Package telemetry provides logging, metrics and lightweight tracing for the
// assistant runtime.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
)

type correlationKey struct{}

// NewLogger returns a JSON logger writing to w (stdout when nil). Records
// logged through the *Context methods pick up the correlation ID carried by
// their context. Any secrets given are scrubbed before output.
func NewLogger(w io.Writer, level slog.Leveler, secrets ...string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	var h slog.Handler = correlationHandler{slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})}
	if len(secrets) > 0 {
		filter := NewRedactFilter(h)
		for _, s := range secrets {
			filter.AddSecret(s)
		}
		h = filter
	}
	return slog.New(h)
}

// correlationHandler stamps correlation_id onto records whose context has one.
type correlationHandler struct{ slog.Handler }

func (h correlationHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := CorrelationID(ctx); id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return correlationHandler{h.Handler.WithAttrs(attrs)}
}

func (h correlationHandler) WithGroup(name string) slog.Handler {
	return correlationHandler{h.Handler.WithGroup(name)}
}

// ParseLevel maps a configured level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("telemetry: unknown log level %q", name)
}

// WithCorrelationID tags ctx with id, minting a fresh ULID when id is empty.
// The ID follows a turn through logs, events and spans.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = ulid.Make().String()
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the ID attached by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// SessionLogger scopes logger to one conversation session.
func SessionLogger(logger *slog.Logger, sessionID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("session_id", sessionID))
}
