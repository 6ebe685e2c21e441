// Package server exposes sessions over HTTP for text clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/szaher/aida/internal/auth"
	"github.com/szaher/aida/internal/mode"
	"github.com/szaher/aida/internal/session"
	"github.com/szaher/aida/internal/telemetry"
)

// Version is reported by /healthz.
var Version = "dev"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Sessions is the part of the session registry the server drives.
type Sessions interface {
	Open(ctx context.Context, userID string) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Submit(ctx context.Context, id, text string) (*mode.Reply, error)
	End(id string) error
	List() []session.Info
}

// Server is the HTTP surface over a session registry.
type Server struct {
	sessions  Sessions
	router    chi.Router
	server    *http.Server
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	auth      auth.Options
	limiter   *auth.Limiter
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKey sets the key clients must present.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.auth.APIKey = key }
}

// WithoutAuth disables authentication, for local use.
func WithoutAuth() Option {
	return func(s *Server) { s.auth.Disabled = true }
}

// WithRateLimit limits each client to perSecond requests with burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = auth.NewLimiter(perSecond, burst)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the router.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.auth.Public = []string{"/healthz", "/metrics"}
	s.auth.Limiter = s.limiter

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)
	r.Use(s.limiter.Middleware(auth.ClientIP))
	r.Use(auth.Middleware(s.auth))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.Handler())
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleOpenSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleEndSession)
			r.Post("/messages", s.handleMessage)
			r.Get("/transcript", s.handleTranscript)
		})
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server starting", "addr", addr, "auth", !s.auth.Disabled)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// requestLogger logs each request and carries the request ID as the
// correlation ID of everything the request triggers.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		ctx := telemetry.WithCorrelationID(r.Context(), reqID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.logger.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	auth.WriteError(w, status, code, message)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
