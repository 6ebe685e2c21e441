package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/szaher/aida/internal/mode"
	"github.com/szaher/aida/internal/orchestrator"
	"github.com/szaher/aida/internal/session"
	"github.com/szaher/aida/internal/transcript"
)

type openRequest struct {
	UserID string `json:"user_id"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type toolCall struct {
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type messageResponse struct {
	SessionID  string     `json:"session_id"`
	Answer     string     `json:"answer"`
	Fallback   bool       `json:"fallback"`
	Iterations int        `json:"iterations"`
	ToolCalls  []toolCall `json:"tool_calls"`
	DurationMS int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

type transcriptResponse struct {
	SessionID string            `json:"session_id"`
	Turns     []transcript.Turn `json:"turns"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"sessions": len(s.sessions.List()),
		"version":  Version,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	sess, err := s.sessions.Open(r.Context(), req.UserID)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(chi.URLParam(r, "id")); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Turns: sess.Transcript.Turns()})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req messageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	reply, err := s.sessions.Submit(r.Context(), id, req.Message)
	if reply == nil {
		s.writeSessionError(w, err)
		return
	}

	resp := messageResponse{
		SessionID: id,
		Answer:    reply.Text,
		Fallback:  reply.Fallback,
		ToolCalls: []toolCall{},
	}
	if res := reply.Result; res != nil {
		resp.Iterations = res.Iterations
		resp.DurationMS = res.Duration.Milliseconds()
		for _, c := range res.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, toolCall{
				CallID:     c.CallID,
				ToolName:   c.ToolName,
				Status:     string(c.Status),
				Reason:     c.Reason,
				DurationMS: c.Duration.Milliseconds(),
			})
		}
	}
	if err != nil {
		resp.Error = errorCode(err)
		s.logger.Warn("turn degraded", "session_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeSessionError maps registry and turn errors that left the user
// without a reply.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrInput):
		writeError(w, http.StatusBadRequest, "invalid_input", "message must not be empty")
	case errors.Is(err, mode.ErrClosed):
		writeError(w, http.StatusGone, "session_closed", err.Error())
	case errors.Is(err, session.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "cancelled", "request cancelled")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrToolLoopExceeded):
		return "tool_loop_exceeded"
	case errors.Is(err, orchestrator.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, orchestrator.ErrFatalSession):
		return "fatal_session"
	}
	return "turn_failed"
}
