// Package session keeps the live conversations: each session owns a
// transcript and a mode controller, and idle sessions are swept on a
// schedule.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/szaher/aida/internal/mode"
	"github.com/szaher/aida/internal/orchestrator"
	"github.com/szaher/aida/internal/transcript"
)

// Session is one live conversation.
type Session struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	Transcript *transcript.Buffer
	Controller *mode.Controller

	mu         sync.Mutex
	lastActive time.Time
	warned     bool
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	State      string    `json:"state"`
	Turns      int       `json:"turns"`
}

// Info returns a snapshot of s.
func (s *Session) Info() Info {
	s.mu.Lock()
	last := s.lastActive
	s.mu.Unlock()
	return Info{
		ID:         s.ID,
		UserID:     s.UserID,
		CreatedAt:  s.CreatedAt,
		LastActive: last,
		State:      string(s.Controller.State()),
		Turns:      s.Transcript.Len(),
	}
}

// LastActive returns when the session last saw activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
	s.warned = false
}

// busy reports whether a turn or capture is in progress.
func (s *Session) busy() bool {
	switch s.Controller.State() {
	case mode.Listening, mode.Processing, mode.Responding:
		return true
	}
	return false
}

// Submit runs one typed message through the session's controller.
func (s *Session) Submit(ctx context.Context, text string) (*mode.Reply, error) {
	return s.Controller.Submit(ctx, text)
}

// ControllerFactory builds the controller for a new session. The registry
// passes extra options it needs, such as its fatal-error hook.
type ControllerFactory func(sess *orchestrator.Session, opts ...mode.Option) *mode.Controller
