package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/aida/internal/events"
	"github.com/szaher/aida/internal/memory"
	"github.com/szaher/aida/internal/mode"
	"github.com/szaher/aida/internal/orchestrator"
	"github.com/szaher/aida/internal/telemetry"
	"github.com/szaher/aida/internal/transcript"
)

// Defaults.
const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultWarnAfter   = 250 * time.Second
	DefaultSweepEvery  = 30 * time.Second
)

var (
	// ErrNotFound is returned for unknown or already ended sessions.
	ErrNotFound = errors.New("session: not found")
	// ErrRegistryClosed is returned by Open after Stop.
	ErrRegistryClosed = errors.New("session: registry closed")
)

// Registry tracks live sessions. The mutex guards the map only; turns run
// under each session's own controller.
type Registry struct {
	factory ControllerFactory

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	idleTimeout time.Duration
	warnAfter   time.Duration
	sweepEvery  time.Duration
	maxTurns    int
	now         func() time.Time

	onEvict func(*Session)
	onWarn  func(*Session)

	scheduler *cron.Cron
	emitter   events.Emitter
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout sets how long a session may stay idle before eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithWarnAfter sets when the idle warning hook fires. Zero disables it.
func WithWarnAfter(d time.Duration) Option {
	return func(r *Registry) { r.warnAfter = d }
}

// WithSweepEvery sets the sweep interval used by Start.
func WithSweepEvery(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepEvery = d
		}
	}
}

// WithMaxTurns caps each session's transcript.
func WithMaxTurns(n int) Option {
	return func(r *Registry) { r.maxTurns = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// OnEvict registers a hook called after an idle session is evicted.
func OnEvict(fn func(*Session)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// OnIdleWarning registers a hook called once per idle stretch when a
// session passes the warning threshold.
func OnIdleWarning(fn func(*Session)) Option {
	return func(r *Registry) { r.onWarn = fn }
}

// WithEmitter sets the lifecycle event sink.
func WithEmitter(e events.Emitter) Option {
	return func(r *Registry) { r.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry.
func NewRegistry(factory ControllerFactory, opts ...Option) *Registry {
	r := &Registry{
		factory:     factory,
		sessions:    make(map[string]*Session),
		idleTimeout: DefaultIdleTimeout,
		warnAfter:   DefaultWarnAfter,
		sweepEvery:  DefaultSweepEvery,
		now:         time.Now,
		emitter:     events.NoopEmitter{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates a session for userID. An empty userID maps to the default
// user.
func (r *Registry) Open(ctx context.Context, userID string) (*Session, error) {
	userID = memory.NormalizeUserID(userID)
	now := r.now()

	var topts []transcript.Option
	if r.maxTurns > 0 {
		topts = append(topts, transcript.WithMaxTurns(r.maxTurns))
	}
	sess := &Session{
		ID:         newID(),
		UserID:     userID,
		CreatedAt:  now,
		Transcript: transcript.New(topts...),
		lastActive: now,
	}
	id := sess.ID
	sess.Controller = r.factory(
		&orchestrator.Session{ID: sess.ID, UserID: userID, Transcript: sess.Transcript},
		mode.OnFatal(func(err error) {
			telemetry.SessionLogger(r.logger, id).Error("session ended by fatal error", "error", err)
			_ = r.end(id, "fatal")
		}),
	)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sess.Controller.Close()
		return nil, ErrRegistryClosed
	}
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.metrics.SessionOpened()
	r.emitter.Emit(events.New(events.SessionOpened, sess.ID).
		WithCorrelation(telemetry.CorrelationID(ctx)).
		WithData("user_id", userID))
	telemetry.SessionLogger(r.logger, sess.ID).InfoContext(ctx, "session opened", "user_id", userID)
	return sess, nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// Touch records activity on the session.
func (r *Registry) Touch(id string) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	sess.touch(r.now())
	return nil
}

// Submit runs a typed message in session id, recording activity before and
// after the turn.
func (r *Registry) Submit(ctx context.Context, id, text string) (*mode.Reply, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	sess.touch(r.now())
	defer sess.touch(r.now())
	return sess.Submit(ctx, text)
}

// End closes the session and forgets it.
func (r *Registry) End(id string) error {
	return r.end(id, "ended")
}

func (r *Registry) end(id, reason string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sess.Controller.Close()
	r.metrics.SessionClosed(reason == "idle")
	r.emitter.Emit(events.New(events.SessionEnded, id).WithData("reason", reason))
	telemetry.SessionLogger(r.logger, id).Info("session ended", "reason", reason, "turns", sess.Transcript.Len())
	return nil
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle past the timeout and fires idle warnings. Busy
// sessions are skipped. It returns the number evicted.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	evicted := 0
	for _, s := range sessions {
		if s.busy() {
			continue
		}
		s.mu.Lock()
		idle := now.Sub(s.lastActive)
		warn := r.warnAfter > 0 && idle >= r.warnAfter && !s.warned && idle < r.idleTimeout
		if warn {
			s.warned = true
		}
		s.mu.Unlock()

		switch {
		case idle >= r.idleTimeout:
			if r.end(s.ID, "idle") == nil {
				evicted++
				if r.onEvict != nil {
					r.onEvict(s)
				}
			}
		case warn:
			telemetry.SessionLogger(r.logger, s.ID).Info("session idle", "idle", idle)
			r.emitter.Emit(events.New(events.SessionIdle, s.ID).WithData("idle_seconds", int(idle.Seconds())))
			if r.onWarn != nil {
				r.onWarn(s)
			}
		}
	}
	return evicted
}

// Start schedules Sweep.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduler != nil {
		return nil
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(r.logger.Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.sweepEvery), func() { r.Sweep() }); err != nil {
		return fmt.Errorf("session: schedule sweep: %w", err)
	}
	c.Start()
	r.scheduler = c
	return nil
}

// Stop halts the sweep and ends every session. It waits for a running sweep
// until ctx ends.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	scheduler := r.scheduler
	r.scheduler = nil
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, id := range ids {
		_ = r.end(id, "shutdown")
	}
	return nil
}
