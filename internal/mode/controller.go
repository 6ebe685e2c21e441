// Package mode gates which utterances enter the orchestration loop. A
// Controller owns one session's state machine, serializes its turns and
// delivers answers by speech or text.
package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/szaher/aida/internal/events"
	"github.com/szaher/aida/internal/orchestrator"
	"github.com/szaher/aida/internal/speech"
	"github.com/szaher/aida/internal/telemetry"
	"github.com/szaher/aida/internal/transcript"
)

// Defaults.
const (
	DefaultGreeting      = "Listening now, tell me how I can assist."
	DefaultListenTimeout = 10 * time.Second
)

// ErrClosed is returned by Submit after the controller has been closed.
var ErrClosed = errors.New("mode: controller closed")

// WakeDetector signals wake-word detections. The channel closes when the
// detector stops.
type WakeDetector interface {
	Wake() <-chan struct{}
}

// Transcriber captures one utterance. The returned channel is closed when
// capture ends.
type Transcriber interface {
	Listen(ctx context.Context) (<-chan speech.Transcript, error)
}

// Speaker voices an answer.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Printer shows an answer as text.
type Printer interface {
	Print(text string)
}

// Runner executes one turn.
type Runner interface {
	Run(ctx context.Context, sess *orchestrator.Session, utterance string) (*orchestrator.Result, error)
}

// Reply is what the user received for one utterance.
type Reply struct {
	Text     string               `json:"answer"`
	Fallback bool                 `json:"fallback"`
	Spoken   bool                 `json:"spoken"`
	Result   *orchestrator.Result `json:"-"`
}

// Controller is the per-session mode state machine.
type Controller struct {
	runner  Runner
	session *orchestrator.Session

	slot   chan struct{}
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	closed bool

	speaker       Speaker
	printer       Printer
	greeting      string
	listenTimeout time.Duration
	onTransition  func(from, to State)
	onFatal       func(err error)

	emitter events.Emitter
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithSpeaker enables spoken delivery.
func WithSpeaker(s Speaker) Option {
	return func(c *Controller) { c.speaker = s }
}

// WithPrinter enables text delivery.
func WithPrinter(p Printer) Option {
	return func(c *Controller) { c.printer = p }
}

// WithGreeting sets the prompt spoken after a wake word. Empty disables it.
func WithGreeting(text string) Option {
	return func(c *Controller) { c.greeting = text }
}

// WithListenTimeout bounds utterance capture after a wake word.
func WithListenTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.listenTimeout = d
		}
	}
}

// OnTransition registers a hook called after every state change.
func OnTransition(fn func(from, to State)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// OnFatal registers a hook called when a turn fails with a fatal session
// error, after the controller has closed.
func OnFatal(fn func(err error)) Option {
	return func(c *Controller) { c.onFatal = fn }
}

// WithEmitter sets the lifecycle event sink.
func WithEmitter(e events.Emitter) Option {
	return func(c *Controller) { c.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates a controller in Idle for sess.
func New(runner Runner, sess *orchestrator.Session, opts ...Option) *Controller {
	c := &Controller{
		runner:        runner,
		session:       sess,
		slot:          make(chan struct{}, 1),
		state:         Idle,
		greeting:      DefaultGreeting,
		listenTimeout: DefaultListenTimeout,
		emitter:       events.NoopEmitter{},
		logger:        slog.Default(),
	}
	c.base, c.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	c.logger = telemetry.SessionLogger(c.logger, sess.ID)
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the controlled session.
func (c *Controller) Session() *orchestrator.Session { return c.session }

// Close aborts any running turn and returns the controller to Idle. Later
// Submit calls fail with ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.transition(Idle)
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// transition moves to the target state and reports whether the controller
// is now in it. A closed controller only ever moves back to Idle.
func (c *Controller) transition(to State) bool {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return true
	}
	if c.closed && to != Idle {
		c.mu.Unlock()
		return false
	}
	if !CanTransition(from, to) {
		c.mu.Unlock()
		c.logger.Error("illegal mode transition ignored", "from", from, "to", to)
		return false
	}
	c.state = to
	hook := c.onTransition
	c.mu.Unlock()

	c.logger.Debug("mode transition", "from", from, "to", to)
	c.metrics.RecordTransition(string(from), string(to))
	c.emitter.Emit(events.New(events.ModeTransition, c.session.ID).
		WithData("from", string(from)).
		WithData("to", string(to)))
	if hook != nil {
		hook(from, to)
	}
	return true
}

// acquire takes the session's processing slot. A closed controller never
// hands it out, even when the slot is free.
func (c *Controller) acquire(ctx context.Context) error {
	select {
	case <-c.base.Done():
		return ErrClosed
	default:
	}
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.base.Done():
		return ErrClosed
	}
}

func (c *Controller) release() { <-c.slot }

// Submit runs one typed utterance. Concurrent callers wait for the slot.
// An empty message is rejected with orchestrator.ErrInput and appends
// nothing.
func (c *Controller) Submit(ctx context.Context, text string) (*Reply, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.reject("empty message")
		return nil, fmt.Errorf("mode: empty message: %w", orchestrator.ErrInput)
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	if !c.transition(Processing) {
		return nil, ErrClosed
	}
	reply, err := c.process(ctx, text)
	c.transition(Idle)
	return reply, err
}

// RunVoice drives the wake → listen → process → respond cycle until ctx
// ends, the detector stops or the controller closes. It returns to Idle.
func (c *Controller) RunVoice(ctx context.Context, wake WakeDetector, stt Transcriber) error {
	if c.isClosed() {
		return ErrClosed
	}
	defer c.transition(Idle)
	c.transition(AwaitingWake)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.base.Done():
			return nil
		case _, ok := <-wake.Wake():
			if !ok {
				return nil
			}
		}

		c.transition(Listening)
		if c.greeting != "" {
			c.deliver(ctx, c.greeting)
		}
		text := c.listen(ctx, stt)
		if c.isClosed() {
			return nil
		}
		if text == "" {
			c.reject("no speech captured")
			c.transition(AwaitingWake)
			continue
		}

		if err := c.acquire(ctx); err != nil {
			return nil
		}
		if !c.transition(Processing) {
			c.release()
			return nil
		}
		_, err := c.process(ctx, text)
		c.release()
		switch {
		case errors.Is(err, orchestrator.ErrFatalSession):
			return err
		case errors.Is(err, context.Canceled) && !orchestrator.Terminal(err), c.isClosed():
			return nil
		}
		c.transition(AwaitingWake)
	}
}

// listen returns the first non-empty final transcript, or "" when capture
// ends without one. Closing the controller ends capture.
func (c *Controller) listen(ctx context.Context, stt Transcriber) string {
	lctx, cancel := context.WithTimeout(ctx, c.listenTimeout)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()
	ch, err := stt.Listen(lctx)
	if err != nil {
		c.logger.Warn("speech capture failed", "error", err)
		return ""
	}
loop:
	for {
		select {
		case <-lctx.Done():
			break loop
		case tr, ok := <-ch:
			if !ok {
				break loop
			}
			if !tr.Final {
				c.logger.Debug("partial transcript", "text", tr.Text)
				continue
			}
			if text := strings.TrimSpace(tr.Text); text != "" {
				return text
			}
		}
	}
	if lctx.Err() != nil && ctx.Err() == nil && c.base.Err() == nil {
		c.logger.Info("listening window closed without speech", "timeout", c.listenTimeout)
	}
	return ""
}

func (c *Controller) reject(reason string) {
	c.logger.Info("utterance rejected", "reason", reason)
	c.emitter.Emit(events.New(events.UtteranceRejected, c.session.ID).WithData("reason", reason))
}

// process runs the turn and delivers whatever the user should hear. The
// caller holds the slot and has moved to Processing. Every error except
// cancellation comes with a delivered reply.
func (c *Controller) process(ctx context.Context, text string) (*Reply, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()

	if telemetry.CorrelationID(ctx) == "" {
		ctx = telemetry.WithCorrelationID(ctx, "")
	}
	res, err := c.run(ctx, text)

	switch {
	case err == nil:
		c.emitter.Emit(events.New(events.TurnCompleted, c.session.ID).
			WithCorrelation(telemetry.CorrelationID(ctx)).
			WithData("iterations", res.Iterations).
			WithData("tool_calls", len(res.ToolCalls)))
	case errors.Is(err, context.Canceled) && !orchestrator.Terminal(err):
		c.logger.Info("turn cancelled")
		return nil, err
	default:
		c.emitter.Emit(events.New(events.TurnFailed, c.session.ID).
			WithCorrelation(telemetry.CorrelationID(ctx)).
			WithData("error", err.Error()))
		if res == nil || res.Answer == "" {
			res = &orchestrator.Result{Answer: orchestrator.ApologyMessage, Fallback: true}
		}
	}

	c.transition(Responding)
	reply := &Reply{Text: res.Answer, Fallback: res.Fallback, Result: res}
	reply.Spoken = c.deliver(ctx, res.Answer)

	if errors.Is(err, orchestrator.ErrFatalSession) {
		c.logger.Error("fatal session error", "error", err)
		c.mu.Lock()
		c.closed = true
		hook := c.onFatal
		c.mu.Unlock()
		c.cancel()
		if hook != nil {
			hook(err)
		}
		return reply, err
	}
	return reply, err
}

// run calls the runner. A panic ends the turn like a model failure: the
// apology is recorded so the utterance keeps an answer in the transcript,
// and the session stays usable.
func (c *Controller) run(ctx context.Context, text string) (res *orchestrator.Result, err error) {
	mark := c.session.Transcript.Mark()
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("turn panicked", "panic", p)
			c.recordApology(mark, text)
			res = &orchestrator.Result{Answer: orchestrator.ApologyMessage, Fallback: true}
			err = fmt.Errorf("mode: turn panicked: %v: %w", p, orchestrator.ErrModelUnavailable)
		}
	}()
	return c.runner.Run(ctx, c.session, text)
}

// recordApology closes an interrupted turn in the transcript.
func (c *Controller) recordApology(mark int, text string) {
	buf := c.session.Transcript
	turns := buf.Since(mark)
	if len(turns) == 0 {
		buf.Append(transcript.Turn{Role: transcript.RoleUser, Content: text})
	} else if turns[len(turns)-1].Role == transcript.RoleAssistant {
		return
	}
	buf.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: orchestrator.ApologyMessage})
}

// deliver speaks and prints text. A speech failure leaves text delivery in
// place; it reports whether the text was spoken.
func (c *Controller) deliver(ctx context.Context, text string) bool {
	spoken := false
	if c.speaker != nil {
		if err := c.speaker.Speak(ctx, text); err != nil {
			c.logger.Warn("speech delivery failed, falling back to text", "error", err)
			c.emitter.Emit(events.New(events.DeliveryDegraded, c.session.ID).WithData("error", err.Error()))
		} else {
			spoken = true
		}
	}
	if c.printer != nil {
		c.printer.Print(text)
	}
	return spoken
}
