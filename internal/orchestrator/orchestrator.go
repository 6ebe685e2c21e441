// Package orchestrator runs one conversational turn: it assembles context,
// calls the model, dispatches requested tools and repeats until the model
// answers or the iteration limit is reached.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/szaher/aida/internal/assembler"
	"github.com/szaher/aida/internal/expr"
	"github.com/szaher/aida/internal/llm"
	"github.com/szaher/aida/internal/memory"
	"github.com/szaher/aida/internal/telemetry"
	"github.com/szaher/aida/internal/tools"
	"github.com/szaher/aida/internal/transcript"
)

// Defaults.
const (
	DefaultMaxIterations = 5
	DefaultMaxTokens     = 1024
)

// Turn outcomes reported to metrics and spans.
const (
	outcomeAnswer    = "answer"
	outcomeToolLoop  = "tool_loop_exceeded"
	outcomeModel     = "model_unavailable"
	outcomeCancelled = "cancelled"
	outcomeInput     = "input_error"
	outcomeFatal     = "fatal"
)

// ToolDispatcher is the part of the tool registry the loop uses.
type ToolDispatcher interface {
	Definitions() []llm.ToolDefinition
	DispatchAll(ctx context.Context, calls []llm.ToolCall) []tools.Result
}

// MemoryWriter persists salient exchanges. Write must not block.
type MemoryWriter interface {
	Write(text, userID string) bool
}

// Session is the conversation a turn belongs to.
type Session struct {
	ID         string
	UserID     string
	Transcript *transcript.Buffer
}

// Result is the outcome of one turn. On ErrModelUnavailable and
// ErrToolLoopExceeded it carries the user-visible message with Fallback set.
type Result struct {
	Answer     string         `json:"answer"`
	Fallback   bool           `json:"fallback"`
	Iterations int            `json:"iterations"`
	ToolCalls  []tools.Result `json:"tool_calls,omitempty"`
	Usage      llm.TokenUsage `json:"usage"`
	Duration   time.Duration  `json:"duration"`
	Remembered bool           `json:"remembered"`
}

// Orchestrator runs turns. It is safe for concurrent use across sessions;
// callers serialize turns within a session.
type Orchestrator struct {
	client    llm.Client
	assembler *assembler.Assembler
	tools     ToolDispatcher
	memory    MemoryWriter
	salience  *expr.Policy

	model         string
	systemPrompt  string
	maxTokens     int
	temperature   *float64
	maxIterations int
	turnTimeout   time.Duration

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithModel sets the model name sent with each request.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = &t }
}

// WithMaxIterations bounds model calls per turn.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithTurnTimeout bounds the whole turn. Zero means no limit.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.turnTimeout = d }
}

// WithMemory sets where salient exchanges are written.
func WithMemory(w MemoryWriter) Option {
	return func(o *Orchestrator) { o.memory = w }
}

// WithSalience sets the policy deciding what is remembered.
func WithSalience(p *expr.Policy) Option {
	return func(o *Orchestrator) { o.salience = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New creates an Orchestrator.
func New(client llm.Client, asm *assembler.Assembler, dispatcher ToolDispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:        client,
		assembler:     asm,
		tools:         dispatcher,
		maxTokens:     DefaultMaxTokens,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.salience == nil {
		o.salience = mustDefaultPolicy()
	}
	return o
}

func mustDefaultPolicy() *expr.Policy {
	p, err := expr.NewPolicy(expr.DefaultSalience)
	if err != nil {
		panic(err)
	}
	return p
}

// Run executes one turn for utterance. Errors wrap the taxonomy sentinels.
// A non-nil Result accompanies ErrModelUnavailable and ErrToolLoopExceeded.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, utterance string) (*Result, error) {
	start := time.Now()
	if sess == nil || sess.Transcript == nil {
		o.metrics.RecordTurn(outcomeFatal, 0, time.Since(start))
		return nil, fmt.Errorf("orchestrator: session has no transcript: %w", ErrFatalSession)
	}
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		o.metrics.RecordTurn(outcomeInput, 0, time.Since(start))
		return nil, fmt.Errorf("orchestrator: empty utterance: %w", ErrInput)
	}
	userID := memory.NormalizeUserID(sess.UserID)

	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}
	ctx = tools.WithUserID(ctx, userID)
	ctx, span := o.tracer.StartSpan(ctx, "turn", telemetry.TurnTags(sess.ID, userID, o.model))
	logger := telemetry.SessionLogger(o.logger, sess.ID)

	res, outcome, err := o.run(ctx, logger, sess, userID, utterance)
	if res != nil {
		res.Duration = time.Since(start)
	}
	iterations := 0
	if res != nil {
		iterations = res.Iterations
	}
	o.metrics.RecordTurn(outcome, iterations, time.Since(start))
	o.tracer.EndSpan(span, outcome)
	if err != nil {
		logger.WarnContext(ctx, "turn ended without answer", "outcome", outcome, "iterations", iterations, "error", err)
	} else {
		logger.InfoContext(ctx, "turn completed", "iterations", iterations, "tool_calls", len(res.ToolCalls), "duration", res.Duration)
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, sess *Session, userID, utterance string) (*Result, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, outcomeCancelled, fmt.Errorf("orchestrator: turn aborted: %w", err)
	}
	buf := sess.Transcript
	mark := buf.Mark()
	buf.Append(transcript.Turn{Role: transcript.RoleUser, Content: utterance})

	res := &Result{}
	var defs []llm.ToolDefinition
	if o.tools != nil {
		defs = o.tools.Definitions()
	}
	var pending []llm.Message
	var memories []memory.Item

	for res.Iterations < o.maxIterations {
		if err := ctx.Err(); err != nil {
			if cancelled(ctx) {
				return nil, outcomeCancelled, fmt.Errorf("orchestrator: turn aborted: %w", err)
			}
			return o.apologize(buf, res, fmt.Errorf("orchestrator: turn timed out: %w", err))
		}
		res.Iterations++

		built := o.assembler.Build(ctx, assembler.Input{
			SystemPrompt: o.systemPrompt,
			Utterance:    utterance,
			UserID:       userID,
			Transcript:   buf,
			Mark:         mark,
			Pending:      pending,
			Memories:     memories,
		})
		if memories == nil {
			memories = built.Memories
			if memories == nil {
				memories = []memory.Item{}
			}
		}

		resp, err := o.callModel(ctx, built.Request(o.model, o.maxTokens, o.temperature, defs), res.Iterations)
		if err != nil {
			if cancelled(ctx) {
				return nil, outcomeCancelled, fmt.Errorf("orchestrator: turn aborted: %w", err)
			}
			return o.apologize(buf, res, err)
		}
		res.Usage = res.Usage.Add(resp.Usage)

		st, err := parseResponse(resp)
		if err != nil {
			return o.apologize(buf, res, err)
		}

		if st.calls == nil {
			buf.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: st.answer})
			res.Answer = st.answer
			res.Remembered = o.remember(logger, userID, utterance, st.answer, len(res.ToolCalls))
			return res, outcomeAnswer, nil
		}

		results := o.dispatch(ctx, logger, st.calls)
		if cancelled(ctx) {
			return nil, outcomeCancelled, fmt.Errorf("orchestrator: turn aborted during tools: %w", ctx.Err())
		}
		llmResults := make([]llm.ToolResult, len(results))
		for i, r := range results {
			buf.Append(transcript.Turn{
				Role:      transcript.RoleTool,
				Content:   r.Payload,
				ToolName:  r.ToolName,
				CallID:    r.CallID,
				Arguments: r.Arguments,
				IsError:   !r.OK(),
			})
			llmResults[i] = r.LLM()
		}
		res.ToolCalls = append(res.ToolCalls, results...)
		pending = append(pending,
			llm.ToolUse(resp.Content, st.calls),
			llm.ToolOutputs(llmResults),
		)
	}

	buf.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: FallbackMessage})
	res.Answer = FallbackMessage
	res.Fallback = true
	return res, outcomeToolLoop, fmt.Errorf("orchestrator: %d iterations without an answer: %w", res.Iterations, ErrToolLoopExceeded)
}

func (o *Orchestrator) callModel(ctx context.Context, req llm.ChatRequest, iteration int) (*llm.ChatResponse, error) {
	ctx, span := o.tracer.StartSpan(ctx, "model.chat", telemetry.ModelCallTags(o.model, iteration, llm.EstimateRequest(req)))
	start := time.Now()
	resp, err := o.client.Chat(ctx, req)
	if err != nil {
		o.metrics.RecordModelCall("error", time.Since(start), 0, 0)
		o.tracer.EndSpan(span, "error")
		return nil, fmt.Errorf("orchestrator: model call %d: %w", iteration, err)
	}
	o.metrics.RecordModelCall("ok", time.Since(start), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	span.Tag("stop_reason", string(resp.StopReason))
	o.tracer.EndSpan(span, "ok")
	return resp, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, logger *slog.Logger, calls []llm.ToolCall) []tools.Result {
	if o.tools == nil {
		results := make([]tools.Result, len(calls))
		for i, c := range calls {
			results[i] = tools.Result{
				CallID: c.ID, ToolName: c.Name, Arguments: c.Input,
				Status: tools.StatusError, Reason: tools.ReasonUnknownTool,
				Payload: `{"error":"no tools are available","reason":"unknown_tool"}`,
			}
		}
		return results
	}
	results := o.tools.DispatchAll(ctx, calls)
	for _, r := range results {
		if err := ToolError(r); err != nil {
			logger.Info("tool failure fed back to model", "call_id", r.CallID, "error", err)
		}
	}
	return results
}

// cancelled reports whether the caller gave up on the turn, as opposed to the
// turn timing out.
func cancelled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// apologize ends the turn on a model failure, recording the apology so the
// transcript still answers the utterance.
func (o *Orchestrator) apologize(buf *transcript.Buffer, res *Result, err error) (*Result, string, error) {
	buf.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: ApologyMessage})
	res.Answer = ApologyMessage
	res.Fallback = true
	if !errors.Is(err, ErrModelUnavailable) {
		err = fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	return res, outcomeModel, err
}

// remember writes the exchange to long-term memory when the salience policy
// accepts it.
func (o *Orchestrator) remember(logger *slog.Logger, userID, utterance, answer string, toolCalls int) bool {
	if o.memory == nil {
		return false
	}
	ok, err := o.salience.Salient(expr.NewEnv(utterance, answer, toolCalls, false))
	if err != nil {
		logger.Warn("salience policy failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	return o.memory.Write(fmt.Sprintf("User: %s\nAssistant: %s", utterance, answer), userID)
}
