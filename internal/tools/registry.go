package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/aida/internal/llm"
	"github.com/szaher/aida/internal/telemetry"
)

// DefaultTimeout bounds a tool invocation when no per-tool timeout is set.
const DefaultTimeout = 30 * time.Second

// Registry maps tool names to tools and dispatches calls to them.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	timeouts map[string]time.Duration

	timeout time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaultTimeout sets the timeout used for tools without their own.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer records a span per tool call.
func WithTracer(t *telemetry.Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		timeouts: make(map[string]time.Duration),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	name := t.Definition().Name
	if name == "" {
		return errors.New("tools: register: empty tool name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tools: register: %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// SetTimeout overrides the invocation timeout for one tool.
func (r *Registry) SetTimeout(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts[name] = d
}

// Definitions returns tool definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Dispatch validates and invokes one call. Every failure is reported in the
// returned Result; Dispatch itself never fails.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) Result {
	ctx, span := r.tracer.StartSpan(ctx, "tool.call", telemetry.ToolCallTags(call.Name, call.ID))
	start := time.Now()
	res := r.dispatch(ctx, call)
	res.Duration = time.Since(start)
	r.tracer.EndSpan(span, string(res.Status))

	r.metrics.RecordToolCall(call.Name, string(res.Status), res.Duration)
	if res.OK() {
		r.logger.DebugContext(ctx, "tool call completed", "tool", call.Name, "call_id", call.ID, "duration", res.Duration)
	} else {
		r.logger.WarnContext(ctx, "tool call failed", "tool", call.Name, "call_id", call.ID, "reason", res.Reason, "duration", res.Duration)
	}
	return res
}

func (r *Registry) dispatch(ctx context.Context, call llm.ToolCall) Result {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	timeout, custom := r.timeouts[call.Name]
	r.mu.RUnlock()

	if !ok {
		return errorResult(call, ReasonUnknownTool, fmt.Sprintf("tool %q is not available", call.Name), r.Names())
	}
	if msg, bad := call.Input["_error"].(string); bad {
		return errorResult(call, ReasonInvalidArguments, "arguments are not valid JSON", []string{msg})
	}
	if err := tool.Validate(call.Input); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return errorResult(call, ReasonInvalidArguments, "arguments do not match the tool schema", verr.Details)
		}
		return errorResult(call, ReasonInvalidArguments, err.Error(), nil)
	}

	if !custom || timeout <= 0 {
		timeout = r.timeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := invoke(tctx, tool, call.Input)
	switch {
	case err == nil:
		return Result{CallID: call.ID, ToolName: call.Name, Arguments: call.Input, Status: StatusOK, Payload: out}
	case ctx.Err() != nil:
		return errorResult(call, ReasonCancelled, "tool call cancelled", nil)
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return errorResult(call, ReasonTimeout, fmt.Sprintf("tool did not finish within %s", timeout), nil)
	default:
		return errorResult(call, ReasonExecutionFailed, err.Error(), nil)
	}
}

// invoke runs the tool, converting a panic into an error. A tool that ignores
// ctx is abandoned when ctx expires.
func invoke(ctx context.Context, tool Tool, args map[string]interface{}) (string, error) {
	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		out, err := tool.Invoke(ctx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// DispatchAll runs calls concurrently, one goroutine per call, and returns
// their results in request order. A failing or slow call never cancels its
// siblings.
func (r *Registry) DispatchAll(ctx context.Context, calls []llm.ToolCall) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(len(calls))
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.Dispatch(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
