package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szaher/aida/internal/llm"
)

// fakeTool is a configurable Tool for registry tests.
type fakeTool struct {
	name   string
	schema map[string]interface{}
	delay  time.Duration
	out    string
	err    error
	panics bool
	block  bool

	mu    sync.Mutex
	calls int
}

func (f *fakeTool) Definition() llm.ToolDefinition {
	schema := f.schema
	if schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}
	return llm.ToolDefinition{Name: f.name, Description: "fake " + f.name, InputSchema: schema}
}

func (f *fakeTool) Validate(args map[string]interface{}) error {
	return ValidateSchema(f.Definition().InputSchema, args)
}

func (f *fakeTool) Invoke(ctx context.Context, _ map[string]interface{}) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.out, f.err
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func querySchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "minLength": 1},
		},
		"required": []interface{}{"query"},
	}
}

func decodePayload(t *testing.T, payload string) errorPayload {
	t.Helper()
	var p errorPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		t.Fatalf("payload is not JSON: %v (%s)", err, payload)
	}
	return p
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	if defs := r.Definitions(); defs == nil || len(defs) != 0 {
		t.Fatalf("Definitions() = %v, want empty slice", defs)
	}
	if err := r.Register(&fakeTool{name: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeTool{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeTool{name: "a"}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register(&fakeTool{name: ""}); err == nil {
		t.Error("expected empty name to fail")
	}

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "b" || defs[1].Name != "a" {
		t.Fatalf("Definitions() not in registration order: %+v", defs)
	}
	if got := strings.Join(r.Names(), ","); got != "b,a" {
		t.Errorf("Names() = %q", got)
	}
}

func TestDispatchSuccess(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&fakeTool{name: "echo", schema: querySchema(), out: "echoed"})

	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "echo", Input: map[string]interface{}{"query": "hi"}})
	if !res.OK() {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.CallID != "c1" || res.ToolName != "echo" || res.Payload != "echoed" {
		t.Errorf("unexpected result %+v", res)
	}
	lr := res.LLM()
	if lr.ToolUseID != "c1" || lr.IsError || lr.Content != "echoed" {
		t.Errorf("LLM() = %+v", lr)
	}
}

func TestDispatchFailureReasons(t *testing.T) {
	r := NewRegistry(WithDefaultTimeout(50 * time.Millisecond))
	_ = r.Register(&fakeTool{name: "search", schema: querySchema(), out: "x"})
	_ = r.Register(&fakeTool{name: "broken", err: errors.New("upstream down")})
	_ = r.Register(&fakeTool{name: "slow", block: true})
	_ = r.Register(&fakeTool{name: "panicky", panics: true})

	tests := []struct {
		name       string
		call       llm.ToolCall
		wantReason string
		wantDetail string
	}{
		{"unknown tool", llm.ToolCall{ID: "1", Name: "nope"}, ReasonUnknownTool, "search"},
		{"missing argument", llm.ToolCall{ID: "2", Name: "search", Input: map[string]interface{}{}}, ReasonInvalidArguments, "query: required"},
		{"wrong type", llm.ToolCall{ID: "3", Name: "search", Input: map[string]interface{}{"query": 7.0}}, ReasonInvalidArguments, "expected string"},
		{"blank string", llm.ToolCall{ID: "4", Name: "search", Input: map[string]interface{}{"query": "  "}}, ReasonInvalidArguments, "shorter than"},
		{"malformed json", llm.ToolCall{ID: "5", Name: "search", Input: map[string]interface{}{"_error": "unexpected end"}}, ReasonInvalidArguments, "unexpected end"},
		{"execution error", llm.ToolCall{ID: "6", Name: "broken"}, ReasonExecutionFailed, ""},
		{"timeout", llm.ToolCall{ID: "7", Name: "slow"}, ReasonTimeout, ""},
		{"panic", llm.ToolCall{ID: "8", Name: "panicky"}, ReasonExecutionFailed, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := r.Dispatch(context.Background(), tc.call)
			if res.Status != StatusError {
				t.Fatalf("expected error status, got %+v", res)
			}
			if res.Reason != tc.wantReason {
				t.Fatalf("reason = %q, want %q", res.Reason, tc.wantReason)
			}
			if res.CallID != tc.call.ID {
				t.Errorf("CallID = %q, want %q", res.CallID, tc.call.ID)
			}
			if !res.LLM().IsError {
				t.Error("LLM().IsError should be true")
			}
			p := decodePayload(t, res.Payload)
			if p.Reason != tc.wantReason {
				t.Errorf("payload reason = %q", p.Reason)
			}
			if tc.wantDetail != "" && !strings.Contains(strings.Join(p.Details, "|"), tc.wantDetail) {
				t.Errorf("details %v missing %q", p.Details, tc.wantDetail)
			}
		})
	}
}

func TestDispatchInvalidArgumentsSkipsInvoke(t *testing.T) {
	tool := &fakeTool{name: "search", schema: querySchema()}
	r := NewRegistry()
	_ = r.Register(tool)
	r.Dispatch(context.Background(), llm.ToolCall{ID: "1", Name: "search", Input: map[string]interface{}{}})
	if tool.callCount() != 0 {
		t.Fatalf("tool invoked %d times despite invalid arguments", tool.callCount())
	}
}

func TestDispatchPerToolTimeout(t *testing.T) {
	r := NewRegistry(WithDefaultTimeout(time.Second))
	_ = r.Register(&fakeTool{name: "slow", block: true})
	r.SetTimeout("slow", 20*time.Millisecond)

	start := time.Now()
	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "1", Name: "slow"})
	if res.Reason != ReasonTimeout {
		t.Fatalf("reason = %q, want timeout", res.Reason)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("per-tool timeout not applied, took %v", elapsed)
	}
}

func TestDispatchCancelled(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&fakeTool{name: "slow", block: true})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := r.Dispatch(ctx, llm.ToolCall{ID: "1", Name: "slow"})
	if res.Reason != ReasonCancelled {
		t.Fatalf("reason = %q, want cancelled", res.Reason)
	}
}

func TestDispatchAllKeepsRequestOrder(t *testing.T) {
	r := NewRegistry()
	// The first call finishes last.
	_ = r.Register(&fakeTool{name: "slow", delay: 60 * time.Millisecond, out: "slow"})
	_ = r.Register(&fakeTool{name: "mid", delay: 30 * time.Millisecond, out: "mid"})
	_ = r.Register(&fakeTool{name: "fast", out: "fast"})

	calls := []llm.ToolCall{
		{ID: "a", Name: "slow"},
		{ID: "b", Name: "mid"},
		{ID: "c", Name: "nope"},
		{ID: "d", Name: "fast"},
	}
	start := time.Now()
	results := r.DispatchAll(context.Background(), calls)
	elapsed := time.Since(start)

	if len(results) != len(calls) {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res.CallID != calls[i].ID {
			t.Errorf("results[%d].CallID = %q, want %q", i, res.CallID, calls[i].ID)
		}
	}
	if results[0].Payload != "slow" || results[3].Payload != "fast" {
		t.Errorf("payloads out of order: %+v", results)
	}
	if results[2].Reason != ReasonUnknownTool {
		t.Errorf("unknown tool should not affect siblings: %+v", results[2])
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("calls did not run concurrently, took %v", elapsed)
	}
}

func TestDispatchAllEmpty(t *testing.T) {
	if got := NewRegistry().DispatchAll(context.Background(), nil); len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
}

func TestUserIDContext(t *testing.T) {
	if got := UserIDFrom(context.Background()); got != "" {
		t.Errorf("empty ctx user = %q", got)
	}
	ctx := WithUserID(context.Background(), "alice")
	if got := UserIDFrom(ctx); got != "alice" {
		t.Errorf("UserIDFrom = %q", got)
	}
}
