package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szaher/aida/internal/assembler"
	"github.com/szaher/aida/internal/expr"
	"github.com/szaher/aida/internal/llm"
	"github.com/szaher/aida/internal/memory"
	"github.com/szaher/aida/internal/telemetry"
	"github.com/szaher/aida/internal/testutil"
	"github.com/szaher/aida/internal/tools"
	"github.com/szaher/aida/internal/transcript"
)

var quiet = testutil.Logger()

// funcTool adapts a function into a tools.Tool.
type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (f *funcTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        f.name,
		Description: f.name,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "minLength": 1},
			},
			"required": []interface{}{"query"},
		},
	}
}

func (f *funcTool) Validate(args map[string]interface{}) error {
	return tools.ValidateSchema(f.Definition().InputSchema, args)
}

func (f *funcTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	return f.fn(ctx, args)
}

func constTool(name, out string) *funcTool {
	return &funcTool{name: name, fn: func(context.Context, map[string]interface{}) (string, error) { return out, nil }}
}

func delayedTool(name, out string, d time.Duration) *funcTool {
	return &funcTool{name: name, fn: func(ctx context.Context, _ map[string]interface{}) (string, error) {
		select {
		case <-time.After(d):
			return out, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
}

func blockingTool(name string) *funcTool {
	return &funcTool{name: name, fn: func(ctx context.Context, _ map[string]interface{}) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

func newRegistry(t *testing.T, timeout time.Duration, ts ...tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(tools.WithLogger(quiet), tools.WithDefaultTimeout(timeout))
	for _, tool := range ts {
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

// countingSource is a MemorySource that counts queries.
type countingSource struct {
	mu      sync.Mutex
	items   []memory.Item
	queries int
}

func (c *countingSource) Query(_ context.Context, _, _ string, _ int) []memory.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	return c.items
}

// recordingWriter captures memory writes.
type recordingWriter struct {
	mu     sync.Mutex
	texts  []string
	users  []string
	accept bool
}

func (w *recordingWriter) Write(text, userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.texts = append(w.texts, text)
	w.users = append(w.users, userID)
	return w.accept
}

// failingStore is a memory.Store whose every call fails.
type failingStore struct{}

func (failingStore) Search(context.Context, string, string, int) ([]memory.Item, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) Upsert(context.Context, memory.Record) error {
	return errors.New("connection refused")
}
func (failingStore) Delete(context.Context, string, time.Time) (int, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) Count(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func newSession() *Session {
	return &Session{ID: "sess_test", Transcript: transcript.New()}
}

func toolCall(id, name, query string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Input: map[string]interface{}{"query": query}}
}

func newOrchestrator(client llm.Client, source assembler.MemorySource, reg ToolDispatcher, opts ...Option) *Orchestrator {
	asm := assembler.New(source, assembler.WithLogger(quiet))
	opts = append([]Option{WithLogger(quiet), WithModel("test-model")}, opts...)
	return New(client, asm, reg, opts...)
}

func roles(turns []transcript.Turn) string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = string(t.Role)
	}
	return strings.Join(out, ",")
}

func TestWeatherScenario(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{
			Content:    "Let me check.",
			ToolCalls:  []llm.ToolCall{toolCall("call_1", "web_search", "weather in Paris")},
			StopReason: llm.StopToolUse,
			Usage:      llm.TokenUsage{InputTokens: 100, OutputTokens: 10},
		},
		llm.MockResponse{
			Content:    "It is 18°C and sunny in Paris right now.",
			StopReason: llm.StopEndTurn,
			Usage:      llm.TokenUsage{InputTokens: 150, OutputTokens: 12},
		},
	)
	reg := newRegistry(t, time.Second, constTool("web_search", "Paris: 18°C, sunny"))
	o := newOrchestrator(client, nil, reg)
	sess := newSession()

	res, err := o.Run(context.Background(), sess, "What's the weather in Paris?")
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "It is 18°C and sunny in Paris right now." || res.Fallback {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Iterations != 2 || len(res.ToolCalls) != 1 {
		t.Errorf("iterations=%d tool calls=%d", res.Iterations, len(res.ToolCalls))
	}
	if res.Usage.InputTokens != 250 || res.Usage.OutputTokens != 22 {
		t.Errorf("usage = %+v", res.Usage)
	}

	turns := sess.Transcript.Turns()
	if got := roles(turns); got != "user,tool,assistant" {
		t.Fatalf("turns = %s, want exactly user,tool,assistant", got)
	}
	if turns[1].CallID != "call_1" || turns[1].ToolName != "web_search" || turns[1].IsError {
		t.Errorf("tool turn = %+v", turns[1])
	}
	if turns[1].Arguments["query"] != "weather in Paris" {
		t.Errorf("tool turn arguments = %v", turns[1].Arguments)
	}

	calls := client.Calls()
	if len(calls) != 2 {
		t.Fatalf("model calls = %d", len(calls))
	}
	if len(calls[0].Tools) != 1 || calls[0].Model != "test-model" {
		t.Errorf("first request = %+v", calls[0])
	}
	msgs := calls[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("second request messages = %d, want utterance + tool exchange", len(msgs))
	}
	if msgs[1].Role != llm.RoleAssistant || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("assistant tool-call message = %+v", msgs[1])
	}
	if len(msgs[2].ToolResults) != 1 || msgs[2].ToolResults[0].ToolUseID != "call_1" {
		t.Errorf("tool result message = %+v", msgs[2])
	}
}

func TestTimeoutsFedBack(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{
			ToolCalls: []llm.ToolCall{
				toolCall("a", "slow_a", "x"),
				toolCall("b", "slow_b", "y"),
			},
			StopReason: llm.StopToolUse,
		},
		llm.Answer("Sorry, both lookups timed out."),
	)
	reg := newRegistry(t, 20*time.Millisecond, blockingTool("slow_a"), blockingTool("slow_b"))
	o := newOrchestrator(client, nil, reg)
	sess := newSession()

	res, err := o.Run(context.Background(), sess, "look both up")
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "Sorry, both lookups timed out." {
		t.Errorf("answer = %q", res.Answer)
	}
	turns := sess.Transcript.Turns()
	if got := roles(turns); got != "user,tool,tool,assistant" {
		t.Fatalf("turns = %s", got)
	}
	for _, turn := range turns[1:3] {
		if !turn.IsError || !strings.Contains(turn.Content, tools.ReasonTimeout) {
			t.Errorf("tool turn not a timeout: %+v", turn)
		}
	}
	fed := client.Calls()[1].Messages[2].ToolResults
	if len(fed) != 2 || !fed[0].IsError || !fed[1].IsError {
		t.Fatalf("timeouts not fed back: %+v", fed)
	}
	for _, r := range res.ToolCalls {
		if !errors.Is(ToolError(r), ErrToolExecution) {
			t.Errorf("ToolError(%+v) should be ErrToolExecution", r)
		}
	}
}

func TestToolTurnsKeepRequestOrder(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{
			ToolCalls: []llm.ToolCall{
				toolCall("1", "slowest", "q"),
				toolCall("2", "slower", "q"),
				toolCall("3", "fast", "q"),
			},
			StopReason: llm.StopToolUse,
		},
		llm.Answer("done"),
	)
	reg := newRegistry(t, time.Second,
		delayedTool("slowest", "one", 60*time.Millisecond),
		delayedTool("slower", "two", 30*time.Millisecond),
		constTool("fast", "three"),
	)
	sess := newSession()
	if _, err := newOrchestrator(client, nil, reg).Run(context.Background(), sess, "go"); err != nil {
		t.Fatal(err)
	}
	turns := sess.Transcript.Turns()
	want := []string{"one", "two", "three"}
	for i, w := range want {
		if turns[i+1].Content != w || turns[i+1].CallID != []string{"1", "2", "3"}[i] {
			t.Errorf("turn %d = %+v, want content %q", i+1, turns[i+1], w)
		}
	}
}

func TestToolLoopExceeded(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{
		ToolCalls:  []llm.ToolCall{toolCall("c", "web_search", "again")},
		StopReason: llm.StopToolUse,
	})
	reg := newRegistry(t, time.Second, constTool("web_search", "nothing useful"))
	writer := &recordingWriter{accept: true}
	o := newOrchestrator(client, nil, reg, WithMaxIterations(3), WithMemory(writer))
	sess := newSession()

	res, err := o.Run(context.Background(), sess, "keep searching")
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("err = %v, want ErrToolLoopExceeded", err)
	}
	if !Terminal(err) {
		t.Error("tool loop should be terminal for the turn")
	}
	if res == nil || !res.Fallback || res.Answer != FallbackMessage {
		t.Fatalf("result = %+v", res)
	}
	if len(client.Calls()) != 3 || res.Iterations != 3 {
		t.Errorf("model calls = %d iterations = %d", len(client.Calls()), res.Iterations)
	}
	turns := sess.Transcript.Turns()
	if len(turns) != 1+3+1 || turns[len(turns)-1].Content != FallbackMessage {
		t.Fatalf("turns = %s", roles(turns))
	}
	if len(writer.texts) != 0 {
		t.Error("fallback must not be remembered")
	}
}

func TestDefaultIterationLimit(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{
		ToolCalls:  []llm.ToolCall{toolCall("c", "web_search", "again")},
		StopReason: llm.StopToolUse,
	})
	reg := newRegistry(t, time.Second, constTool("web_search", "x"))
	_, err := newOrchestrator(client, nil, reg).Run(context.Background(), newSession(), "loop")
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("err = %v", err)
	}
	if len(client.Calls()) != DefaultMaxIterations {
		t.Errorf("model calls = %d, want %d", len(client.Calls()), DefaultMaxIterations)
	}
}

func TestMemoryFailureDegrades(t *testing.T) {
	gw := memory.NewGateway(failingStore{}, memory.WithLogger(quiet), memory.WithCache(0, 0))
	defer func() { _ = gw.Close(context.Background()) }()

	client := llm.NewMockClient(llm.Answer("Hello there!"))
	o := newOrchestrator(client, gw, nil, WithMemory(gw))
	sess := newSession()

	res, err := o.Run(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("memory failure must not fail the turn: %v", err)
	}
	if res.Answer != "Hello there!" {
		t.Errorf("answer = %q", res.Answer)
	}
	if sys := client.Calls()[0].System; strings.Contains(sys, "Relevant memories") {
		t.Errorf("system prompt should carry no memories: %q", sys)
	}
}

func TestMemoriesQueriedOncePerTurn(t *testing.T) {
	source := &countingSource{items: []memory.Item{{ID: "m1", Text: "User likes Celsius", Score: 0.9}}}
	client := llm.NewMockClient(
		llm.UseTools(toolCall("c", "web_search", "q")),
		llm.Answer("18C"),
	)
	reg := newRegistry(t, time.Second, constTool("web_search", "18C"))
	if _, err := newOrchestrator(client, source, reg).Run(context.Background(), newSession(), "weather?"); err != nil {
		t.Fatal(err)
	}
	if source.queries != 1 {
		t.Errorf("queries = %d, want 1", source.queries)
	}
	for i, call := range client.Calls() {
		if !strings.Contains(call.System, "User likes Celsius") {
			t.Errorf("call %d lost memory grounding", i)
		}
	}
}

func TestModelFailures(t *testing.T) {
	tests := []struct {
		name string
		resp llm.MockResponse
	}{
		{"call error", llm.Fail(errors.New("503 overloaded"))},
		{"empty content", llm.Answer("  ")},
		{"tool_use without calls", llm.MockResponse{Content: "calling", StopReason: llm.StopToolUse}},
		{"nameless tool call", llm.MockResponse{ToolCalls: []llm.ToolCall{{ID: "x"}}, StopReason: llm.StopToolUse}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := newOrchestrator(llm.NewMockClient(tc.resp), nil, nil)
			sess := newSession()
			res, err := o.Run(context.Background(), sess, "hello")
			if !errors.Is(err, ErrModelUnavailable) {
				t.Fatalf("err = %v, want ErrModelUnavailable", err)
			}
			if res == nil || res.Answer != ApologyMessage || !res.Fallback {
				t.Fatalf("result = %+v", res)
			}
			if got := roles(sess.Transcript.Turns()); got != "user,assistant" {
				t.Errorf("turns = %s", got)
			}
		})
	}
}

func TestInputError(t *testing.T) {
	client := llm.NewMockClient(llm.MockResponse{Content: "x"})
	sess := newSession()
	_, err := newOrchestrator(client, nil, nil).Run(context.Background(), sess, "   ")
	if !errors.Is(err, ErrInput) {
		t.Fatalf("err = %v, want ErrInput", err)
	}
	if sess.Transcript.Len() != 0 || len(client.Calls()) != 0 {
		t.Error("empty utterance must not touch transcript or model")
	}
}

func TestFatalSession(t *testing.T) {
	o := newOrchestrator(llm.NewMockClient(), nil, nil)
	if _, err := o.Run(context.Background(), &Session{ID: "broken"}, "hi"); !errors.Is(err, ErrFatalSession) {
		t.Fatalf("err = %v, want ErrFatalSession", err)
	}
	if _, err := o.Run(context.Background(), nil, "hi"); !errors.Is(err, ErrFatalSession) {
		t.Fatalf("err = %v, want ErrFatalSession", err)
	}
}

func TestCancelledTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newOrchestrator(llm.NewMockClient(llm.MockResponse{Content: "x"}), nil, nil).Run(ctx, newSession(), "hi")
	if !errors.Is(err, context.Canceled) || res != nil {
		t.Fatalf("res=%v err=%v, want context.Canceled", res, err)
	}
	if Terminal(err) {
		t.Error("cancellation is not a user-visible terminal error")
	}
}

func TestTurnTimeoutApologizes(t *testing.T) {
	o := newOrchestrator(llm.NewMockClient(llm.MockResponse{Content: "late", Delay: time.Hour}), nil, nil, WithTurnTimeout(20*time.Millisecond))
	res, err := o.Run(context.Background(), newSession(), "hi")
	if !errors.Is(err, ErrModelUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if res.Answer != ApologyMessage {
		t.Errorf("answer = %q", res.Answer)
	}
}

func TestUnknownToolFedBack(t *testing.T) {
	client := llm.NewMockClient(
		llm.UseTools(toolCall("u", "calendar", "today")),
		llm.Answer("I can't check calendars."),
	)
	reg := newRegistry(t, time.Second, constTool("web_search", "x"))
	sess := newSession()
	res, err := newOrchestrator(client, nil, reg).Run(context.Background(), sess, "what's on today")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ToolCalls) != 1 || !errors.Is(ToolError(res.ToolCalls[0]), ErrUnknownTool) {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
	if turn := sess.Transcript.Turns()[1]; !turn.IsError || !strings.Contains(turn.Content, tools.ReasonUnknownTool) {
		t.Errorf("tool turn = %+v", turn)
	}
}

func TestSalientAnswersAreRemembered(t *testing.T) {
	long := "Your sister's birthday is on the twelfth of May, so plan ahead."
	tests := []struct {
		name     string
		answer   string
		policy   string
		wantText string
	}{
		{"long answer", long, "", "User: when is it?\nAssistant: " + long},
		{"short answer", "Okay.", "", ""},
		{"custom policy", "Okay.", `utterance contains "when"`, "User: when is it?\nAssistant: Okay."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			policy, err := expr.NewPolicy(tc.policy)
			if err != nil {
				t.Fatal(err)
			}
			writer := &recordingWriter{accept: true}
			client := llm.NewMockClient(llm.Answer(tc.answer))
			o := newOrchestrator(client, nil, nil, WithMemory(writer), WithSalience(policy))
			res, err := o.Run(context.Background(), newSession(), "when is it?")
			if err != nil {
				t.Fatal(err)
			}
			if tc.wantText == "" {
				if len(writer.texts) != 0 || res.Remembered {
					t.Fatalf("unexpected write %v", writer.texts)
				}
				return
			}
			if len(writer.texts) != 1 || writer.texts[0] != tc.wantText {
				t.Fatalf("writes = %q", writer.texts)
			}
			if writer.users[0] != memory.DefaultUserID || !res.Remembered {
				t.Errorf("user = %q remembered = %v", writer.users[0], res.Remembered)
			}
		})
	}
}

func TestToolsSeeUserID(t *testing.T) {
	var seen string
	probe := &funcTool{name: "probe", fn: func(ctx context.Context, _ map[string]interface{}) (string, error) {
		seen = tools.UserIDFrom(ctx)
		return "ok", nil
	}}
	client := llm.NewMockClient(
		llm.UseTools(toolCall("p", "probe", "q")),
		llm.Answer("done"),
	)
	sess := &Session{ID: "s", UserID: "alice", Transcript: transcript.New()}
	if _, err := newOrchestrator(client, nil, newRegistry(t, time.Second, probe)).Run(context.Background(), sess, "hi"); err != nil {
		t.Fatal(err)
	}
	if seen != "alice" {
		t.Errorf("tool saw user %q", seen)
	}
}

func TestHistoryCarriedAcrossTurns(t *testing.T) {
	client := llm.NewMockClient(
		llm.Answer("Nice to meet you, Sam."),
		llm.Answer("Your name is Sam."),
	)
	o := newOrchestrator(client, nil, nil)
	sess := newSession()
	if _, err := o.Run(context.Background(), sess, "I'm Sam"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(context.Background(), sess, "What's my name?"); err != nil {
		t.Fatal(err)
	}
	msgs := client.Calls()[1].Messages
	if len(msgs) != 3 || msgs[0].Content != "I'm Sam" || msgs[2].Content != "What's my name?" {
		t.Fatalf("second turn messages = %+v", msgs)
	}
}

func TestMetricsAndSpans(t *testing.T) {
	metrics := telemetry.NewMetrics()
	var spans []telemetry.Span
	var mu sync.Mutex
	tracer := telemetry.NewTracer(telemetry.SpanExporterFunc(func(s telemetry.Span) {
		mu.Lock()
		spans = append(spans, s)
		mu.Unlock()
	}))
	client := llm.NewMockClient(llm.Answer("hi"))
	o := newOrchestrator(client, nil, nil, WithMetrics(metrics), WithTracer(tracer))
	if _, err := o.Run(context.Background(), newSession(), "hello"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(spans) != 2 || spans[0].Operation != "model.chat" || spans[1].Operation != "turn" {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].TraceID != spans[1].TraceID || spans[0].ParentID != spans[1].SpanID {
		t.Error("model span should be a child of the turn span")
	}
	if spans[1].Status != outcomeAnswer {
		t.Errorf("turn status = %q", spans[1].Status)
	}
}
