package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrScriptEmpty is returned by a MockClient that was built without steps.
var ErrScriptEmpty = errors.New("llm: mock script is empty")

// MockResponse is one scripted model step. Error takes precedence over the
// other fields. Delay holds the call until it elapses or the context ends,
// which lets tests exercise turn timeouts without a real provider.
type MockResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
	Error      error
	Delay      time.Duration
}

// Answer scripts a final spoken answer.
func Answer(text string) MockResponse {
	return MockResponse{Content: text, StopReason: StopEndTurn}
}

// UseTools scripts a step that requests the given tool calls.
func UseTools(calls ...ToolCall) MockResponse {
	return MockResponse{ToolCalls: calls, StopReason: StopToolUse}
}

// Fail scripts a provider failure.
func Fail(err error) MockResponse {
	return MockResponse{Error: err}
}

// MockClient replays a script of model steps. Once the script runs out the
// final step repeats, so a tool_use step at the end loops forever.
type MockClient struct {
	mu     sync.Mutex
	script []MockResponse
	next   int
	seen   []ChatRequest
}

// NewMockClient returns a client that replays steps in order.
func NewMockClient(steps ...MockResponse) *MockClient {
	return &MockClient{script: steps}
}

// Chat records req and plays the next step.
func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step, err := m.advance(req)
	if err != nil {
		return nil, err
	}
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Error != nil {
		return nil, step.Error
	}
	return &ChatResponse{
		Content:    step.Content,
		ToolCalls:  append([]ToolCall(nil), step.ToolCalls...),
		StopReason: step.StopReason,
		Usage:      step.Usage,
	}, nil
}

func (m *MockClient) advance(req ChatRequest) (MockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req.Messages = append([]Message(nil), req.Messages...)
	m.seen = append(m.seen, req)
	if len(m.script) == 0 {
		return MockResponse{}, ErrScriptEmpty
	}
	step := m.script[min(m.next, len(m.script)-1)]
	if m.next < len(m.script) {
		m.next++
	}
	return step, nil
}

// Calls returns the requests seen so far. Message slices are snapshots taken
// at call time, so later history growth does not leak into them.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.seen...)
}

// Remaining reports how many scripted steps have not been played yet.
func (m *MockClient) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return max(len(m.script)-m.next, 0)
}
