// Package llm defines the language-model contract used by the orchestration
// core and the provider clients that implement it.
package llm

import "context"

// Client is one language-model backend. Chat is a single round trip; the
// orchestrator owns the tool loop around it.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is one model call: the assembled system prompt, the bounded
// history plus any tool exchanges of the current turn, and the tool catalog.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
}

// ChatResponse is what came back. It carries either ToolCalls to dispatch or
// final Content; the orchestrator decides which based on both fields and
// StopReason.
type ChatResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      TokenUsage
}

// Role of a message author as the providers see it. Tool results travel as
// user messages.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason uses the Anthropic vocabulary; other providers map onto it.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// Message is one entry of the provider-facing history.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolUse builds the assistant message that requested calls.
func ToolUse(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolOutputs builds the user message returning one batch of results.
func ToolOutputs(results []ToolResult) Message {
	return Message{Role: RoleUser, ToolResults: results}
}

// ToolDefinition advertises a tool; InputSchema is a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ToolResult answers the ToolCall whose ID equals ToolUseID.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// TokenUsage counts provider-reported tokens for one or more calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read"`
	CacheWrite   int `json:"cache_write"`
}

// Total is input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add sums two usages field by field.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		CacheRead:    u.CacheRead + other.CacheRead,
		CacheWrite:   u.CacheWrite + other.CacheWrite,
	}
}
