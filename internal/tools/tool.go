// Package tools holds the closed set of tools the model may call and the
// registry that validates and dispatches their invocations.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/szaher/aida/internal/llm"
)

// Tool is one capability the model can request.
type Tool interface {
	// Definition describes the tool to the model.
	Definition() llm.ToolDefinition
	// Validate checks arguments before invocation.
	Validate(args map[string]interface{}) error
	// Invoke runs the tool. It must honour ctx cancellation.
	Invoke(ctx context.Context, args map[string]interface{}) (string, error)
}

// Status is the outcome of a tool call.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Failure reasons carried by error results.
const (
	ReasonUnknownTool      = "unknown_tool"
	ReasonInvalidArguments = "invalid_arguments"
	ReasonTimeout          = "timeout"
	ReasonExecutionFailed  = "execution_failed"
	ReasonCancelled        = "cancelled"
)

// Result is the outcome of one tool call, paired with its request by CallID.
type Result struct {
	CallID    string                 `json:"call_id"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Status    Status                 `json:"status"`
	Payload   string                 `json:"payload"`
	Reason    string                 `json:"reason,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Status == StatusOK }

// LLM converts the result into the model-facing tool result.
func (r Result) LLM() llm.ToolResult {
	return llm.ToolResult{
		ToolUseID: r.CallID,
		Content:   r.Payload,
		IsError:   r.Status == StatusError,
	}
}

// errorPayload is the structured body of an error result, shown to the model
// so it can correct its arguments or give up on the tool.
type errorPayload struct {
	Error   string   `json:"error"`
	Reason  string   `json:"reason"`
	Details []string `json:"details,omitempty"`
}

func errorResult(call llm.ToolCall, reason, msg string, details []string) Result {
	body, _ := json.Marshal(errorPayload{Error: msg, Reason: reason, Details: details})
	return Result{
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: call.Input,
		Status:    StatusError,
		Payload:   string(body),
		Reason:    reason,
	}
}

type userKey struct{}

// WithUserID attaches the session's user to ctx for tools that partition by
// user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserIDFrom returns the user attached by WithUserID, or "".
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
