package orchestrator

import (
	"errors"
	"fmt"

	"github.com/szaher/aida/internal/memory"
	"github.com/szaher/aida/internal/tools"
)

// Error taxonomy. Tool and memory errors are absorbed inside a turn; only
// ErrModelUnavailable and ErrToolLoopExceeded end a turn, and only
// ErrFatalSession ends a session.
var (
	// ErrInput marks an empty or unintelligible utterance.
	ErrInput = errors.New("input error")
	// ErrToolValidation marks arguments rejected by a tool schema.
	ErrToolValidation = errors.New("tool validation error")
	// ErrToolExecution marks a tool that timed out or failed.
	ErrToolExecution = errors.New("tool execution error")
	// ErrUnknownTool marks a request for a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolLoopExceeded marks a turn that kept requesting tools.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")
	// ErrMemoryUnavailable marks a degraded memory query.
	ErrMemoryUnavailable = memory.ErrUnavailable
	// ErrModelUnavailable marks a failed or unparseable model call.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrFatalSession marks state the session cannot recover from.
	ErrFatalSession = errors.New("fatal session error")
)

// User-visible messages for turns that end without an answer.
const (
	ApologyMessage  = "I apologize, but I encountered an error processing your request."
	FallbackMessage = "I'm sorry, I couldn't complete that request after several attempts. Could you try rephrasing it?"
)

// Terminal reports whether err ends the current turn with a user-visible
// message rather than an answer.
func Terminal(err error) bool {
	return errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrToolLoopExceeded)
}

// ToolError maps a failed tool result onto the taxonomy. It returns nil for
// successful results.
func ToolError(r tools.Result) error {
	if r.OK() {
		return nil
	}
	var base error
	switch r.Reason {
	case tools.ReasonUnknownTool:
		base = ErrUnknownTool
	case tools.ReasonInvalidArguments:
		base = ErrToolValidation
	default:
		base = ErrToolExecution
	}
	return fmt.Errorf("orchestrator: tool %s (%s): %w", r.ToolName, r.Reason, base)
}
