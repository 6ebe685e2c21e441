package orchestrator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/szaher/aida/internal/llm"
)

// step is one parsed model response: either tool calls or a final answer.
type step struct {
	calls  []llm.ToolCall
	answer string
}

// parseResponse decides strictly between a tool request and a final answer.
// Tool calls win over any text preamble; anything else without text is an
// error rather than a guess.
func parseResponse(resp *llm.ChatResponse) (step, error) {
	if resp == nil {
		return step{}, fmt.Errorf("orchestrator: nil model response: %w", ErrModelUnavailable)
	}
	if len(resp.ToolCalls) > 0 {
		calls := make([]llm.ToolCall, len(resp.ToolCalls))
		seen := make(map[string]bool, len(resp.ToolCalls))
		for i, c := range resp.ToolCalls {
			if strings.TrimSpace(c.Name) == "" {
				return step{}, fmt.Errorf("orchestrator: tool call %d has no name: %w", i, ErrModelUnavailable)
			}
			if c.ID == "" || seen[c.ID] {
				c.ID = "call_" + uuid.NewString()
			}
			seen[c.ID] = true
			if c.Input == nil {
				c.Input = map[string]interface{}{}
			}
			calls[i] = c
		}
		return step{calls: calls}, nil
	}
	if resp.StopReason == llm.StopToolUse {
		return step{}, fmt.Errorf("orchestrator: tool_use stop without tool calls: %w", ErrModelUnavailable)
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return step{}, fmt.Errorf("orchestrator: empty model response: %w", ErrModelUnavailable)
	}
	return step{answer: answer}, nil
}
