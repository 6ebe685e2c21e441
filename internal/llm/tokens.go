package llm

import (
	"encoding/json"
	"unicode/utf8"
)

// runesPerToken is the heuristic ratio used by EstimateTokens.
const runesPerToken = 4

// messageOverhead is charged once per message for role and framing.
const messageOverhead = 4

// EstimateTokens returns a deterministic token estimate for s: one token per
// four runes, rounded up. Empty text costs zero tokens.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + runesPerToken - 1) / runesPerToken
}

// EstimateRequest approximates the prompt size of req: the system prompt plus
// every message body and tool result, with a fixed per-message overhead.
func EstimateRequest(req ChatRequest) int {
	total := EstimateTokens(req.System)
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content) + messageOverhead
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Input)
			total += EstimateTokens(tc.Name) + EstimateTokens(string(args))
		}
		for _, tr := range m.ToolResults {
			total += EstimateTokens(tr.Content)
		}
	}
	return total
}
