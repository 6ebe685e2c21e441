package assembler

import (
	"encoding/json"
	"strings"
)

// Render returns the canonical text form of the context. Identical inputs
// render byte-identically.
func (c *Context) Render() string {
	var b strings.Builder

	b.WriteString("### system\n")
	b.WriteString(c.System)
	b.WriteString("\n")

	for _, m := range c.Messages {
		b.WriteString("### ")
		b.WriteString(string(m.Role))
		b.WriteString("\n")
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Input)
			b.WriteString("tool_call ")
			b.WriteString(tc.ID)
			b.WriteString(" ")
			b.WriteString(tc.Name)
			b.WriteString(" ")
			b.Write(args)
			b.WriteString("\n")
		}
		for _, tr := range m.ToolResults {
			b.WriteString("tool_result ")
			b.WriteString(tr.ToolUseID)
			if tr.IsError {
				b.WriteString(" error")
			}
			b.WriteString("\n")
			b.WriteString(tr.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}
