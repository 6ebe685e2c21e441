package tools

import (
	"context"
	"strings"

	"github.com/szaher/aida/internal/llm"
	"github.com/szaher/aida/internal/memory"
)

const noMemories = "No relevant memories found."

// MemorySearcher is the strict read side of the memory gateway.
type MemorySearcher interface {
	Search(ctx context.Context, text, userID string, topK int) ([]memory.Item, error)
}

// MemoryLookup is the memory_lookup tool: an explicit search of the current
// user's long-term memory.
type MemoryLookup struct {
	memory MemorySearcher
	topK   int
}

// NewMemoryLookup creates the tool.
func NewMemoryLookup(m MemorySearcher, topK int) *MemoryLookup {
	if topK <= 0 {
		topK = 5
	}
	return &MemoryLookup{memory: m, topK: topK}
}

// Definition implements Tool.
func (m *MemoryLookup) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "memory_lookup",
		Description: "Search what the user has told you in previous conversations.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "What to look for in past conversations",
					"minLength":   1,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of memories to return",
					"minimum":     1,
					"maximum":     20,
				},
			},
			"required": []interface{}{"query"},
		},
	}
}

// Validate implements Tool.
func (m *MemoryLookup) Validate(args map[string]interface{}) error {
	return ValidateSchema(m.Definition().InputSchema, args)
}

// Invoke implements Tool.
func (m *MemoryLookup) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	query, _ := args["query"].(string)
	limit := m.topK
	if n, ok := number(args["limit"]); ok {
		limit = int(n)
	}
	items, err := m.memory.Search(ctx, query, UserIDFrom(ctx), limit)
	if err != nil {
		return "", err
	}
	return FormatMemories(items), nil
}

// FormatMemories renders items as "[YYYY-MM-DD HH:MM] text" blocks. Stored
// interactions keep their "User:"/"Assistant:" lines under the stamp.
func FormatMemories(items []memory.Item) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if text == "" {
			continue
		}
		stamp := "Unknown time"
		if !it.Timestamp.IsZero() {
			stamp = it.Timestamp.UTC().Format("2006-01-02 15:04")
		}
		if strings.HasPrefix(text, "User:") || strings.HasPrefix(text, "Assistant:") {
			parts = append(parts, "["+stamp+"]\n"+text)
		} else {
			parts = append(parts, "["+stamp+"] "+text)
		}
	}
	if len(parts) == 0 {
		return noMemories
	}
	return strings.Join(parts, "\n\n")
}
