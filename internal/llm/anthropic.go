package llm

import (
	"context"
	"encoding/json"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// AnthropicClient serves Client over the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client; without options the SDK reads
// ANTHROPIC_API_KEY itself.
func NewAnthropicClient(opts ...option.RequestOption) *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient(opts...)}
}

// NewAnthropicClientWithKey creates a client bound to apiKey.
func NewAnthropicClientWithKey(apiKey string) *AnthropicClient {
	return NewAnthropicClient(option.WithAPIKey(apiKey))
}

// Chat sends one non-streaming Messages request.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	tools, err := anthropicTools(req.Tools)
	if err != nil {
		return nil, err
	}
	params.Tools = tools

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	return fromAnthropic(msg), nil
}

// anthropicMessages converts the history into content blocks. The API wants
// strictly alternating roles and rejects empty text blocks, while a
// transcript can hold two user turns in a row after a failed turn, so
// adjacent same-role messages are folded into one.
func anthropicMessages(history []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
		}
		for _, tr := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if m.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func anthropicTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		props, err := json.Marshal(d.InputSchema["properties"])
		if err != nil {
			return nil, fmt.Errorf("anthropic chat: schema for tool %s: %w", d.Name, err)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: param.NewOpt(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: json.RawMessage(props),
				Required:   requiredFields(d.InputSchema),
			},
		}})
	}
	return out, nil
}

func fromAnthropic(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason: StopReason(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			CacheRead:    int(msg.Usage.CacheReadInputTokens),
			CacheWrite:   int(msg.Usage.CacheCreationInputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: decodeToolInput(block.Input),
			})
		}
	}
	return resp
}

// decodeToolInput parses raw tool arguments. Unparseable input becomes a
// marker key the registry rejects, so the model gets a validation error to
// correct instead of the turn failing.
func decodeToolInput(raw json.RawMessage) map[string]interface{} {
	input := make(map[string]interface{})
	if len(raw) == 0 {
		return input
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return map[string]interface{}{"_error": fmt.Sprintf("failed to parse tool input: %v", err)}
	}
	return input
}

func requiredFields(schema map[string]interface{}) []string {
	switch v := schema["required"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
