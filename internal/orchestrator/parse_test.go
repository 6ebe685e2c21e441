package orchestrator

import (
	"errors"
	"strings"
	"testing"

	"github.com/szaher/aida/internal/llm"
	"github.com/szaher/aida/internal/tools"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name      string
		resp      *llm.ChatResponse
		wantCalls int
		answer    string
		wantErr   bool
	}{
		{"nil", nil, 0, "", true},
		{"answer", &llm.ChatResponse{Content: " hi ", StopReason: llm.StopEndTurn}, 0, "hi", false},
		{"truncated answer", &llm.ChatResponse{Content: "partial", StopReason: llm.StopMaxTokens}, 0, "partial", false},
		{"tool calls win over text", &llm.ChatResponse{
			Content:    "let me look",
			ToolCalls:  []llm.ToolCall{{ID: "1", Name: "web_search"}},
			StopReason: llm.StopToolUse,
		}, 1, "", false},
		{"empty", &llm.ChatResponse{StopReason: llm.StopEndTurn}, 0, "", true},
		{"tool_use without calls", &llm.ChatResponse{Content: "x", StopReason: llm.StopToolUse}, 0, "", true},
		{"nameless call", &llm.ChatResponse{ToolCalls: []llm.ToolCall{{ID: "1"}}}, 0, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st, err := parseResponse(tc.resp)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrModelUnavailable) {
					t.Errorf("parse errors must be ErrModelUnavailable, got %v", err)
				}
				return
			}
			if len(st.calls) != tc.wantCalls || st.answer != tc.answer {
				t.Errorf("step = %+v", st)
			}
		})
	}
}

func TestParseResponseFixesCallIDs(t *testing.T) {
	st, err := parseResponse(&llm.ChatResponse{ToolCalls: []llm.ToolCall{
		{ID: "dup", Name: "a"},
		{ID: "dup", Name: "b"},
		{Name: "c"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if st.calls[0].ID != "dup" {
		t.Errorf("first id changed: %q", st.calls[0].ID)
	}
	seen := map[string]bool{}
	for _, c := range st.calls {
		if seen[c.ID] {
			t.Fatalf("duplicate id %q", c.ID)
		}
		seen[c.ID] = true
		if c.Input == nil {
			t.Error("nil input not replaced")
		}
	}
	if !strings.HasPrefix(st.calls[2].ID, "call_") {
		t.Errorf("generated id = %q", st.calls[2].ID)
	}
}

func TestToolError(t *testing.T) {
	tests := []struct {
		reason string
		want   error
	}{
		{tools.ReasonUnknownTool, ErrUnknownTool},
		{tools.ReasonInvalidArguments, ErrToolValidation},
		{tools.ReasonTimeout, ErrToolExecution},
		{tools.ReasonExecutionFailed, ErrToolExecution},
		{tools.ReasonCancelled, ErrToolExecution},
	}
	for _, tc := range tests {
		t.Run(tc.reason, func(t *testing.T) {
			err := ToolError(tools.Result{ToolName: "x", Status: tools.StatusError, Reason: tc.reason})
			if !errors.Is(err, tc.want) {
				t.Fatalf("ToolError = %v, want %v", err, tc.want)
			}
		})
	}
	if err := ToolError(tools.Result{Status: tools.StatusOK}); err != nil {
		t.Errorf("ok result mapped to %v", err)
	}
}
