// Package assembler builds the per-turn model context: system prompt,
// retrieved memories, the transcript tail, the current utterance and the
// tool exchanges accumulated so far in the turn.
package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/szaher/aida/internal/llm"
	"github.com/szaher/aida/internal/memory"
	"github.com/szaher/aida/internal/transcript"
)

// Budget splits the context window, in estimated tokens.
type Budget struct {
	// Total bounds the whole assembled context.
	Total int
	// System is reserved for the system prompt; longer prompts are truncated.
	System int
	// Memory bounds the retrieved memory block.
	Memory int
}

// DefaultBudget is used for zero Budget fields.
var DefaultBudget = Budget{Total: 6000, System: 1200, Memory: 800}

const (
	// DefaultTopK is the number of memories requested per turn.
	DefaultTopK = 5
	// DefaultDedupThreshold is the word-set Jaccard similarity at or above
	// which a memory counts as already present.
	DefaultDedupThreshold = 0.8

	memoryHeader    = "Relevant memories from previous conversations:"
	memoryTimestamp = "2006-01-02 15:04"
	itemOverhead    = 2
)

// MemorySource is the read side of the memory gateway.
type MemorySource interface {
	Query(ctx context.Context, text, userID string, topK int) []memory.Item
}

// Assembler builds Contexts. It is safe for concurrent use.
type Assembler struct {
	memory    MemorySource
	budget    Budget
	topK      int
	threshold float64
	logger    *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithBudget sets the token budget. Zero fields keep their defaults.
func WithBudget(b Budget) Option {
	return func(a *Assembler) {
		if b.Total > 0 {
			a.budget.Total = b.Total
		}
		if b.System > 0 {
			a.budget.System = b.System
		}
		if b.Memory > 0 {
			a.budget.Memory = b.Memory
		}
	}
}

// WithTopK sets how many memories are requested.
func WithTopK(k int) Option {
	return func(a *Assembler) { a.topK = k }
}

// WithDedupThreshold sets the Jaccard threshold for memory deduplication.
func WithDedupThreshold(t float64) Option {
	return func(a *Assembler) {
		if t > 0 && t <= 1 {
			a.threshold = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// New creates an Assembler. A nil source disables memory grounding.
func New(source MemorySource, opts ...Option) *Assembler {
	a := &Assembler{
		memory:    source,
		budget:    DefaultBudget,
		topK:      DefaultTopK,
		threshold: DefaultDedupThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Input is everything a turn contributes to its context.
type Input struct {
	SystemPrompt string
	Utterance    string
	UserID       string
	// Transcript and Mark select the history: turns appended before Mark.
	Transcript *transcript.Buffer
	Mark       int
	// Pending holds this turn's tool exchanges: alternating assistant
	// tool-call messages and user tool-result messages.
	Pending []llm.Message
	// Memories, when non-nil, are used instead of querying the source. The
	// orchestrator sets it after the first iteration so every iteration of a
	// turn sees the same grounding.
	Memories []memory.Item
}

// Context is the assembled, ordered model context for one model call.
type Context struct {
	System   string
	Memories []memory.Item
	Tail     []transcript.Turn
	Messages []llm.Message
	Tokens   int
}

// Build assembles the context for in. It performs at most one memory query
// and is otherwise synchronous.
func (a *Assembler) Build(ctx context.Context, in Input) *Context {
	system := truncateRunes(in.SystemPrompt, a.budget.System*4)
	systemTokens := llm.EstimateTokens(system)
	utteranceTokens := llm.EstimateTokens(in.Utterance) + 4
	pending := fitPending(in.Pending, a.budget.Total-systemTokens-utteranceTokens)
	pendingTokens := messagesTokens(pending)

	historyBudget := a.budget.Total - systemTokens - utteranceTokens - pendingTokens
	var candidates []transcript.Turn
	if in.Transcript != nil && historyBudget > 0 {
		candidates = in.Transcript.TailAt(in.Mark, historyBudget)
	}

	items := in.Memories
	if items == nil {
		items = a.queryMemories(ctx, in)
	}

	// Memories are deduplicated against the tail the model will actually
	// see. Admitting memories shrinks the tail, which can expose facts the
	// dropped turns covered, so selection repeats until the tail is stable.
	// The tail only ever shrinks, so the loop ends.
	tail := candidates
	memories, memoryTokens := a.selectMemories(items, tail, in.Utterance)
	for {
		next := fitTail(candidates, historyBudget-memoryTokens)
		if len(next) >= len(tail) {
			break
		}
		tail = next
		memories, memoryTokens = a.selectMemories(items, tail, in.Utterance)
	}
	if tail == nil {
		tail = []transcript.Turn{}
	}

	c := &Context{
		System:   composeSystem(system, memories),
		Memories: memories,
		Tail:     tail,
	}
	c.Messages = buildMessages(tail, in.Utterance, pending)
	c.Tokens = systemTokens + memoryTokens + turnsTokens(tail) + utteranceTokens + pendingTokens

	a.logger.Debug("context assembled",
		"memories", len(memories),
		"tail_turns", len(tail),
		"pending", len(pending),
		"tokens", c.Tokens,
	)
	return c
}

// Request wraps the context into a chat request.
func (c *Context) Request(model string, maxTokens int, temperature *float64, tools []llm.ToolDefinition) llm.ChatRequest {
	msgs := make([]llm.Message, len(c.Messages))
	copy(msgs, c.Messages)
	return llm.ChatRequest{
		Model:       model,
		System:      c.System,
		Messages:    msgs,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

func (a *Assembler) queryMemories(ctx context.Context, in Input) []memory.Item {
	if a.memory == nil || a.topK <= 0 || a.budget.Memory <= 0 {
		return []memory.Item{}
	}
	return a.memory.Query(ctx, in.Utterance, in.UserID, a.topK)
}

// selectMemories drops items already present in the history or utterance
// and duplicates among the items, then fits the rest greedily, in rank
// order, under the memory budget.
func (a *Assembler) selectMemories(items []memory.Item, history []transcript.Turn, utterance string) ([]memory.Item, int) {
	if len(items) == 0 {
		return []memory.Item{}, 0
	}
	ranked := make([]memory.Item, len(items))
	copy(ranked, items)
	memory.SortItems(ranked)

	present := make([]string, 0, len(history)*2+1)
	for i, turn := range history {
		present = append(present, turn.Content)
		if i+1 < len(history) {
			present = append(present, turn.Content+"\n"+history[i+1].Content)
		}
	}
	present = append(present, utterance)
	seen := newOverlapIndex(present, a.threshold)

	used := 0
	kept := make([]memory.Item, 0, len(ranked))
	if a.budget.Memory > 0 {
		used = llm.EstimateTokens(memoryHeader)
	}
	for _, it := range ranked {
		if strings.TrimSpace(it.Text) == "" || seen.covers(it.Text) {
			continue
		}
		cost := llm.EstimateTokens(memoryLine(it)) + itemOverhead
		if used+cost > a.budget.Memory {
			continue
		}
		used += cost
		kept = append(kept, it)
		seen.add(it.Text)
	}
	if len(kept) == 0 {
		return kept, 0
	}
	return kept, used
}

// fitTail returns the longest suffix of turns within budget that starts at a
// user turn, so the model always sees a well-formed exchange.
func fitTail(turns []transcript.Turn, budget int) []transcript.Turn {
	if budget <= 0 {
		return []transcript.Turn{}
	}
	start := len(turns)
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		cost := turns[i].Tokens()
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	for start < len(turns) && turns[start].Role != transcript.RoleUser {
		start++
	}
	out := make([]transcript.Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

func composeSystem(prompt string, memories []memory.Item) string {
	if len(memories) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	if prompt != "" {
		b.WriteString("\n\n")
	}
	b.WriteString(memoryHeader)
	for _, it := range memories {
		b.WriteString("\n")
		b.WriteString(memoryLine(it))
	}
	return b.String()
}

func memoryLine(it memory.Item) string {
	if it.Timestamp.IsZero() {
		return "- " + it.Text
	}
	return "- [" + it.Timestamp.UTC().Format(memoryTimestamp) + "] " + it.Text
}

// buildMessages converts the history into chat messages, appends the
// utterance and then the pending tool exchanges. Tool turns from earlier
// turns are folded into the assistant side as text; consecutive messages of
// one role are merged.
func buildMessages(tail []transcript.Turn, utterance string, pending []llm.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(tail)+1+len(pending))
	push := func(role llm.Role, text string) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == role && len(msgs[n-1].ToolCalls) == 0 && len(msgs[n-1].ToolResults) == 0 {
			msgs[n-1].Content += "\n\n" + text
			return
		}
		msgs = append(msgs, llm.Message{Role: role, Content: text})
	}

	for _, turn := range tail {
		switch turn.Role {
		case transcript.RoleUser:
			push(llm.RoleUser, turn.Content)
		case transcript.RoleAssistant:
			push(llm.RoleAssistant, turn.Content)
		case transcript.RoleTool:
			push(llm.RoleAssistant, toolTurnText(turn))
		}
	}
	push(llm.RoleUser, utterance)
	msgs = append(msgs, pending...)
	return msgs
}

func toolTurnText(turn transcript.Turn) string {
	status := "result"
	if turn.IsError {
		status = "error"
	}
	return fmt.Sprintf("[%s %s] %s", turn.ToolName, status, turn.Content)
}

func messagesTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += llm.EstimateTokens(m.Content) + 4
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Input)
			total += llm.EstimateTokens(tc.Name) + llm.EstimateTokens(string(args))
		}
		for _, tr := range m.ToolResults {
			total += llm.EstimateTokens(tr.Content) + 4
		}
	}
	return total
}

// fitPending returns pending unchanged when it fits budget. Otherwise it
// returns a copy whose tool results are cut so the whole exchange fits.
// The space left after the fixed message overhead is shared out smallest
// result first, so short results stay whole and long ones get equal caps.
func fitPending(pending []llm.Message, budget int) []llm.Message {
	if messagesTokens(pending) <= budget {
		return pending
	}
	out := make([]llm.Message, len(pending))
	type ref struct{ msg, res, need int }
	var refs []ref
	for i, m := range pending {
		out[i] = m
		if len(m.ToolResults) == 0 {
			continue
		}
		out[i].ToolResults = make([]llm.ToolResult, len(m.ToolResults))
		copy(out[i].ToolResults, m.ToolResults)
		for j, tr := range m.ToolResults {
			refs = append(refs, ref{msg: i, res: j, need: llm.EstimateTokens(tr.Content)})
			out[i].ToolResults[j].Content = ""
		}
	}
	remaining := budget - messagesTokens(out)
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].need < refs[j].need })
	for k, r := range refs {
		share := 0
		if remaining > 0 {
			share = remaining / (len(refs) - k)
		}
		limit := min(r.need, share)
		remaining -= limit
		orig := pending[r.msg].ToolResults[r.res].Content
		out[r.msg].ToolResults[r.res].Content = truncateRunes(orig, limit*4)
	}
	return out
}

func turnsTokens(turns []transcript.Turn) int {
	total := 0
	for _, t := range turns {
		total += t.Tokens()
	}
	return total
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
