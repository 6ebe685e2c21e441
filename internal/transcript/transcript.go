// Package transcript holds the per-session conversation log: an append-only
// sequence of turns with a token-budgeted tail view.
package transcript

import (
	"sync"
	"time"

	"github.com/szaher/aida/internal/llm"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// turnOverhead is the fixed token cost charged per turn on top of its content.
const turnOverhead = 4

// Turn is one entry in the conversation log. Turns are immutable once appended.
type Turn struct {
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	ToolName  string                 `json:"tool_name,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Tokens returns the estimated token cost of the turn.
func (t Turn) Tokens() int {
	return llm.EstimateTokens(t.Content) + llm.EstimateTokens(t.ToolName) + turnOverhead
}

// Buffer is an append-only turn log for one session.
type Buffer struct {
	mu       sync.RWMutex
	maxTurns int
	turns    []Turn
	evicted  int
	now      func() time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMaxTurns bounds the full log. When exceeded the oldest turns are
// evicted. Zero keeps every turn for the session's lifetime.
func WithMaxTurns(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxTurns = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// New creates an empty buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append adds a turn to the end of the log, stamping Timestamp when zero.
// It always succeeds.
func (b *Buffer) Append(turn Turn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = b.now()
	}
	if turn.Arguments != nil {
		args := make(map[string]interface{}, len(turn.Arguments))
		for k, v := range turn.Arguments {
			args[k] = v
		}
		turn.Arguments = args
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, turn)

	if b.maxTurns > 0 && len(b.turns) > b.maxTurns {
		drop := len(b.turns) - b.maxTurns
		b.evicted += drop
		kept := make([]Turn, b.maxTurns, b.maxTurns+b.maxTurns/2+1)
		copy(kept, b.turns[drop:])
		b.turns = kept
	}
}

// Tail returns the longest suffix of the log whose cumulative token estimate
// does not exceed maxTokens, in chronological order.
func (b *Buffer) Tail(maxTokens int) []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return tail(b.turns, maxTokens)
}

// Mark returns the absolute position of the next turn to be appended.
// Positions count every turn ever appended, so they stay valid when the
// trim policy evicts old turns.
func (b *Buffer) Mark() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted + len(b.turns)
}

// TailAt is Tail restricted to the turns before mark. It is used to view the
// history that precedes the turn being processed.
func (b *Buffer) TailAt(mark, maxTokens int) []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return tail(b.turns[:b.index(mark)], maxTokens)
}

// index converts an absolute position into an offset into b.turns.
func (b *Buffer) index(mark int) int {
	n := mark - b.evicted
	if n < 0 {
		return 0
	}
	if n > len(b.turns) {
		return len(b.turns)
	}
	return n
}

func tail(turns []Turn, maxTokens int) []Turn {
	if maxTokens <= 0 {
		return nil
	}
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := turns[i].Tokens()
		if used+cost > maxTokens {
			break
		}
		used += cost
		start = i
	}
	out := make([]Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// Turns returns a copy of the full log.
func (b *Buffer) Turns() []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Since returns a copy of the turns appended at or after mark that are still
// held by the buffer.
func (b *Buffer) Since(mark int) []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.index(mark)
	if n >= len(b.turns) {
		return nil
	}
	out := make([]Turn, len(b.turns)-n)
	copy(out, b.turns[n:])
	return out
}

// Len returns the number of turns currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}

// TotalTokens returns the estimated token cost of the full log.
func (b *Buffer) TotalTokens() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, t := range b.turns {
		total += t.Tokens()
	}
	return total
}
