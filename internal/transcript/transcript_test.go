package transcript

import (
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

func turnOf(role Role, content string) Turn {
	return Turn{Role: role, Content: content}
}

func TestAppendStampsTimestamp(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := New(WithClock(func() time.Time { return fixed }))

	b.Append(turnOf(RoleUser, "hi"))
	explicit := fixed.Add(-time.Hour)
	b.Append(Turn{Role: RoleAssistant, Content: "hello", Timestamp: explicit})

	turns := b.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if !turns[0].Timestamp.Equal(fixed) {
		t.Errorf("expected stamped timestamp %v, got %v", fixed, turns[0].Timestamp)
	}
	if !turns[1].Timestamp.Equal(explicit) {
		t.Errorf("explicit timestamp overwritten: %v", turns[1].Timestamp)
	}
}

func TestAppendCopiesArguments(t *testing.T) {
	b := New()
	args := map[string]interface{}{"query": "weather Boston"}
	b.Append(Turn{Role: RoleTool, ToolName: "web_search", Arguments: args})
	args["query"] = "mutated"

	if got := b.Turns()[0].Arguments["query"]; got != "weather Boston" {
		t.Errorf("stored arguments changed after append: %v", got)
	}
}

func TestTurnsReturnsCopy(t *testing.T) {
	b := New()
	b.Append(turnOf(RoleUser, "one"))
	turns := b.Turns()
	turns[0].Content = "changed"

	if b.Turns()[0].Content != "one" {
		t.Error("Turns() exposed internal storage")
	}
}

func TestTailBudget(t *testing.T) {
	b := New()
	// Each turn: 8 chars = 2 tokens + 4 overhead = 6 tokens.
	for i := 0; i < 5; i++ {
		b.Append(turnOf(RoleUser, "abcdefgh"))
	}

	tests := []struct {
		name   string
		budget int
		want   int
	}{
		{"zero budget", 0, 0},
		{"smaller than one turn", 5, 0},
		{"exactly one turn", 6, 1},
		{"between turns", 17, 2},
		{"exactly all", 30, 5},
		{"more than all", 1000, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(b.Tail(tt.budget)); got != tt.want {
				t.Errorf("Tail(%d) returned %d turns, want %d", tt.budget, got, tt.want)
			}
		})
	}
}

func TestTailDoesNotSkipLargeTurn(t *testing.T) {
	b := New()
	b.Append(turnOf(RoleUser, "a"))
	b.Append(turnOf(RoleAssistant, strings.Repeat("x", 400)))
	b.Append(turnOf(RoleUser, "b"))

	// The middle turn does not fit, so the suffix stops there even though
	// the first turn alone would.
	got := b.Tail(20)
	if len(got) != 1 || got[0].Content != "b" {
		t.Fatalf("expected only the newest turn, got %+v", got)
	}
}

// For random logs and budgets, the tail never exceeds its budget, is a
// contiguous suffix, and is the longest such suffix.
func TestTailProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		b := New()
		n := rng.Intn(30)
		for i := 0; i < n; i++ {
			b.Append(turnOf(RoleUser, strings.Repeat("w", rng.Intn(200))))
		}
		budget := rng.Intn(600)
		all := b.Turns()
		got := b.Tail(budget)

		total := 0
		for _, turn := range got {
			total += turn.Tokens()
		}
		if total > budget {
			t.Fatalf("iter %d: tail tokens %d exceed budget %d", iter, total, budget)
		}

		offset := len(all) - len(got)
		for i := range got {
			if got[i].Content != all[offset+i].Content || !got[i].Timestamp.Equal(all[offset+i].Timestamp) {
				t.Fatalf("iter %d: tail is not a contiguous suffix at %d", iter, i)
			}
		}

		if offset > 0 && total+all[offset-1].Tokens() <= budget {
			t.Fatalf("iter %d: tail is not maximal; previous turn would fit", iter)
		}
	}
}

func TestMaxTurnsEviction(t *testing.T) {
	b := New(WithMaxTurns(3))
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		b.Append(turnOf(RoleUser, c))
	}

	turns := b.Turns()
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns after eviction, got %d", len(turns))
	}
	if turns[0].Content != "3" || turns[2].Content != "5" {
		t.Errorf("unexpected retained turns: %+v", turns)
	}
	if b.Mark() != 5 {
		t.Errorf("Mark() = %d, want 5", b.Mark())
	}
}

func TestMarkSinceAndTailAt(t *testing.T) {
	b := New(WithMaxTurns(4))
	b.Append(turnOf(RoleUser, "old-1"))
	b.Append(turnOf(RoleAssistant, "old-2"))
	b.Append(turnOf(RoleUser, "old-3"))

	mark := b.Mark()
	b.Append(turnOf(RoleUser, "current"))
	b.Append(turnOf(RoleTool, "result"))
	b.Append(turnOf(RoleAssistant, "answer"))

	since := b.Since(mark)
	if len(since) != 3 || since[0].Content != "current" {
		t.Fatalf("Since(mark) = %+v", since)
	}

	before := b.TailAt(mark, 1000)
	if len(before) != 1 || before[0].Content != "old-3" {
		t.Fatalf("TailAt(mark) = %+v, want only the surviving pre-mark turn", before)
	}

	if got := b.Since(b.Mark()); got != nil {
		t.Errorf("Since(Mark()) = %+v, want nil", got)
	}
}

func TestConcurrentAppend(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Append(turnOf(RoleUser, "x"))
			_ = b.Tail(100)
		}()
	}
	wg.Wait()
	if b.Len() != 50 {
		t.Errorf("Len() = %d, want 50", b.Len())
	}
}

func TestTurnTokens(t *testing.T) {
	turn := Turn{Role: RoleTool, ToolName: "web_search", Content: "abcd"}
	// "web_search" = 10 runes -> 3 tokens, "abcd" -> 1, plus overhead 4.
	if got := turn.Tokens(); got != 8 {
		t.Errorf("Tokens() = %d, want 8", got)
	}
}
