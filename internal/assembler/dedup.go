package assembler

import (
	"strings"
	"unicode"
)

// overlapIndex answers whether a text is already present in a set of texts:
// equal after normalization, contained in one of them, or with a word-set
// Jaccard similarity at or above the threshold.
type overlapIndex struct {
	threshold float64
	texts     []string
	words     []map[string]struct{}
}

func newOverlapIndex(texts []string, threshold float64) *overlapIndex {
	idx := &overlapIndex{threshold: threshold}
	for _, t := range texts {
		idx.add(t)
	}
	return idx
}

func (o *overlapIndex) add(text string) {
	n := normalize(text)
	if n == "" {
		return
	}
	o.texts = append(o.texts, n)
	o.words = append(o.words, wordSet(n))
}

func (o *overlapIndex) covers(text string) bool {
	n := normalize(text)
	if n == "" {
		return true
	}
	ws := wordSet(n)
	for i, existing := range o.texts {
		if n == existing || strings.Contains(existing, n) {
			return true
		}
		if jaccard(ws, o.words[i]) >= o.threshold {
			return true
		}
	}
	return false
}

// normalize lowercases text, drops punctuation and the "user:" and
// "assistant:" speaker labels used by stored interactions, and collapses
// whitespace.
func normalize(text string) string {
	var lines []string
	for _, line := range strings.Split(strings.ToLower(text), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "user:")
		line = strings.TrimPrefix(line, "assistant:")
		lines = append(lines, line)
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return ' '
	}, strings.Join(lines, " "))
	return strings.Join(strings.Fields(cleaned), " ")
}

func wordSet(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(normalized) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
