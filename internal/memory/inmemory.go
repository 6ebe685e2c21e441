package memory

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// InMemoryStore ranks memories by cosine similarity of term-frequency
// vectors. It needs no embedder and is the default backend for local use and
// tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]storedRecord
}

type storedRecord struct {
	Record
	terms map[string]float64
	norm  float64
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]storedRecord)}
}

// Search implements Store.
func (s *InMemoryStore) Search(ctx context.Context, userID, text string, topK int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query, qnorm := termVector(text)
	if qnorm == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []Item
	for _, rec := range s.records[userID] {
		if rec.norm == 0 {
			continue
		}
		dot := 0.0
		for term, w := range query {
			dot += w * rec.terms[term]
		}
		if dot == 0 {
			continue
		}
		items = append(items, Item{
			ID:        rec.ID,
			Text:      rec.Text,
			Score:     dot / (qnorm * rec.norm),
			Timestamp: rec.Timestamp,
			UserID:    rec.UserID,
		})
	}
	SortItems(items)
	if topK > 0 && len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

// Upsert implements Store.
func (s *InMemoryStore) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	terms, norm := termVector(rec.Text)

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.records[rec.UserID]
	for i := range list {
		if list[i].ID == rec.ID {
			list[i] = storedRecord{Record: rec, terms: terms, norm: norm}
			return nil
		}
	}
	s.records[rec.UserID] = append(list, storedRecord{Record: rec, terms: terms, norm: norm})
	return nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(ctx context.Context, userID string, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.records[userID]
	if before.IsZero() {
		delete(s.records, userID)
		return len(list), nil
	}
	kept := list[:0]
	removed := 0
	for _, rec := range list {
		if rec.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records[userID] = kept
	return removed, nil
}

// Count implements Store.
func (s *InMemoryStore) Count(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[userID]), nil
}

func termVector(text string) (map[string]float64, float64) {
	terms := make(map[string]float64)
	for _, w := range tokenize(text) {
		terms[w]++
	}
	sum := 0.0
	for _, v := range terms {
		sum += v * v
	}
	return terms, math.Sqrt(sum)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
