// Package memory is the long-term semantic memory gateway. It fronts a vector
// store with a bounded query path and a fire-and-forget write path.
package memory

import (
	"context"
	"errors"
	"sort"
	"time"
)

// DefaultUserID is the anonymous memory partition used when a caller does not
// supply a user identity.
const DefaultUserID = "default_user"

// ErrUnavailable reports that the backing store could not answer in time.
var ErrUnavailable = errors.New("memory unavailable")

// Item is one retrieved memory.
type Item struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
}

// Record is a memory to be persisted.
type Record struct {
	ID        string
	Text      string
	UserID    string
	Timestamp time.Time
}

// Store is the contract of a vector store backend. Stores own embeddings;
// callers deal only in text.
type Store interface {
	// Search returns up to topK items for userID ranked by relevance to text.
	Search(ctx context.Context, userID, text string, topK int) ([]Item, error)

	// Upsert persists a record.
	Upsert(ctx context.Context, rec Record) error

	// Delete removes the user's records created before the cutoff. A zero
	// cutoff removes all of them. It returns the number removed when the
	// backend reports it, or -1.
	Delete(ctx context.Context, userID string, before time.Time) (int, error)

	// Count returns the number of records held for userID.
	Count(ctx context.Context, userID string) (int, error)
}

// Stats describes one user's memory partition.
type Stats struct {
	UserID       string `json:"user_id"`
	Backend      string `json:"backend"`
	Count        int    `json:"count"`
	PendingWrite int    `json:"pending_writes"`
	CacheEntries int    `json:"cache_entries"`
}

// NormalizeUserID maps an empty identity onto the anonymous partition.
func NormalizeUserID(userID string) string {
	if userID == "" {
		return DefaultUserID
	}
	return userID
}

// SortItems orders items by descending score, then newer timestamp, then ID.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
}
