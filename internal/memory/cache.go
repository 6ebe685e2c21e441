package memory

import (
	"container/list"
	"sync"
	"time"
)

// queryCache is a TTL-bounded LRU of query results, partitioned by user so a
// write can invalidate one user's entries.
type queryCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	lru      *list.List
	now      func() time.Time
}

type cacheEntry struct {
	key       string
	userID    string
	items     []Item
	expiresAt time.Time
}

func newQueryCache(capacity int, ttl time.Duration, now func() time.Time) *queryCache {
	if capacity <= 0 {
		return nil
	}
	return &queryCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		lru:      list.New(),
		now:      now,
	}
}

func (c *queryCache) get(key string) ([]Item, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*cacheEntry)
	if c.now().After(ent.expiresAt) {
		c.lru.Remove(elem)
		delete(c.items, key)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return cloneItems(ent.items), true
}

func (c *queryCache) set(key, userID string, items []Item) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		ent := elem.Value.(*cacheEntry)
		ent.items = cloneItems(items)
		ent.expiresAt = expiresAt
		return
	}

	elem := c.lru.PushFront(&cacheEntry{
		key:       key,
		userID:    userID,
		items:     cloneItems(items),
		expiresAt: expiresAt,
	})
	c.items[key] = elem

	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// invalidate drops every entry belonging to userID.
func (c *queryCache) invalidate(userID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.items {
		if elem.Value.(*cacheEntry).userID == userID {
			c.lru.Remove(elem)
			delete(c.items, key)
		}
	}
}

func (c *queryCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
