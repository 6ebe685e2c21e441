package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szaher/aida/internal/telemetry"
)

// Gateway defaults.
const (
	DefaultQueryTimeout = 2 * time.Second
	DefaultWriteQueue   = 64
	DefaultWorkers      = 2
	DefaultCacheSize    = 100
	DefaultCacheTTL     = 5 * time.Minute
	defaultWriteTimeout = 10 * time.Second
)

// Gateway is the core's only path to long-term memory. Queries are bounded by
// a timeout and degrade to an empty result; writes are queued and applied by
// background workers.
type Gateway struct {
	store        Store
	backend      string
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	queryTimeout time.Duration
	writeTimeout time.Duration
	workers      int
	queueSize    int
	cacheSize    int
	cacheTTL     time.Duration
	now          func() time.Time

	cache *queryCache
	group singleflight.Group

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	wg     sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithQueryTimeout bounds each store query.
func WithQueryTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.queryTimeout = d
		}
	}
}

// WithWriteQueue sets the write queue capacity and the number of workers
// draining it.
func WithWriteQueue(size, workers int) Option {
	return func(g *Gateway) {
		if size > 0 {
			g.queueSize = size
		}
		if workers > 0 {
			g.workers = workers
		}
	}
}

// WithCache configures the query cache. A size of zero disables it.
func WithCache(size int, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.cacheSize = size
		if ttl > 0 {
			g.cacheTTL = ttl
		}
	}
}

// WithBackendName labels the store in Stats output.
func WithBackendName(name string) Option {
	return func(g *Gateway) { g.backend = name }
}

// WithClock overrides the time source used for record timestamps and cache
// expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a gateway over store and starts its write workers.
func NewGateway(store Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:        store,
		backend:      fmt.Sprintf("%T", store),
		logger:       slog.Default(),
		queryTimeout: DefaultQueryTimeout,
		writeTimeout: defaultWriteTimeout,
		workers:      DefaultWorkers,
		queueSize:    DefaultWriteQueue,
		cacheSize:    DefaultCacheSize,
		cacheTTL:     DefaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cache = newQueryCache(g.cacheSize, g.cacheTTL, g.now)
	g.queue = make(chan Record, g.queueSize)

	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go g.writer()
	}
	return g
}

// Query returns up to topK memories for userID ranked by relevance to text.
// It never fails: on timeout or store error it logs a warning and returns an
// empty slice.
func (g *Gateway) Query(ctx context.Context, text, userID string, topK int) []Item {
	items, err := g.Search(ctx, text, userID, topK)
	if err != nil {
		g.logger.Warn("memory query degraded", "user_id", NormalizeUserID(userID), "error", err)
		return []Item{}
	}
	return items
}

// Search is Query without degradation. Errors wrap ErrUnavailable.
func (g *Gateway) Search(ctx context.Context, text, userID string, topK int) ([]Item, error) {
	text = strings.TrimSpace(text)
	if text == "" || topK <= 0 {
		return []Item{}, nil
	}
	userID = NormalizeUserID(userID)
	key := userID + "\x00" + strconv.Itoa(topK) + "\x00" + text

	if items, ok := g.cache.get(key); ok {
		g.metrics.RecordMemoryQuery("cached")
		return items, nil
	}

	// The query is shared by every caller waiting on key, so it runs detached
	// from any one caller's cancellation and is bounded by the query timeout
	// alone. Each caller still stops waiting when its own ctx ends.
	ch := g.group.DoChan(key, func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.queryTimeout)
		defer cancel()

		items, err := g.store.Search(qctx, userID, text, topK)
		if err != nil {
			return nil, err
		}
		SortItems(items)
		if len(items) > topK {
			items = items[:topK]
		}
		g.cache.set(key, userID, items)
		return items, nil
	})
	var v interface{}
	var err error
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		g.metrics.RecordMemoryQuery("unavailable")
		return nil, fmt.Errorf("memory: query: %w: %v", ErrUnavailable, err)
	}

	items := cloneItems(v.([]Item))
	if items == nil {
		items = []Item{}
	}
	if len(items) == 0 {
		g.metrics.RecordMemoryQuery("miss")
	} else {
		g.metrics.RecordMemoryQuery("hit")
	}
	return items, nil
}

// Write enqueues text for persistence under userID and returns immediately.
// It reports whether the write was accepted; a full queue or a closed
// gateway drops the write with a warning.
func (g *Gateway) Write(text, userID string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	rec := Record{
		Text:      text,
		UserID:    NormalizeUserID(userID),
		Timestamp: g.now().UTC(),
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		g.logger.Warn("memory write dropped: gateway closed", "user_id", rec.UserID)
		g.metrics.RecordMemoryWrite("dropped")
		return false
	}
	select {
	case g.queue <- rec:
		return true
	default:
		g.logger.Warn("memory write dropped: queue full", "user_id", rec.UserID, "capacity", cap(g.queue))
		g.metrics.RecordMemoryWrite("dropped")
		return false
	}
}

func (g *Gateway) writer() {
	defer g.wg.Done()
	for rec := range g.queue {
		ctx, cancel := context.WithTimeout(context.Background(), g.writeTimeout)
		err := g.store.Upsert(ctx, rec)
		cancel()
		if err != nil {
			g.logger.Warn("memory write failed", "user_id", rec.UserID, "error", err)
			g.metrics.RecordMemoryWrite("failed")
			continue
		}
		g.cache.invalidate(rec.UserID)
		g.metrics.RecordMemoryWrite("ok")
		g.logger.Debug("memory stored", "user_id", rec.UserID, "chars", len(rec.Text))
	}
}

// Prune removes the user's memories older than olderThan.
func (g *Gateway) Prune(ctx context.Context, userID string, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("memory: prune: age must be positive, got %s", olderThan)
	}
	userID = NormalizeUserID(userID)
	n, err := g.store.Delete(ctx, userID, g.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("memory: prune: %w", err)
	}
	g.cache.invalidate(userID)
	g.logger.Info("memories pruned", "user_id", userID, "older_than", olderThan, "removed", n)
	return n, nil
}

// Clear removes every memory held for the user.
func (g *Gateway) Clear(ctx context.Context, userID string) (int, error) {
	userID = NormalizeUserID(userID)
	n, err := g.store.Delete(ctx, userID, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("memory: clear: %w", err)
	}
	g.cache.invalidate(userID)
	g.logger.Info("memories cleared", "user_id", userID, "removed", n)
	return n, nil
}

// Stats reports the size of the user's partition and the gateway's queue and
// cache occupancy.
func (g *Gateway) Stats(ctx context.Context, userID string) (Stats, error) {
	userID = NormalizeUserID(userID)
	n, err := g.store.Count(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("memory: stats: %w", err)
	}
	return Stats{
		UserID:       userID,
		Backend:      g.backend,
		Count:        n,
		PendingWrite: len(g.queue),
		CacheEntries: g.cache.len(),
	}, nil
}

// Close stops accepting writes and waits for queued writes to drain or for
// ctx to expire.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.queue)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("memory: close: %d writes pending: %w", len(g.queue), ctx.Err())
	}
}
