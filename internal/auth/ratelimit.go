package auth

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	authMaxFailures = 10
	authWindow      = time.Minute
	authBlock       = 5 * time.Minute
	pruneAbove      = 1000
	pruneIdle       = 10 * time.Minute
)

// Limiter applies a token bucket per client and tracks failed
// authentication attempts. A nil *Limiter allows everything.
type Limiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	clients  map[string]*client
	failures map[string]*failures
}

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

type failures struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// NewLimiter allows perSecond requests per client with the given burst.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
		clients:  make(map[string]*client),
		failures: make(map[string]*failures),
	}
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= pruneAbove {
			l.prune(now)
		}
		c = &client{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

// Blocked reports whether ip is locked out and for how long.
func (l *Limiter) Blocked(ip string) (time.Duration, bool) {
	if l == nil {
		return 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.failures[ip]
	if !ok || f.blockedUntil.IsZero() {
		return 0, false
	}
	now := l.now()
	if now.Before(f.blockedUntil) {
		return f.blockedUntil.Sub(now), true
	}
	delete(l.failures, ip)
	return 0, false
}

// Failure records a failed attempt and reports whether ip is now blocked.
func (l *Limiter) Failure(ip string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	f, ok := l.failures[ip]
	if !ok || now.Sub(f.windowStart) > authWindow {
		f = &failures{windowStart: now}
		l.failures[ip] = f
	}
	f.count++
	if f.count >= authMaxFailures {
		f.blockedUntil = now.Add(authBlock)
		return true
	}
	return false
}

// Success clears failure tracking for ip.
func (l *Limiter) Success(ip string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.failures, ip)
	l.mu.Unlock()
}

func (l *Limiter) prune(now time.Time) {
	for k, c := range l.clients {
		if now.Sub(c.seen) > pruneIdle {
			delete(l.clients, k)
		}
	}
	for ip, f := range l.failures {
		if (!f.blockedUntil.IsZero() && now.After(f.blockedUntil)) || now.Sub(f.windowStart) > pruneIdle {
			delete(l.failures, ip)
		}
	}
}

// Middleware rejects requests over the per-client rate with 429.
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil || l.Allow(keyFunc(r)) {
				next.ServeHTTP(w, r)
				return
			}
			retry := 1
			if l.limit > 0 && float64(l.limit) < 1 {
				retry = int(1/float64(l.limit)) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, try again later")
		})
	}
}

// ClientIP returns the request's remote host without the port. Run chi's
// RealIP middleware first to honour proxy headers.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
