// Package ratelimit enforces the listener's per-client request budget with a
// token bucket per client IP. Buckets are evicted when idle so the map stays
// bounded under IP churn.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Limiter applies a per-IP token bucket.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*client
	limit   rate.Limit
	burst   int
	maxKeys int
	stop    chan struct{}
	counter prometheus.Counter // optional: incremented on each 429
}

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter incremented on each rejected request.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// New creates a limiter allowing requestsPerMinute sustained with the given
// burst capacity.
func New(requestsPerMinute, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*client),
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		maxKeys: 100000,
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

// Middleware enforces the limit per client IP (X-Real-IP or RemoteAddr).
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Real-IP")
		if ip == "" {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	c, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		c = &client{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()
	return c.lim.Allow()
}

// evictOldest removes the least recently seen client. Caller holds l.mu.
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, c := range l.buckets {
		if first || c.lastSeen.Before(oldest) {
			oldestKey = k
			oldest = c.lastSeen
			first = false
		}
	}
	if !first {
		delete(l.buckets, oldestKey)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, c := range l.buckets {
				if c.lastSeen.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
