package worker

import (
	"net/http"
	"sync"
	"time"
)

// bucket is a token bucket refilled at rate tokens per second up to burst.
type bucket struct {
	lastSeen time.Time
	tokens   float64
	requests int64
	rejected int64
}

// RateLimitStats summarizes a PerClientRateLimiter.
type RateLimitStats struct {
	Rate          float64 `json:"rate"`
	Burst         int     `json:"burst"`
	ActiveClients int     `json:"active_clients"`
	TotalRequests int64   `json:"total_requests"`
	TotalRejected int64   `json:"total_rejected"`
}

// PerClientRateLimiter keeps one token bucket per client key. Buckets idle
// for longer than maxIdle are dropped during periodic sweeps.
type PerClientRateLimiter struct {
	now        func() time.Time
	lastSweep  time.Time
	clients    map[string]*bucket
	rate       float64
	burst      int
	sweepEvery time.Duration
	maxIdle    time.Duration
	mu         sync.Mutex
}

// NewPerClientRateLimiter allows rate requests per second per client with
// bursts of up to burst. A non-positive rate disables limiting.
func NewPerClientRateLimiter(rate float64, burst int) *PerClientRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &PerClientRateLimiter{
		now:        time.Now,
		lastSweep:  time.Now(),
		clients:    make(map[string]*bucket),
		rate:       rate,
		burst:      burst,
		sweepEvery: 5 * time.Minute,
		maxIdle:    10 * time.Minute,
	}
}

// Allow consumes a token for key and reports whether one was available.
func (l *PerClientRateLimiter) Allow(key string) bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.sweepEvery {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > l.maxIdle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastSeen: now}
		l.clients[key] = b
	}

	b.tokens = min(float64(l.burst), b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate)
	b.lastSeen = now
	b.requests++

	if b.tokens < 1 {
		b.rejected++
		return false
	}
	b.tokens--
	return true
}

// Stats aggregates counters across all tracked clients.
func (l *PerClientRateLimiter) Stats() RateLimitStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := RateLimitStats{Rate: l.rate, Burst: l.burst, ActiveClients: len(l.clients)}
	for _, b := range l.clients {
		st.TotalRequests += b.requests
		st.TotalRejected += b.rejected
	}
	return st
}

// PerClientRateLimitMiddleware answers 429 once a client exhausts its bucket.
// Clients are keyed by RemoteAddr, which middleware.RealIP rewrites from
// X-Real-IP / X-Forwarded-For.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.RemoteAddr) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
