package webhook

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxTrackedClients bounds how many per-client limiters are kept. The
// least recently seen client loses its limiter first.
const maxTrackedClients = 4096

// clientLimiter hands out one token bucket per client id.
type clientLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// newClientLimiter returns nil when requestsPerMinute is zero, which
// disables throttling.
func newClientLimiter(requestsPerMinute, burst int) *clientLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	cache, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &clientLimiter{
		limiters: cache,
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

// Allow reports whether clientID may start another run now.
func (l *clientLimiter) Allow(clientID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters.Get(clientID)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(clientID, limiter)
	}
	l.mu.Unlock()
	return limiter.Allow()
}
