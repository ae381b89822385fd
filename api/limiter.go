package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter applies a token bucket per client address and evicts idle ones.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu       sync.Mutex
	byClient map[string]*clientEntry
	hits     uint64
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// makeClientLimiter returns nil, which allows everything, unless both rps and burst are positive.
func makeClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &clientLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		byClient: make(map[string]*clientEntry),
	}
}

func (limiter *clientLimiter) allow(client string, now time.Time) bool {
	if limiter == nil {
		return true
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	entry, exists := limiter.byClient[client]
	if !exists {
		entry = &clientEntry{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.byClient[client] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)

	limiter.hits++
	if limiter.hits%512 == 0 {
		cutoff := now.Add(-limiter.idleTTL)
		for key, other := range limiter.byClient {
			if other.lastSeen.Before(cutoff) {
				delete(limiter.byClient, key)
			}
		}
	}

	return allowed
}

func (limiter *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, e := net.SplitHostPort(r.RemoteAddr)
		if e != nil {
			client = r.RemoteAddr
		}
		if !limiter.allow(client, time.Now()) {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
