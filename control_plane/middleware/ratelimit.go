package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/llathrop/ansible-fleet/control_plane/observability"
)

// RateLimiter throttles an endpoint per client IP. Idle client entries
// are dropped after an hour.
type RateLimiter struct {
	endpoint string
	limit    rate.Limit
	burst    int

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(endpoint string, perSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		endpoint: endpoint,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		clients:  make(map[string]*clientLimiter),
	}
	go rl.evictLoop()
	return rl
}

func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !rl.allow(host) {
			observability.APIRateLimited.WithLabelValues(rl.endpoint).Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cl, ok := rl.clients[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter.Allow()
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		rl.mu.Lock()
		for client, cl := range rl.clients {
			if cl.lastSeen.Before(cutoff) {
				delete(rl.clients, client)
			}
		}
		rl.mu.Unlock()
	}
}
