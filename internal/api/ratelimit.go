package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nicodishanthj/soldocs/internal/common"
)

const (
	rateLimitPerMinute = 30
	clientIdleEviction = 3 * time.Minute
	sweepInterval      = time.Minute
)

// rateLimiter enforces a per-client-IP token bucket on mutating routes.
// State is in-memory only and resets on restart. A background reaper drops
// idle clients so the map stays bounded; it must be stopped on shutdown.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateLimitClient
	stop    chan struct{}
	once    sync.Once
}

type rateLimitClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		clients: make(map[string]*rateLimitClient),
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *rateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *rateLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-clientIdleEviction)
			rl.mu.Lock()
			for ip, client := range rl.clients {
				if client.lastSeen.Before(cutoff) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	client, ok := rl.clients[ip]
	if !ok {
		client = &rateLimitClient{
			limiter: rate.NewLimiter(rate.Every(time.Minute/rateLimitPerMinute), rateLimitPerMinute),
		}
		rl.clients[ip] = client
	}
	client.lastSeen = time.Now()
	return client.limiter.Allow()
}

// middleware rejects over-limit clients with 429.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			common.Logger().Warn("api: rate limit exceeded", "ip", ip, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, errTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
