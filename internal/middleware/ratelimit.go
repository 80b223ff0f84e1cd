package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter limits requests per client IP within a sliding window.
// A background goroutine evicts idle entries; call Stop on shutdown.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	limit   int
	window  time.Duration
	done    chan struct{}
}

type clientWindow struct {
	count      int
	windowFrom time.Time
	lastSeen   time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  window,
		done:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Limit returns the middleware enforcing this limiter.
func (rl *RateLimiter) Limit() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(clientIP(r)) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next(w, r)
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call once.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

func (rl *RateLimiter) allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok || now.Sub(c.windowFrom) >= rl.window {
		rl.clients[ip] = &clientWindow{count: 1, windowFrom: now, lastSeen: now}
		return true
	}
	c.lastSeen = now
	if c.count >= rl.limit {
		return false
	}
	c.count++
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * rl.window)
			rl.mu.Lock()
			for ip, c := range rl.clients {
				if c.lastSeen.Before(cutoff) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// clientIP extracts the remote IP, preferring X-Forwarded-For when present
// (the service is expected to run behind a reverse proxy).
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
