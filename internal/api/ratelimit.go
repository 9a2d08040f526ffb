package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a per-client token bucket. Each client may burst up to
// maxRate requests, and tokens refill continuously at maxRate per window.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*tokens
	burst   float64
	window  time.Duration
	now     func() time.Time

	sweepAt time.Time
}

// tokenSlack absorbs float residue from fractional refills.
const tokenSlack = 1e-9

type tokens struct {
	left float64
	seen time.Time
}

// NewRateLimiter allows maxRate requests per window for each client.
func NewRateLimiter(maxRate int, window time.Duration) *RateLimiter {
	if maxRate < 1 {
		maxRate = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		clients: make(map[string]*tokens),
		burst:   float64(maxRate),
		window:  window,
		now:     time.Now,
	}
}

// refill tops up the client's bucket to now and returns it. Callers hold mu.
func (rl *RateLimiter) refill(client string, now time.Time) *tokens {
	b, ok := rl.clients[client]
	if !ok {
		b = &tokens{left: rl.burst, seen: now}
		rl.clients[client] = b
		return b
	}
	if dt := now.Sub(b.seen).Seconds(); dt > 0 {
		b.left = math.Min(rl.burst, b.left+dt*rl.burst/rl.window.Seconds())
	}
	b.seen = now
	return b
}

// Allow spends one token for client, reporting false when none is left.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)
	b := rl.refill(client, now)
	if b.left+tokenSlack < 1 {
		return false
	}
	b.left--
	return true
}

// RetryAfter is the whole number of seconds until client has a token again.
func (rl *RateLimiter) RetryAfter(client string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if _, ok := rl.clients[client]; !ok {
		return 0
	}
	b := rl.refill(client, rl.now())
	if b.left+tokenSlack >= 1 {
		return 0
	}
	return int(math.Ceil((1-b.left)*rl.window.Seconds()/rl.burst - tokenSlack))
}

// sweep forgets clients idle for a whole window, whose buckets are full
// again anyway. It runs at most once per window.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Before(rl.sweepAt) {
		return
	}
	for c, b := range rl.clients {
		if now.Sub(b.seen) > rl.window {
			delete(rl.clients, c)
		}
	}
	rl.sweepAt = now.Add(rl.window)
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr without its port.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimitMiddleware answers 429 with Retry-After once a client runs dry.
// CORS preflights are not counted.
func RateLimitMiddleware(rl *RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !rl.Allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(ip)))
			writeJSONStatus(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
