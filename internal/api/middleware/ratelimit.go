package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sizes a per-client token bucket.
type RateLimitConfig struct {
	// Rate is the sustained request rate per client, Burst the bucket depth.
	Rate  rate.Limit
	Burst int

	// ReapInterval is how often idle buckets are swept; IdleTTL is how long
	// a bucket may go unused before the sweep drops it.
	ReapInterval time.Duration
	IdleTTL      time.Duration
}

// DefaultRateLimitConfig sizes the shared /api/v1 limiter for signaling
// traffic: 20 requests/second with burst 40 absorbs an ICE candidate
// trickle without letting one endpoint monopolize the relay.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:         rate.Limit(20),
		Burst:        40,
		ReapInterval: 5 * time.Minute,
		IdleTTL:      10 * time.Minute,
	}
}

// CallCreateRateLimitConfig is the stricter budget for session creation:
// 2 requests/second with burst 5 keeps one endpoint from flooding
// counterparts with ringing calls.
func CallCreateRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:         rate.Limit(2),
		Burst:        5,
		ReapInterval: 5 * time.Minute,
		IdleTTL:      10 * time.Minute,
	}
}

// retryAfter is the whole-second wait advertised on a denied request: one
// bucket refill interval, floored at a second.
func (c RateLimitConfig) retryAfter() string {
	if c.Rate <= 0 {
		return "1"
	}
	secs := int(math.Ceil(1 / float64(c.Rate)))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter hands out one token bucket per client IP. chi's RealIP runs
// earlier in the chain, so behind a proxy the key is the forwarded address,
// not the proxy's.
type IPRateLimiter struct {
	cfg   RateLimitConfig
	retry string

	mu      sync.Mutex
	buckets map[string]*clientBucket
	stop    chan struct{}
}

// NewIPRateLimiter builds the limiter and starts its bucket reaper.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		cfg:     cfg,
		retry:   cfg.retryAfter(),
		buckets: make(map[string]*clientBucket),
		stop:    make(chan struct{}),
	}
	go rl.reapLoop()
	return rl
}

// Allow takes one token from ip's bucket, creating the bucket on first
// sight.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// Stop terminates the reaper goroutine.
func (rl *IPRateLimiter) Stop() {
	close(rl.stop)
}

func (rl *IPRateLimiter) reapLoop() {
	ticker := time.NewTicker(rl.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.reap(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// reap drops buckets idle past IdleTTL and returns how many it dropped.
func (rl *IPRateLimiter) reap(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.cfg.IdleTTL)
	dropped := 0
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("rate limiter reaped idle buckets", "dropped", dropped, "remaining", len(rl.buckets))
	}
	return dropped
}

// RateLimit rejects requests whose client bucket is empty with 429, a
// Retry-After hint derived from the configured rate, and the standard
// error envelope.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.Allow(ip) {
				slog.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
					"retry_after", limiter.retry,
				)
				w.Header().Set("Retry-After", limiter.retry)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: "rate_limited", Message: "rate limit exceeded"}}) //nolint:errcheck
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. Addresses without a port pass
// through unchanged.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
