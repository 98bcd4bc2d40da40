package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// AuthFailuresPerMinute is how many failed authentications a client
	// may make in a minute before it is blocked.
	AuthFailuresPerMinute int
	// AuthBlock is how long a blocked client stays blocked.
	AuthBlock time.Duration
}

// DefaultRateLimitConfig returns the default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:     10,
		Burst:                 20,
		AuthFailuresPerMinute: 10,
		AuthBlock:             5 * time.Minute,
	}
}

// RateLimiter keeps a token bucket per client and blocks clients that
// keep failing authentication.
type RateLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	authMu       sync.Mutex
	authFailures map[string]*authBucket
}

type authBucket struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

const (
	authWindow        = time.Minute
	authEvictInterval = 10 * time.Minute
	maxTrackedClients = 1000
)

// NewRateLimiter creates a rate limiter. Zero fields take their defaults.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = def.RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.AuthFailuresPerMinute <= 0 {
		config.AuthFailuresPerMinute = def.AuthFailuresPerMinute
	}
	if config.AuthBlock <= 0 {
		config.AuthBlock = def.AuthBlock
	}
	return &RateLimiter{
		config:       config,
		now:          time.Now,
		limiters:     make(map[string]*rate.Limiter),
		authFailures: make(map[string]*authBucket),
	}
}

// Allow reports whether a request from key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxTrackedClients {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)
		rl.limiters[key] = l
	}
	rl.mu.Unlock()
	return l.AllowN(rl.now(), 1)
}

// IsAuthBlocked reports whether client is blocked for failing
// authentication.
func (rl *RateLimiter) IsAuthBlocked(client string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[client]
	if !ok || b.blockedUntil.IsZero() {
		return false
	}
	if rl.now().Before(b.blockedUntil) {
		return true
	}
	delete(rl.authFailures, client)
	return false
}

// AuthBlockRetryAfter returns the seconds until client's block expires.
func (rl *RateLimiter) AuthBlockRetryAfter(client string) int {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	b, ok := rl.authFailures[client]
	if !ok {
		return 0
	}
	remaining := b.blockedUntil.Sub(rl.now()).Seconds()
	if remaining <= 0 {
		return 0
	}
	return int(remaining) + 1
}

// AuthFailure records a failed authentication and reports whether the
// client is now blocked.
func (rl *RateLimiter) AuthFailure(client string) bool {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()

	now := rl.now()
	b, ok := rl.authFailures[client]
	if !ok {
		b = &authBucket{windowStart: now}
		rl.authFailures[client] = b
	}
	if now.Sub(b.windowStart) > authWindow {
		b.failures = 0
		b.windowStart = now
	}
	b.failures++
	if b.failures >= rl.config.AuthFailuresPerMinute {
		b.blockedUntil = now.Add(rl.config.AuthBlock)
		return true
	}
	if len(rl.authFailures) > maxTrackedClients {
		rl.evictStaleAuthEntries(now)
	}
	return false
}

// AuthSuccess clears failure tracking for client.
func (rl *RateLimiter) AuthSuccess(client string) {
	rl.authMu.Lock()
	defer rl.authMu.Unlock()
	delete(rl.authFailures, client)
}

func (rl *RateLimiter) evictStaleAuthEntries(now time.Time) {
	for client, b := range rl.authFailures {
		if !b.blockedUntil.IsZero() && now.After(b.blockedUntil) {
			delete(rl.authFailures, client)
		} else if now.Sub(b.windowStart) > authEvictInterval {
			delete(rl.authFailures, client)
		}
	}
}

// Middleware returns HTTP middleware that applies the per-client request
// limit. keyFunc extracts the client key; an empty key is not limited.
func (rl *RateLimiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := keyFunc(r); key != "" && !rl.Allow(key) {
				w.Header().Set("Retry-After", "1")
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKeyFunc extracts the client address from the request, preferring
// the first X-Forwarded-For entry.
func ClientIPKeyFunc(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
