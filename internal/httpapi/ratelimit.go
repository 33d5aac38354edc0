package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkwell-labs/notesync/internal/apierr"
	"github.com/inkwell-labs/notesync/internal/authn"
)

// RateLimitInfo configures a per-user token bucket: Burst tokens available
// immediately, refilled at MaxRequests per WindowSeconds thereafter.
type RateLimitInfo struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// DefaultRateLimitConfig applies to the sync push/pull/snapshot routes.
var DefaultRateLimitConfig = RateLimitInfo{WindowSeconds: 60, MaxRequests: 600, Burst: 120}

// DefaultBootstrapRateLimitConfig applies to the one-shot bootstrap route,
// which is rarer and more expensive per call.
var DefaultBootstrapRateLimitConfig = RateLimitInfo{WindowSeconds: 60, MaxRequests: 10, Burst: 3}

type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{tokens: float64(capacity), capacity: float64(capacity), refillRate: refillRate, lastRefill: time.Now()}
}

func (tb *tokenBucket) Allow() (allowed bool, remaining int, nextTokenAt, fullAt time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	tokensNeeded := tb.capacity - tb.tokens
	fullAt = now.Add(time.Duration(tokensNeeded/tb.refillRate) * time.Second)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullAt
	}

	secondsUntilNext := (1.0 - tb.tokens) / tb.refillRate
	return false, 0, now.Add(time.Duration(secondsUntilNext) * time.Second), fullAt
}

// rateLimiter tracks one tokenBucket per user id.
type rateLimiter struct {
	buckets map[string]*tokenBucket
	cfg     RateLimitInfo
	mu      sync.RWMutex
}

func newRateLimiter(cfg RateLimitInfo) *rateLimiter {
	rl := &rateLimiter{buckets: make(map[string]*tokenBucket), cfg: cfg}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) bucket(userID string) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[userID]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[userID]; ok {
		return b
	}
	refillRate := float64(rl.cfg.MaxRequests) / float64(rl.cfg.WindowSeconds)
	b = newTokenBucket(rl.cfg.Burst, refillRate)
	rl.buckets[userID] = b
	return b
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for id, b := range rl.buckets {
			b.mu.Lock()
			if time.Since(b.lastRefill) > time.Hour {
				delete(rl.buckets, id)
			}
			b.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware enforces a per-user token bucket keyed off the
// identity the Gate attached to the request context. Unauthenticated
// requests (should not reach this middleware, but defensively) pass
// through ungated.
func RateLimitMiddleware(cfg RateLimitInfo) func(http.Handler) http.Handler {
	limiter := newRateLimiter(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := authn.UserID(r.Context())
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, nextAt, fullAt := limiter.bucket(userID).Allow()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullAt.Unix(), 10))

			if !allowed {
				retryAfter := int(time.Until(nextAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				log.Warn().Str("userId", userID).Str("path", r.URL.Path).Int("retryAfterSeconds", retryAfter).Msg("rate limit exceeded")
				writeAPIError(w, apierr.Retryable(http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", int64(retryAfter)*1000))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
