// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the per-operator rate limiter: an in-memory token
// bucket per identity with opportunistic eviction of idle buckets. Deposit
// and dispatch postbacks arrive in bursts when an operator replays its event
// queue, so buckets are keyed by operator identity first and client IP only
// as a fallback.
//
// The limiter is process-local. Running several replicas means each enforces
// its own share of the limit; a shared store would be needed for a global
// cap. It exists for edge-level abuse control, not authorization.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc maps a request to the identity string that selects its bucket.
// The returned key must be stable for the duration of the request.
type keyFunc func(*gin.Context) string

// KeyByOperatorOrIP returns a keyFunc that prefers the operator identity
// (X-Operator-ID header or operator_id query, the same resolution the
// idempotency layer uses) and falls back to the client IP address.
//
// Keys are prefixed so an operator named like an IP address can never share
// a bucket with one ("op:op-lucky7" vs "ip:203.0.113.7").
func KeyByOperatorOrIP() keyFunc {
	return func(c *gin.Context) string {
		if s := identityParam(c, "X-Operator-ID", "operator_id"); s != "" {
			return "op:" + s
		}
		return "ip:" + c.ClientIP()
	}
}

// visitor pairs a bucket with the last time its key was seen, for eviction.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds per-key token buckets behind a mutex. Buckets are
// created on demand and idle ones are evicted after a TTL during lookups,
// so memory stays bounded even when operators churn. Safe for concurrent
// use.
type RateLimiter struct {
	rps      rate.Limit
	burst    int
	keyFn    keyFunc
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter constructs a RateLimiter replenishing rps tokens per
// second with the given burst size, keyed by keyFn. A burst <= 0 is coerced
// to 1; an rps of 0 admits nothing. Install the result with Handler().
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// getVisitor returns the limiter for key, creating it when absent, and
// refreshes its lastSeen stamp.
//
// Eviction must run before the requested visitor is touched, otherwise a
// bucket idle past the TTL would be refreshed by the very lookup that
// should have evicted it.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		lim := v.limiter
		rl.mu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	rl.mu.Unlock()
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as
// a replay of an already-completed event. Replays have no effect on journey
// state, so Handler() serves them without consuming tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns a Gin middleware enforcing the per-key limit. Idempotent
// replays pass through unchecked. Everything else draws a token from its
// bucket; when none is available the request is rejected with 429, a
// Retry-After of one second, and a body of the form
//
//	{ "request_id": "<uuid>", "code": "rate_limited", "message": "rate limit exceeded" }
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		if rl.getVisitor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
