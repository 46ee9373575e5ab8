// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency support for postbacks. Operator backends
// retry deposit and stage events aggressively, so unsafe endpoints accept an
// Idempotency-Key header: the middleware validates it, stashes it in the
// request context, and consults a lookup for a previously completed event
// with the same (customer, operator, key) triple. Handlers read the key via
// GetIdempotencyKey and detect replays via IsReplay; the rate limiter skips
// flagged replays. Persistence stays behind the narrow IdempotencyLookup
// type, this layer only handles transport concerns.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the idempotency key
// for unsafe operations. The value must be stable across retries of the
// same semantic event.
const HeaderIdempotencyKey = "Idempotency-Key"

// Context keys stashing idempotency state, read through the accessors below.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

// GetIdempotencyKey returns the validated key stored by
// IdempotencyValidator. Handlers should use this instead of reading the
// header, since only validated keys are stashed.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether this request repeats an already-completed event
// for the same customer, operator, and key. Handlers serve the stored
// outcome instead of mutating journey state again.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures key validation. TTL enforcement belongs in
// the lookup, not here.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Nil uses a conservative token
	// pattern: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// IdempotencyLookup answers whether a completed, still-valid record exists
// for (customerID, operatorID, key) at the given time. Lookup failures must
// be returned as errors rather than false positives; the middleware treats
// an error as "no replay" so a storage hiccup never blocks live traffic.
type IdempotencyLookup func(ctx context.Context, customerID, operatorID, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header when present,
// stashes it in the context, and flags replays found by lookup.
//
// Requests without the header pass through untouched. A key that fails
// validation gets a 400 with a compact error body. Detected replays set
// both the replay flag and the rate-limit bypass flag; the response payload
// for a replay is still the handler's responsibility.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			customerID := identityParam(c, "X-Customer-ID", "customer_id")
			operatorID := identityParam(c, "X-Operator-ID", "operator_id")

			if exists, _ := lookup(c.Request.Context(), customerID, operatorID, key, time.Now().UTC()); exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}

// identityParam resolves an identity value from a header, falling back to a
// query parameter. Postback senders usually carry these in headers; manual
// calls tend to use the query string.
func identityParam(c *gin.Context, header, query string) string {
	if v := c.GetHeader(header); v != "" {
		return v
	}
	return c.Query(query)
}
