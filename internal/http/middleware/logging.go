// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the request logging pipeline: RequestID() stamps every
// request with a correlation ID, Logger() emits one structured access line
// per request and attaches a request-scoped zerolog.Logger for handlers,
// and Recovery() turns panics into JSON 500 responses without losing the
// correlation ID. Journey operations span several components (handler,
// eligibility, scheduler), so the request-scoped logger from LoggerFrom()
// is how those layers keep their log lines tied to one request.
//
// Order the three as RequestID, Logger, Recovery so panics are logged with
// the correlation ID attached. Query strings are capped before logging to
// keep oversized postback URLs from bloating log storage.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key holding the correlation ID.
	requestIDKey = "requestID"
	// requestIDHeader propagates the correlation ID to and from clients.
	requestIDHeader = "X-Request-ID"
	// maxQueryLogLength caps how many bytes of the raw query get logged.
	maxQueryLogLength = 2048
)

// RequestID reuses the caller's X-Request-ID when present (header lookup is
// case-insensitive) and generates a UUIDv4 otherwise. The ID is echoed on
// the response and stored in the Gin context for later middleware. Operator
// backends that retry a dispatch call can pass the same ID to correlate the
// attempts.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger writes one structured access line per request and stores a
// request-scoped zerolog.Logger in the Gin context under "logger".
//
// The line carries method, route path (raw URL when no route matched),
// client address, user agent, referer, the capped query string, the
// correlation and operator IDs, request and response sizes, status, and
// latency. Severity follows the outcome: error when Gin collected handler
// errors or the status is 5xx, warn for 4xx, info otherwise.
//
// Install after RequestID() so the correlation ID is available.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		opID := identityParam(c, "X-Operator-ID", "operator_id")
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", asString(rid)).
			Str("operator_id", opID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("referer", c.Request.Referer()).
			Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
			// ContentLength is -1 when the client did not declare one.
			Int64("bytes_in", c.Request.ContentLength).
			Logger()

		c.Set("logger", &l)

		c.Next()

		ev := l.With().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case c.Writer.Status() >= 500:
			ev.Error().Msg("request")
		case c.Writer.Status() >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery logs the panic value and stack with the correlation ID, then
// responds with a JSON body of the form
//
//	{ "request_id": "...", "code": "internal_error", "message": "internal server error" }
//
// unless the handler already wrote a response, in which case only the 500
// status is set. Install after Logger().
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid, _ := c.Get(requestIDKey)
				log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", asString(rid)).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.Header(requestIDHeader, asString(rid))
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": asString(rid),
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger attached by Logger().
// When none is attached it falls back to the global logger, so callers never
// need a nil check.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get("logger"); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// asString unwraps a context value as a string, empty when it is not one.
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes, appending an ellipsis when cut. A max <= 0
// disables the cap. Byte truncation can split a rune, which is acceptable
// for log output.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
