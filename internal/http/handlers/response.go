// Package handlers provides HTTP handler implementations for the public API.
//
// This file holds the shared response helpers. Every endpoint failure goes
// through fail() so clients always get the same envelope with a stable code,
// and server-side errors are logged with request context before the response
// is written.
//
// An error response looks like
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "journey state not found"
//	}
//
// while success bodies are endpoint-specific JSON, e.g.
//
//	HTTP/1.1 200 OK
//	{ "scheduled": 3, "skipped_no_destination": 2 }
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lifecyclehq/go-journey-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by every endpoint. Code is a
// stable machine-readable string (see errors.go), Message is safe to show
// to an operator's support tooling, and RequestID echoes X-Request-ID so a
// client can hand back something that matches the server logs.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts the request with a structured error envelope. Statuses of 500
// and above are also logged through the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail exposes fail() to the router layer for fallback handlers (404, 405)
// so those responses share the envelope too.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes body as JSON with the given status.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent responds 204 for operations with nothing to return.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
