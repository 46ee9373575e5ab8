// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders. Most of the API is called by operator
// backends, but unsubscribe links embedded in outreach emails land real
// browsers on these endpoints, so the browser-facing hardening headers are
// not optional here. The middleware attaches a conservative header set
// suitable for a JSON API behind a reverse proxy, with opt-in HSTS, cache
// suppression, and browser feature policies.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures the headers emitted by SecurityHeaders.
//
// EnableHSTS turns on Strict-Transport-Security for HTTPS requests only.
// Leave it off unless traffic is HTTPS end-to-end, including the hop
// between the proxy and this process.
//
// HSTSMaxAge is the HSTS lifetime. Zero or negative falls back to 180 days.
//
// NoStore adds Cache-Control: no-store plus the legacy Pragma/Expires pair.
// Journey state and unsubscribe responses are per-customer and must not be
// served from shared caches.
//
// EnablePolicy adds Permissions-Policy and
// X-Permitted-Cross-Domain-Policies. Browsers honor them, other clients
// ignore them.
type SecurityOptions struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	NoStore      bool
	EnablePolicy bool
}

// SecurityHeaders returns a Gin middleware that attaches hardening headers
// to every response.
//
// X-Content-Type-Options, X-Frame-Options, and Referrer-Policy are always
// set. The policy, cache, and HSTS headers follow SecurityOptions, and HSTS
// is only ever emitted on requests that arrived over HTTPS. When an
// X-Request-ID response header is present it is appended to
// Access-Control-Expose-Headers so browser clients can read the correlation
// ID from unsubscribe-page responses.
//
// No Content-Security-Policy is set. The API serves JSON only; the one HTML
// surface (the unsubscribe confirmation) carries its own CSP at render time.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hstsValue := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hstsValue)
		}

		if rid := h.Get("X-Request-ID"); rid != "" {
			const hdr = "Access-Control-Expose-Headers"
			switch cur := h.Get(hdr); {
			case cur == "":
				h.Set(hdr, "X-Request-ID")
			case !strings.Contains(cur, "X-Request-ID"):
				h.Set(hdr, cur+", X-Request-ID")
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the request arrived over HTTPS, either terminated
// here (r.TLS set) or at a proxy that set X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
