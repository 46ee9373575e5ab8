package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestKeyByOperatorOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req

	// No operator identity falls back to the client IP.
	if key := KeyByOperatorOrIP()(c); !strings.HasPrefix(key, "ip:") || !strings.Contains(key, "203.0.113.9") {
		t.Fatalf("expected ip-based key; got %q", key)
	}

	c.Request.Header.Set("X-Operator-ID", "op-lucky7")
	if key := KeyByOperatorOrIP()(c); key != "op:op-lucky7" {
		t.Fatalf("expected operator-based key; got %q", key)
	}

	// Query identity works too, matching the idempotency layer. Use a fresh
	// context: gin caches the parsed query after the first c.Query call, so
	// mutating RawQuery on the same context would go unseen.
	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?operator_id=op-q", nil)
	if key := KeyByOperatorOrIP()(c); key != "op:op-q" {
		t.Fatalf("expected query operator key; got %q", key)
	}
}

func TestRateLimiter_BucketLifecycle(t *testing.T) {
	t.Run("burst coercion and bucket reuse", func(t *testing.T) {
		rl := NewRateLimiter(2.0, 0, KeyByOperatorOrIP())
		if rl.burst != 1 {
			t.Fatalf("burst <= 0 should coerce to 1, got %d", rl.burst)
		}

		lim := rl.getVisitor("op:op-1")
		if lim == nil {
			t.Fatalf("expected limiter")
		}
		if got := rl.getVisitor("op:op-1"); got != lim {
			t.Fatalf("expected the same bucket on repeat lookups")
		}
	})

	t.Run("idle buckets evicted before lookup refreshes them", func(t *testing.T) {
		rl := NewRateLimiter(1.0, 1, KeyByOperatorOrIP())
		rl.ttl = time.Nanosecond

		rl.mu.Lock()
		rl.visitors["op:op-idle"] = &visitor{
			limiter:  rate.NewLimiter(1, 1),
			lastSeen: time.Now().Add(-time.Hour),
		}
		// One lookup away from the cleanup threshold.
		rl.cleanupN = 4999
		rl.mu.Unlock()

		_ = rl.getVisitor("op:op-live")

		rl.mu.Lock()
		_, idleKept := rl.visitors["op:op-idle"]
		_, liveKept := rl.visitors["op:op-live"]
		rl.mu.Unlock()

		if idleKept {
			t.Fatalf("idle bucket survived eviction")
		}
		if !liveKept {
			t.Fatalf("fresh bucket missing after lookup")
		}
	})
}

func TestIsRateBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if IsRateBypass(c) {
		t.Fatalf("expected no bypass by default")
	}

	c.Set(ctxKeyRateBypass, true)
	if !IsRateBypass(c) {
		t.Fatalf("expected bypass when flagged")
	}

	// A non-bool value reads as false rather than panicking.
	c.Set(ctxKeyRateBypass, "yes")
	if IsRateBypass(c) {
		t.Fatalf("expected no bypass for non-bool flag")
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// rps=1 burst=1: the first deposit postback passes, an immediate second
	// one is rejected.
	rl := NewRateLimiter(1.0, 1, KeyByOperatorOrIP())

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Header("X-Request-ID", "rid-1"); c.Next() })
	r.Use(rl.Handler())
	r.POST("/journeys/deposit", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodPost, "/journeys/deposit", nil))
	if w1.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/journeys/deposit", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After=1, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w2.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "rate_limited" || body["message"] != "rate limit exceeded" {
		t.Fatalf("unexpected JSON body: %v", body)
	}
	if body["request_id"] != "rid-1" {
		t.Fatalf("expected request id in rejection, got %v", body["request_id"])
	}

	// Replays flagged by the idempotency layer skip the bucket entirely,
	// even on the same exhausted limiter.
	rBypass := gin.New()
	rBypass.Use(func(c *gin.Context) { c.Set(ctxKeyRateBypass, true); c.Next() })
	rBypass.Use(rl.Handler())
	rBypass.POST("/journeys/deposit", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w3 := httptest.NewRecorder()
	rBypass.ServeHTTP(w3, httptest.NewRequest(http.MethodPost, "/journeys/deposit", nil))
	if w3.Code != http.StatusOK {
		t.Fatalf("replay should bypass the limiter, got %d", w3.Code)
	}
}
