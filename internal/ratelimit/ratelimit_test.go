package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, 60, 5)

	for i := range 5 {
		if !limiter.Allow("ip:1") {
			t.Errorf("request %d should be allowed within burst", i)
		}
	}
	if limiter.Allow("ip:1") {
		t.Error("request after burst should be denied")
	}

	clock.t = clock.t.Add(time.Second)
	if !limiter.Allow("ip:1") {
		t.Error("request after one refill interval should be allowed")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, 60, 3)

	for range 3 {
		limiter.Allow("actor:a")
	}
	if limiter.Allow("actor:a") {
		t.Error("actor a should be limited")
	}
	if !limiter.Allow("actor:b") {
		t.Error("actor b should not be limited")
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, clock := newTestLimiter(t, 600, 2)

	limiter.Allow("k")
	limiter.Allow("k")
	clock.t = clock.t.Add(time.Hour)

	allowed := 0
	for range 5 {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("refill must cap at burst size, got %d allowed", allowed)
	}
}

func TestLimiterDisabled(t *testing.T) {
	limiter, _ := newTestLimiter(t, 0, 1)
	for range 100 {
		if !limiter.Allow("k") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
	if limiter.RetryAfter() != 0 {
		t.Error("disabled limiter has no retry hint")
	}
}

func TestEvictIdle(t *testing.T) {
	limiter, clock := newTestLimiter(t, 60, 5)
	limiter.Allow("stale")
	clock.t = clock.t.Add(10 * time.Second)
	limiter.Allow("fresh")

	limiter.evictIdle()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.buckets["stale"]; ok {
		t.Error("stale bucket should be evicted")
	}
	if _, ok := limiter.buckets["fresh"]; !ok {
		t.Error("fresh bucket should be kept")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, 60, 1)

	r := gin.New()
	r.Use(limiter.Middleware("api"))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if actor != "" {
			req.Header.Set("X-Actor-ID", actor)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("buyer_1"); w.Code != http.StatusNoContent {
		t.Fatalf("first request: got %d", w.Code)
	}
	w := do("buyer_1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", w.Header().Get("Retry-After"))
	}
	if w := do("buyer_2"); w.Code != http.StatusNoContent {
		t.Errorf("other actor should pass, got %d", w.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 120 || cfg.BurstSize != 20 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
