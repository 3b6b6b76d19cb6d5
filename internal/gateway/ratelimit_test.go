package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/taskforge/internal/config"
)

func TestTokenBucket_AllowsBurstThenBlocks(t *testing.T) {
	tb := NewTokenBucket(60, 3)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("burst request %d rejected", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request beyond burst allowed")
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	// 600 rpm = 10 tokens/sec, so a drained bucket earns a token
	// within a couple hundred ms.
	tb := NewTokenBucket(600, 1)
	if !tb.Allow() {
		t.Fatal("first request rejected")
	}
	if tb.Allow() {
		t.Fatal("drained bucket allowed")
	}
	time.Sleep(200 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("bucket did not refill")
	}
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false})
	h := rl.Wrap(okHandler())
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d code = %d", i, rec.Code)
		}
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 2})
	h := rl.Wrap(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		r.Header.Set("X-API-Key", "k1")
		return r
	}
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req())
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d code = %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestRateLimit_PerKeyBuckets(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	h := rl.Wrap(okHandler())

	a := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	a.Header.Set("X-API-Key", "key-a")
	b := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	b.Header.Set("X-API-Key", "key-b")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, a)
	if rec.Code != http.StatusOK {
		t.Fatalf("key-a code = %d", rec.Code)
	}
	// key-a is drained, key-b has its own bucket.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, b)
	if rec.Code != http.StatusOK {
		t.Fatalf("key-b code = %d", rec.Code)
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("bucket count = %d, want 2", rl.BucketCount())
	}
}

func TestRateLimit_NeverThrottlesCallbacks(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	h := rl.Wrap(okHandler())
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/completed", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("callback %d throttled", i)
		}
	}
}

func TestRateLimit_UpdateLimits(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	h := rl.Wrap(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		r.Header.Set("X-API-Key", "k1")
		return r
	}
	h.ServeHTTP(httptest.NewRecorder(), req())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429 before update", rec.Code)
	}

	// Raising the burst drops the old buckets, so the drained key
	// gets a fresh allowance at the new size.
	rl.UpdateLimits(60, 3)
	if rl.BucketCount() != 0 {
		t.Fatalf("bucket count after update = %d, want 0", rl.BucketCount())
	}
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req())
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d code = %d after update", i, rec.Code)
		}
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429 at new burst", rec.Code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	h := rl.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("X-API-Key", "ephemeral")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if rl.BucketCount() != 1 {
		t.Fatalf("bucket count = %d", rl.BucketCount())
	}

	rl.EvictStale(0)
	if rl.BucketCount() != 0 {
		t.Fatalf("bucket count after eviction = %d", rl.BucketCount())
	}
}
