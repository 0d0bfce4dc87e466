package httpx

import (
	"net/http"
	"testing"
	"time"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	rl.now = func() time.Time { return now }

	for i := 1; i <= 2; i++ {
		if d := rl.Allow("ip:a", 2, time.Minute); !d.Allowed || d.Count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if d := rl.Allow("ip:a", 2, time.Minute); d.Allowed {
		t.Fatalf("expected third request to be rejected")
	}
	if d := rl.Allow("ip:b", 2, time.Minute); !d.Allowed {
		t.Fatalf("keys should not share a budget")
	}

	now = now.Add(61 * time.Second)
	if d := rl.Allow("ip:a", 2, time.Minute); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}

	rl.cleanup(now.Add(2 * time.Minute))
	if len(rl.entries) != 0 {
		t.Fatalf("expected expired entries to be swept, got %d", len(rl.entries))
	}
}

func TestMemoryRateLimiterDisabled(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 5; i++ {
		if !rl.Allow("ip:a", 0, time.Minute).Allowed {
			t.Fatalf("zero limit should disable limiting")
		}
	}
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	stub := newStub()
	router := newTestRouter(stub, "", nil)
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()
	router.SetRateLimit(limiter, 1, time.Minute)

	rec, _ := do(t, router, http.MethodPost, "/deployments/d1/stop", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected rate headers %v", rec.Header())
	}

	rec, payload := do(t, router, http.MethodPost, "/deployments/d1/build", "", nil)
	if rec.Code != http.StatusTooManyRequests || payload["error"] != "rate limit exceeded" {
		t.Fatalf("expected 429, got %d %v", rec.Code, payload)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if stub.builds != 0 {
		t.Fatalf("rejected request reached the service")
	}

	rec, _ = do(t, router, http.MethodPost, "/projects/p1/deployments", `{"subdomain":"demo"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected create to be limited, got %d", rec.Code)
	}

	rec, _ = do(t, router, http.MethodGet, "/deployments/d1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reads should not be limited, got %d", rec.Code)
	}
}
