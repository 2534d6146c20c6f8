package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgemesh/edged/internal/config"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, Dimensions: []string{"ip"}, Rate: 1, Burst: 2}
	rl := NewRateLimiter(cfg, nil)

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	key := rl.Key(r)

	for i := 0; i < 2; i++ {
		if ok, _, _ := rl.Allow(key); !ok {
			t.Fatalf("request %d: expected allowed within burst", i)
		}
	}
	ok, retryAfter, _ := rl.Allow(key)
	if ok {
		t.Fatalf("third request should be denied once burst is exhausted")
	}
	if retryAfter <= 0 {
		t.Fatalf("retryAfter should be positive, got %v", retryAfter)
	}
}

func TestRateLimiterDisabledAlwaysAllows(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: false}, nil)
	r := httptest.NewRequest("GET", "/", nil)
	for i := 0; i < 100; i++ {
		if ok, _, _ := rl.Allow(rl.Key(r)); !ok {
			t.Fatalf("disabled limiter should never deny")
		}
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, Dimensions: []string{"ip"}, Rate: 100, Burst: 1}
	rl := NewRateLimiter(cfg, nil)
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.2:1"
	key := rl.Key(r)

	if ok, _, _ := rl.Allow(key); !ok {
		t.Fatalf("first request should be allowed")
	}
	if ok, _, _ := rl.Allow(key); ok {
		t.Fatalf("immediate second request should be denied")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _, _ := rl.Allow(key); !ok {
		t.Fatalf("request after refill window should be allowed")
	}
}
