package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/store"
)

// bucket is one token-bucket entry, keyed by the tuple of configured
// dimensions (spec §4.C: client IP, authenticated principal, route
// template).
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// RateLimiter implements the spec §4.C token-bucket rate limiter. Buckets
// live in one local map and alone decide admission. When a lease cache is
// attached and SliceSize is positive, each admitted request also spends one
// token from the key's lease, and a missing or spent lease is replaced by a
// locally granted one of SliceSize tokens; nothing is proposed to the
// consensus log.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	leases  *store.LeaseCache // nil when standalone (no cluster)
}

// NewRateLimiter constructs a limiter from the active snapshot's
// RateLimitConfig. leases may be nil for a non-clustered node.
func NewRateLimiter(cfg config.RateLimitConfig, leases *store.LeaseCache) *RateLimiter {
	return &RateLimiter{cfg: cfg, buckets: make(map[string]*bucket), leases: leases}
}

// Key derives the rate-limit bucket key from the configured dimensions.
func (rl *RateLimiter) Key(r *http.Request) string {
	var parts []string
	for _, dim := range rl.cfg.Dimensions {
		switch dim {
		case "ip":
			parts = append(parts, clientIP(r))
		case "principal":
			parts = append(parts, r.Header.Get("X-Authenticated-Principal"))
		case "route":
			parts = append(parts, r.URL.Path)
		}
	}
	if len(parts) == 0 {
		parts = []string{clientIP(r)}
	}
	return strings.Join(parts, "|")
}

// Allow reports whether a request for key may proceed, refilling the
// bucket by elapsed time * rate since the last fill. retryAfter and
// resetAt are populated on denial, bounding the X-RateLimit-Reset /
// Retry-After headers (spec §4.C).
func (rl *RateLimiter) Allow(key string) (allowed bool, retryAfter time.Duration, resetAt time.Time) {
	if !rl.cfg.Enabled {
		return true, 0, time.Time{}
	}
	b := rl.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * rl.cfg.Rate
	if b.tokens > float64(rl.cfg.Burst) {
		b.tokens = float64(rl.cfg.Burst)
	}
	b.lastFill = now

	if b.tokens >= 1 {
		b.tokens--
		if rl.cfg.SliceSize > 0 && rl.leases != nil {
			if !rl.leases.TryDeduct(key, 1) {
				rl.leases.Grant(key, float64(rl.cfg.SliceSize))
			}
		}
		return true, 0, time.Time{}
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit/rl.cfg.Rate*float64(time.Second)) + time.Millisecond
	return false, wait, now.Add(wait)
}

func (rl *RateLimiter) bucketFor(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.cfg.Burst), lastFill: time.Now()}
		rl.buckets[key] = b
	}
	return b
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
