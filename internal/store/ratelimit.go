package store

import (
	"sync"
	"time"
)

// Lease is a bounded allowance the leader grants a follower for local
// fast-path token deductions (spec §4.J: "local fast-path deductions are
// bounded by a lease issued from the leader"). Per §9 Open Question (b),
// leases are not explicitly revoked on leader change — they simply expire
// on a short TTL, avoiding an extra RPC at failover.
type Lease struct {
	Key       string
	Tokens    float64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (l Lease) expired(now time.Time) bool { return now.After(l.ExpiresAt) }

const defaultLeaseTTL = 5 * time.Second

// LeaseCache holds leases keyed by rate-limit bucket key. internal/
// middleware's token-bucket stage spends one token from it per admitted
// request and grants a fresh local lease when TryDeduct fails; the lease
// does not decide whether a request is admitted.
type LeaseCache struct {
	mu     sync.Mutex
	leases map[string]Lease
}

// NewLeaseCache constructs an empty cache.
func NewLeaseCache() *LeaseCache {
	return &LeaseCache{leases: make(map[string]Lease)}
}

// Grant installs a fresh lease for key with defaultLeaseTTL. It is called
// from the Raft apply callback for committed rate-limit slice entries and
// by the middleware rate limiter when TryDeduct fails.
func (c *LeaseCache) Grant(key string, tokens float64) Lease {
	now := time.Now()
	l := Lease{Key: key, Tokens: tokens, IssuedAt: now, ExpiresAt: now.Add(defaultLeaseTTL)}
	c.mu.Lock()
	c.leases[key] = l
	c.mu.Unlock()
	return l
}

// TryDeduct attempts to spend n tokens from key's current lease. It
// returns false if no unexpired lease exists or the lease is exhausted, in
// which case the caller must install a new lease with Grant.
func (c *LeaseCache) TryDeduct(key string, n float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[key]
	if !ok || l.expired(time.Now()) || l.Tokens < n {
		return false
	}
	l.Tokens -= n
	c.leases[key] = l
	return true
}
