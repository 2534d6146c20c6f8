package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/edgemesh/edged/internal/config"
)

// resolveMaxPerHost applies the shared default for PoolConfig.MaxPerHost so
// the transport's admission limit and the checkout semaphore in engine.go
// agree on the same number (spec §8 testable property #3: in-flight
// requests to a target never exceed pool.max_per_host plus the bounded
// count of checkout-waiters).
func resolveMaxPerHost(pool config.PoolConfig) int {
	if pool.MaxPerHost > 0 {
		return pool.MaxPerHost
	}
	return 64
}

// newTransport builds a per-backend *http.Transport tuned from the
// backend's PoolConfig (spec §3 ConnectionPool). Go's http.Transport is
// itself a connection pool keyed by scheme+host, so one Transport per
// backend is the idiomatic way to isolate pools across backends the way
// spec §4.E requires ("a distinct pool per (upstream, scheme) pair").
// MaxConnsPerHost is set to the same pool.max_per_host bound the checkout
// semaphore (balancer.go's target.acquire) enforces explicitly, so the
// admission limit holds even for callers that bypass the semaphore.
func newTransport(pool config.PoolConfig) *http.Transport {
	dialTimeout := pool.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	idleTimeout := pool.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	maxPerHost := resolveMaxPerHost(pool)
	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxPerHost * 4,
		MaxIdleConnsPerHost:   maxPerHost,
		MaxConnsPerHost:       maxPerHost,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}
