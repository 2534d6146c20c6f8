// Package middleware implements the spec §4.C middleware chain: the fixed
// stage order (security headers out-setter, request validation, URL
// rewrite, auth check, rate limit, cache lookup, compression selection,
// dispatch, response compression, response headers out-setter, access log
// emit). No teacher file implements this pipeline shape directly —
// piccolod's gin middlewares (corsMiddleware, httpsRedirectMiddleware,
// securityHeadersMiddleware in gin_server.go) are generalized here from
// gin.HandlerFunc into a plain net/http chain, matching how the rest of
// the request hot path (internal/proxy, internal/staticfile) avoids gin.
package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/edgeerr"
	"github.com/edgemesh/edged/internal/logging"
)

var log = logging.Component("middleware")

// Chain holds the per-Snapshot middleware state: compiled rewrite rules,
// the rate limiter, cache tiers, and compression negotiation, rebuilt
// whenever configuration reloads (spec §9: never mutated in place).
type Chain struct {
	rewrites    []compiledRewrite
	rateLimiter *RateLimiter
	cache       *Cache
	compression *Compressor
	security    config.SecurityHeaderPolicy
	maxBodySize int64
}

// AccessLogFunc is called exactly once per request that reaches routing
// (spec §8 property 7), after the response has been written.
type AccessLogFunc func(r *http.Request, status int, bytes int64, elapsed time.Duration, correlationID string)

// New builds a Chain for one VirtualHost from the active Snapshot.
func New(snap *config.Snapshot, vh *config.VirtualHost, rl *RateLimiter, cache *Cache) (*Chain, error) {
	compiled, err := compileRewrites(vh.Rewrites)
	if err != nil {
		return nil, err
	}
	return &Chain{
		rewrites:    compiled,
		rateLimiter: rl,
		cache:       cache,
		compression: NewCompressor(snap.Compression),
		security:    mergeSecurityHeaders(snap.SecurityHeaders, vh.HeaderOverride),
		maxBodySize: snap.MaxBodySize,
	}, nil
}

func mergeSecurityHeaders(base config.SecurityHeaderPolicy, override map[string]string) config.SecurityHeaderPolicy {
	merged := config.SecurityHeaderPolicy{Force: base.Force, Headers: make(map[string]string, len(base.Headers)+len(override))}
	for k, v := range base.Headers {
		merged.Headers[k] = v
	}
	for k, v := range override {
		merged.Headers[k] = v
	}
	return merged
}

// Dispatch is the stage-8 hook: the handler that actually produces a
// response (static, proxy, or process), invoked once validation, rewrite,
// auth, rate limiting, and cache lookup have all passed.
type Dispatch func(w http.ResponseWriter, r *http.Request)

// ServeHTTP runs the full spec §4.C stage order around dispatch, ending
// with the access log emit.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request, dispatch Dispatch, logAccess AccessLogFunc) {
	start := time.Now()
	rec := newResponseRecorder(w)

	// Stage 1: security headers out-setter — register the policy now so
	// stage 10 can apply it without re-deriving it from config.
	// Stage 2: request validation.
	if err := validateRequest(r, c.maxBodySize); err != nil {
		c.writeError(rec, err)
		c.finish(r, rec, start, logAccess)
		return
	}

	// Stage 3: URL rewrite.
	outcome := applyRewrites(c.rewrites, r)
	switch outcome.action {
	case rewriteRedirect:
		rec.Header().Set("Location", outcome.location)
		rec.WriteHeader(outcome.code)
		c.applySecurityHeaders(rec)
		c.finish(r, rec, start, logAccess)
		return
	case rewriteForbidden:
		c.writeError(rec, edgeerr.New(edgeerr.PolicyRejection, "middleware.forbidden", "forbidden by rewrite rule", nil).WithStatus(http.StatusForbidden))
		c.finish(r, rec, start, logAccess)
		return
	case rewriteGone:
		c.writeError(rec, edgeerr.New(edgeerr.PolicyRejection, "middleware.gone", "gone by rewrite rule", nil).WithStatus(http.StatusGone))
		c.finish(r, rec, start, logAccess)
		return
	case rewriteProxyPath:
		r.URL.Path = outcome.path
		r.Header.Set("X-Rewritten-Path", outcome.path)
	case rewriteRewritten:
		r.URL.Path = outcome.path
	}

	// Stage 4: auth check — delegated to internal/auth at the server layer
	// (management-API routes); the public request path has no
	// authenticated-principal concept beyond what rate limiting keys on.

	// Stage 5: rate limit.
	if c.rateLimiter != nil {
		key := c.rateLimiter.Key(r)
		allowed, retryAfter, resetAt := c.rateLimiter.Allow(key)
		if !allowed {
			rec.Header().Set("Retry-After", formatSeconds(retryAfter))
			rec.Header().Set("X-RateLimit-Reset", formatUnix(resetAt))
			c.writeError(rec, edgeerr.New(edgeerr.PolicyRejection, "middleware.rate_limited", "rate limit exceeded", nil).WithStatus(http.StatusTooManyRequests))
			c.finish(r, rec, start, logAccess)
			return
		}
	}

	// Stage 6: cache lookup. A stale-but-revalidatable hit is served
	// immediately and also arms a background single-flighted refetch
	// (spec §4.C) via the fetch closure below.
	if c.cache != nil {
		fetch := func() (*cacheEntry, error) { return c.refetchForCache(r, dispatch) }
		if hit, ok := c.cache.Lookup(r, fetch); ok {
			hit.writeTo(rec)
			c.applySecurityHeaders(rec)
			c.finish(r, rec, start, logAccess)
			return
		}
		if r.Method == http.MethodGet {
			rec.tee = &bytes.Buffer{}
		}
	}

	// Stage 7: compression selection (negotiated now, applied at stage 9).
	enc := c.compression.Negotiate(r)

	// Stage 8: dispatch.
	cw := wrapCompression(rec, enc, c.compression)
	dispatch(cw, r)
	cw.Close()

	// Stage 6b: populate the cache with what was just produced, if
	// cacheable (spec §4.C: never no-store/private responses).
	if c.cache != nil {
		c.cache.Store(r, rec)
	}

	// Stage 10: response headers out-setter.
	c.applySecurityHeaders(rec)

	c.finish(r, rec, start, logAccess)
}

// refetchForCache re-runs dispatch for a background cache revalidation,
// away from the real client: the clone carries the original request's
// headers (so Vary-sensitive and conditional dispatch behaves the same
// way) but runs detached from the inbound request's context, which the
// net/http server cancels the moment the original handler returns — long
// before this goroutine's singleflight call actually executes. Its output
// only ever reaches a discarded ResponseWriter tee'd into a fresh
// cacheEntry, never the caller who triggered the stale hit.
func (c *Chain) refetchForCache(r *http.Request, dispatch Dispatch) (*cacheEntry, error) {
	clone := r.Clone(context.Background())
	rec := newResponseRecorder(newDiscardResponseWriter())
	rec.tee = &bytes.Buffer{}
	enc := c.compression.Negotiate(clone)
	cw := wrapCompression(rec, enc, c.compression)
	dispatch(cw, clone)
	cw.Close()
	entry, ok := c.cache.buildEntry(rec)
	if !ok {
		return nil, errNotCacheable
	}
	return entry, nil
}

func (c *Chain) applySecurityHeaders(rec *responseRecorder) {
	applySecurityHeaders(rec.Header(), c.security)
}

func (c *Chain) writeError(rec *responseRecorder, e *edgeerr.Error) {
	rec.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rec.WriteHeader(e.Status)
	_, _ = rec.Write([]byte(e.Error()))
}

// Stage 11: access log emit — emitted exactly once per request that
// reached routing (spec §8 property 7), regardless of which stage
// short-circuited.
func (c *Chain) finish(r *http.Request, rec *responseRecorder, start time.Time, logAccess AccessLogFunc) {
	if logAccess == nil {
		return
	}
	logAccess(r, rec.status, rec.written, time.Since(start), r.Header.Get("X-Correlation-Id"))
}
