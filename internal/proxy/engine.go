// Package proxy implements the spec §4.E reverse proxy and load-balancing
// engine: target selection, pooled upstream connections, retries bounded to
// idempotent methods, per-target circuit breaking, and WebSocket upgrade
// pinning. Grounded on the teacher's internal/services/proxy.go reverse
// proxy and its applyForwardHeaders helper, generalized from one fixed
// container backend to an arbitrary set of weighted upstream targets.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/edgeerr"
	"github.com/edgemesh/edged/internal/logging"
)

var log = logging.Component("proxy")

var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodTrace:   true,
}

// defaultRetryableCodes is used when a backend's RetryPolicy.RetryableCodes
// is empty: the classic "upstream clearly didn't serve this" set (spec
// §4.E "5xx from whitelisted codes").
var defaultRetryableCodes = map[int]bool{
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// backendState is the per-Backend runtime state: a balancer over its
// targets plus one circuit breaker per target address.
type backendState struct {
	mu              sync.RWMutex
	balancer        *balancer
	breakers        map[string]*circuitBreaker
	transport       *http.Transport
	retry           config.RetryPolicy
	preserveHost    bool
	checkoutTimeout time.Duration
}

func (s *backendState) breakerFor(addr string) *circuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[addr]
	s.mu.RUnlock()
	if ok {
		return cb
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok = s.breakers[addr]; ok {
		return cb
	}
	cb = newCircuitBreaker(5, s.retry.BaseBackoff, s.retry.MaxBackoff)
	s.breakers[addr] = cb
	return cb
}

// Engine holds one backendState per config.Backend pointer, created
// lazily on first use. One Engine serves the whole process; since state is
// keyed by pointer, a Backend from a newly loaded Snapshot gets its own
// fresh state, and entries for earlier snapshots' backends stay in the map.
type Engine struct {
	mu       sync.RWMutex
	backends map[*config.Backend]*backendState
}

// NewEngine constructs an empty engine; backend state is created lazily by
// stateFor the first time ServeProxy or MarkTargetHealth sees a Backend.
func NewEngine() *Engine {
	return &Engine{backends: make(map[*config.Backend]*backendState)}
}

func (e *Engine) stateFor(b *config.Backend) *backendState {
	e.mu.RLock()
	st, ok := e.backends[b]
	e.mu.RUnlock()
	if ok {
		return st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.backends[b]; ok {
		return st
	}
	bal := newBalancer(b.Strategy, b.Targets)
	bal.initSemaphores(resolveMaxPerHost(b.Pool))
	checkoutTimeout := b.Pool.CheckoutTimeout
	if checkoutTimeout <= 0 {
		checkoutTimeout = 5 * time.Second
	}
	st = &backendState{
		balancer:        bal,
		breakers:        make(map[string]*circuitBreaker),
		transport:       newTransport(b.Pool),
		retry:           b.Retry,
		preserveHost:    b.PreserveHost,
		checkoutTimeout: checkoutTimeout,
	}
	e.backends[b] = st
	return st
}

// MarkTargetHealth is called by internal/healthcheck on every probe result
// transition (spec §4.F publishes status changes consumed by E and G).
func (e *Engine) MarkTargetHealth(b *config.Backend, addr string, healthy bool) {
	st := e.stateFor(b)
	for _, t := range st.balancer.targets {
		if t.addr == addr {
			t.setHealthy(healthy)
			return
		}
	}
}

// ServeProxy dispatches r to one of b's upstream targets and writes the
// response to w, applying the full spec §4.E pipeline: target selection,
// circuit breaking, retries on transport failure for idempotent methods,
// and WebSocket upgrade pinning.
func (e *Engine) ServeProxy(w http.ResponseWriter, r *http.Request, b *config.Backend, arrivedViaTLS bool) {
	st := e.stateFor(b)

	if isWebSocketUpgrade(r) {
		e.serveWebSocket(w, r, st, arrivedViaTLS)
		return
	}

	maxRetries := st.retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	canRetry := idempotentMethods[r.Method]

	key := clientIP(r)
	tried := make(map[string]bool, maxRetries+1)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		t, err := e.selectExcluding(st, key, tried)
		if err != nil {
			lastErr = err
			break
		}
		tried[t.addr] = true

		cb := st.breakerFor(t.addr)
		if !cb.Allow() {
			lastErr = errors.New("proxy: target circuit open: " + t.addr)
			continue
		}
		cb.markHalfOpenAttempt()

		// Once this is the last permitted attempt (or the method isn't
		// idempotent), attempt must forward whatever the upstream returns
		// rather than holding it back to retry it (spec §4.E: retries
		// apply only to idempotent methods and are bounded).
		isLastAttempt := !canRetry || attempt == maxRetries
		outcome := e.attempt(w, r, t, st, arrivedViaTLS, !isLastAttempt)
		switch outcome {
		case outcomeForwarded:
			cb.RecordSuccess()
			return
		case outcomeConnRetryable:
			cb.RecordFailure()
			lastErr = errors.New("proxy: connection failure against " + t.addr)
		case outcomeStatusRetryable:
			cb.RecordFailure()
			lastErr = errors.New("proxy: retryable upstream status against " + t.addr)
		case outcomeFailed:
			cb.RecordFailure()
			writeProxyError(w, edgeerr.New(edgeerr.UpstreamProtocolError, "proxy.upstream_error", "upstream produced an invalid response", nil))
			return
		}
		if isLastAttempt {
			break
		}
		backoffDuration(st.retry, attempt)
	}

	log.Printf("WARN: proxy exhausted targets for backend: %v", lastErr)
	writeProxyError(w, edgeerr.New(edgeerr.TransientNetworkError, "proxy.no_target", "no upstream target could serve this request", lastErr))
}

func (e *Engine) selectExcluding(st *backendState, key string, tried map[string]bool) (*target, error) {
	for i := 0; i < len(st.balancer.targets)+1; i++ {
		t, err := st.balancer.pick(key)
		if err != nil {
			return nil, err
		}
		if !tried[t.addr] {
			return t, nil
		}
		if len(tried) >= len(st.balancer.targets) {
			return nil, ErrNoHealthyTargets
		}
	}
	return nil, ErrNoHealthyTargets
}

// attemptOutcome classifies what happened to one attempt against a single
// target, so ServeProxy's loop knows whether it may still retry without
// having forwarded any response bytes yet (testable property #5).
type attemptOutcome int

const (
	// outcomeForwarded means the response (whatever its status) was fully
	// written to the client; the loop must stop.
	outcomeForwarded attemptOutcome = iota
	// outcomeConnRetryable means the request never reached the upstream
	// (connect failure, broken pipe before any response bytes).
	outcomeConnRetryable
	// outcomeStatusRetryable means the upstream answered with a status in
	// RetryableCodes and canRetryMore was true, so nothing was forwarded
	// and the caller should retry a different target.
	outcomeStatusRetryable
	// outcomeFailed means a non-retryable, non-connection error occurred
	// before any bytes were forwarded; the caller must write its own
	// error response.
	outcomeFailed
)

// attempt proxies one request to t. When canRetryMore is true, a response
// whose status is in the backend's RetryableCodes (or the default 5xx set)
// is drained and discarded rather than forwarded, so the caller can retry
// a different target without having written anything to the client yet
// (spec §4.E: retries cover "5xx from whitelisted codes" as well as
// transport failures). Once canRetryMore is false — the method isn't
// idempotent, or this is the last permitted attempt — whatever the
// upstream returns is forwarded as-is.
func (e *Engine) attempt(w http.ResponseWriter, r *http.Request, t *target, st *backendState, arrivedViaTLS bool, canRetryMore bool) attemptOutcome {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	if !st.preserveHost {
		outReq.Host = t.addr
	}
	outReq.URL.Host = t.addr
	stripHopByHop(outReq.Header)
	applyForwardHeaders(outReq, arrivedViaTLS)

	if !t.acquire(r.Context(), st.checkoutTimeout) {
		return outcomeConnRetryable
	}
	defer t.release()

	atomic.AddInt64(&t.active, 1)
	defer atomic.AddInt64(&t.active, -1)

	start := time.Now()
	client := &http.Client{Transport: st.transport, Timeout: dialTimeoutOr(st.retry)}
	resp, err := client.Do(outReq)
	if err != nil {
		if isConnectionError(err) {
			return outcomeConnRetryable
		}
		return outcomeFailed
	}
	defer resp.Body.Close()
	t.recordLatencyMicros(time.Since(start).Microseconds())

	if canRetryMore && isRetryableStatus(resp.StatusCode, st.retry.RetryableCodes) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return outcomeStatusRetryable
	}

	stripHopByHop(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return outcomeForwarded
}

// isRetryableStatus reports whether status is in the backend's configured
// RetryableCodes, falling back to defaultRetryableCodes when the backend
// didn't configure a list.
func isRetryableStatus(status int, configured []int) bool {
	if len(configured) == 0 {
		return defaultRetryableCodes[status]
	}
	for _, c := range configured {
		if c == status {
			return true
		}
	}
	return false
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

func dialTimeoutOr(retry config.RetryPolicy) time.Duration {
	if retry.MaxBackoff > 0 {
		return 30 * time.Second
	}
	return 30 * time.Second
}

func backoffDuration(retry config.RetryPolicy, attempt int) {
	base := retry.BaseBackoff
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := retry.MaxBackoff
	if max <= 0 {
		max = 2 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max
	d := bo.NextBackOff()
	if d == backoff.Stop {
		d = max
	}
	time.Sleep(d)
}

func writeProxyError(w http.ResponseWriter, e *edgeerr.Error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(e.Status)
	_, _ = w.Write([]byte(e.Error()))
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
