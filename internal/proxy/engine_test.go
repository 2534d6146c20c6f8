package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/edgemesh/edged/internal/config"
)

func newTestBackend(t *testing.T, addrs ...string) *config.Backend {
	t.Helper()
	targets := make([]config.UpstreamTarget, 0, len(addrs))
	for _, a := range addrs {
		targets = append(targets, config.UpstreamTarget{Address: a, Weight: 1})
	}
	return &config.Backend{
		Kind:     config.BackendProxy,
		Targets:  targets,
		Strategy: config.StrategyRoundRobin,
	}
}

func addrOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	return u.Host
}

func TestServeProxyForwardsRequestAndStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Errorf("hop-by-hop Connection header leaked through to upstream: %q", r.Header.Get("Connection"))
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	e := NewEngine()
	b := newTestBackend(t, addrOf(t, upstream))

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/path", nil)
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()

	e.ServeProxy(rec, req, b, false)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("body = %q, want hello", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Fatalf("expected upstream response header to be forwarded")
	}
}

func TestServeProxyRetriesIdempotentMethodOnConnectionFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := NewEngine()
	// First target is a closed port (connection refused), second is the real upstream.
	deadAddr := "127.0.0.1:1"
	b := newTestBackend(t, deadAddr, addrOf(t, upstream))
	b.Retry = config.RetryPolicy{MaxRetries: 2}

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/", nil)
	rec := httptest.NewRecorder()

	e.ServeProxy(rec, req, b, false)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retrying onto the healthy target", rec.Code)
	}
}

func TestServeProxyRetriesIdempotentMethodOn503(t *testing.T) {
	var failingHits int
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failingHits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer healthy.Close()

	e := NewEngine()
	b := newTestBackend(t, addrOf(t, failing), addrOf(t, healthy))
	b.Retry = config.RetryPolicy{MaxRetries: 2}

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/", nil)
	rec := httptest.NewRecorder()

	e.ServeProxy(rec, req, b, false)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retrying a 503 onto a healthy target", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", rec.Body.String())
	}
	if failingHits != 1 {
		t.Fatalf("expected exactly one hit against the failing target, got %d", failingHits)
	}
}

func TestServeProxyForwardsFinal5xxOnceRetriesExhausted(t *testing.T) {
	var hits int
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	e := NewEngine()
	b := newTestBackend(t, addrOf(t, failing))
	b.Retry = config.RetryPolicy{MaxRetries: 0}

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/", nil)
	rec := httptest.NewRecorder()

	e.ServeProxy(rec, req, b, false)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want the upstream's 503 forwarded once retries are exhausted", rec.Code)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one upstream hit, got %d", hits)
	}
}

func TestServeProxyDoesNotRetryNonIdempotentMethod(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := NewEngine()
	deadAddr := "127.0.0.1:1"
	b := newTestBackend(t, deadAddr, addrOf(t, upstream))
	b.Retry = config.RetryPolicy{MaxRetries: 2}
	// Force the balancer to pick the dead target first by listing only it,
	// then confirm a POST never reaches the second, healthy target.
	b.Targets = []config.UpstreamTarget{{Address: deadAddr, Weight: 1}}

	req := httptest.NewRequest(http.MethodPost, "http://edge.example.com/", strings.NewReader("body"))
	rec := httptest.NewRecorder()

	e.ServeProxy(rec, req, b, false)

	if rec.Code == http.StatusOK {
		t.Fatalf("a POST to an unreachable sole target should not succeed")
	}
}
