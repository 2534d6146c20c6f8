package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgemesh/edged/internal/config"
)

func TestCacheStoreThenLookupHitsL1(t *testing.T) {
	c := NewCache("vh1", config.CacheConfig{Enabled: true, L1Entries: 16})
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)

	rec := newResponseRecorder(httptest.NewRecorder())
	rec.Header().Set("Cache-Control", "max-age=60")
	rec.tee = &bytes.Buffer{}
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.Write([]byte("hello"))
	c.Store(req, rec)

	entry, ok := c.Lookup(req, nil)
	if !ok {
		t.Fatalf("expected cache hit after Store")
	}
	if entry.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", entry.Status)
	}
	if string(entry.Body) != "hello" {
		t.Fatalf("Body = %q, want %q", entry.Body, "hello")
	}
}

func TestCacheSkipsNoStoreResponses(t *testing.T) {
	c := NewCache("vh1", config.CacheConfig{Enabled: true, L1Entries: 16})
	req := httptest.NewRequest(http.MethodGet, "/private", nil)

	rec := newResponseRecorder(httptest.NewRecorder())
	rec.Header().Set("Cache-Control", "no-store, max-age=60")
	rec.WriteHeader(http.StatusOK)
	c.Store(req, rec)

	if _, ok := c.Lookup(req, nil); ok {
		t.Fatalf("no-store response should never be cached")
	}
}

func TestCacheL3PersistsAcrossL1Eviction(t *testing.T) {
	dir := t.TempDir()
	c := NewCache("vh1", config.CacheConfig{Enabled: true, L1Entries: 16, L3Dir: dir})
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)

	rec := newResponseRecorder(httptest.NewRecorder())
	rec.Header().Set("Cache-Control", "max-age=60")
	rec.WriteHeader(http.StatusOK)
	c.Store(req, rec)

	key := c.key(req, nil)
	c.l1.Remove(key) // force a miss past L1 into the sqlite-backed L3 tier

	entry, ok := c.Lookup(req, nil)
	if !ok {
		t.Fatalf("expected L3 to serve the entry evicted from L1")
	}
	if entry.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", entry.Status)
	}
}

func TestCacheLookupServesStaleAndTriggersRevalidate(t *testing.T) {
	c := NewCache("vh1", config.CacheConfig{Enabled: true, L1Entries: 16})
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	key := c.key(req, nil)
	c.l1.Add(key, &cacheEntry{
		Status:   http.StatusOK,
		Header:   map[string][]string{},
		Body:     []byte("stale"),
		StoredAt: time.Now().Add(-90 * time.Second),
		MaxAge:   60 * time.Second,
		SWR:      60 * time.Second,
	})

	var fetched atomic.Bool
	done := make(chan struct{})
	fetch := func() (*cacheEntry, error) {
		fetched.Store(true)
		close(done)
		return &cacheEntry{Status: http.StatusOK, Header: map[string][]string{}, Body: []byte("fresh"), StoredAt: time.Now(), MaxAge: 60 * time.Second}, nil
	}

	entry, ok := c.Lookup(req, fetch)
	if !ok {
		t.Fatalf("expected stale-but-revalidatable entry to be served")
	}
	if string(entry.Body) != "stale" {
		t.Fatalf("expected the stale payload to be returned immediately, got %q", entry.Body)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Lookup to trigger a background revalidation fetch")
	}
	if !fetched.Load() {
		t.Fatalf("fetch was not invoked")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, ok := c.l1.Get(key); ok && string(v.(*cacheEntry).Body) == "fresh" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected the revalidated entry to replace the stale one in L1")
}

func TestCacheLookupDoesNotRevalidateFreshEntry(t *testing.T) {
	c := NewCache("vh1", config.CacheConfig{Enabled: true, L1Entries: 16})
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	key := c.key(req, nil)
	c.l1.Add(key, &cacheEntry{
		Status:   http.StatusOK,
		Header:   map[string][]string{},
		StoredAt: time.Now(),
		MaxAge:   60 * time.Second,
	})

	fetch := func() (*cacheEntry, error) {
		t.Fatalf("fresh entries must not trigger a revalidation fetch")
		return nil, nil
	}
	if _, ok := c.Lookup(req, fetch); !ok {
		t.Fatalf("expected a fresh hit")
	}
}

func TestCacheStaleWithinSWRIsServable(t *testing.T) {
	e := &cacheEntry{StoredAt: time.Now().Add(-90 * time.Second), MaxAge: 60 * time.Second, SWR: 60 * time.Second}
	if e.fresh(time.Now()) {
		t.Fatalf("entry should no longer be fresh")
	}
	if !e.staleButRevalidatable(time.Now()) {
		t.Fatalf("entry should be within its stale-while-revalidate window")
	}
}

func TestParseCacheControlExtractsMaxAgeAndSWR(t *testing.T) {
	maxAge, swr := parseCacheControl("max-age=120, stale-while-revalidate=30")
	if maxAge != 120*time.Second {
		t.Fatalf("maxAge = %s, want 120s", maxAge)
	}
	if swr != 30*time.Second {
		t.Fatalf("swr = %s, want 30s", swr)
	}
}
