package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgemesh/edged/internal/config"
)

func TestDispatchRedirectPreservesPathAndQuery(t *testing.T) {
	b := &config.Backend{
		RedirectTarget:        "https://new.example.com",
		RedirectCode:          http.StatusMovedPermanently,
		RedirectPreservePath:  true,
		RedirectPreserveQuery: true,
	}
	req := httptest.NewRequest(http.MethodGet, "/path?q=1", nil)
	rec := httptest.NewRecorder()

	dispatchRedirect(rec, req, b)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMovedPermanently)
	}
	loc := rec.Header().Get("Location")
	want := "https://new.example.com/path?q=1"
	if loc != want {
		t.Fatalf("Location = %q, want %q", loc, want)
	}
}

func TestDispatchRedirectDefaultsToFound(t *testing.T) {
	b := &config.Backend{RedirectTarget: "https://example.com"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	dispatchRedirect(rec, req, b)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
}

func TestStatusClassBuckets(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		301: "3xx",
		404: "4xx",
		503: "5xx",
		0:   "other",
	}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Fatalf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
