package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgemesh/edged/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	snap := &config.Snapshot{
		Revision: 1,
		LoadedAt: time.Now(),
	}
	s := &Server{
		holder:    config.NewHolder(snap),
		startedAt: time.Now(),
	}
	s.metrics = newServerMetrics(s)
	return s
}

func TestHandleHealthReportsAlive(t *testing.T) {
	s := newTestServer(t)
	r := gin.New()
	r.GET("/health", s.handleHealth)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleReadyReflectsDraining(t *testing.T) {
	s := newTestServer(t)
	s.draining.Store(true)
	r := gin.New()
	r.GET("/ready", s.handleReady)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 while draining", rec.Code)
	}
}

func TestHandleMetricsExposesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)
	s.metrics.observe("vh1", 200, 10*time.Millisecond)
	r := gin.New()
	r.GET("/metrics", s.handleMetrics)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "edged_requests_total") {
		t.Fatalf("expected edged_requests_total series in output, got: %s", rec.Body.String())
	}
}
