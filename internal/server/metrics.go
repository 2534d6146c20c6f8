package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics collects the Prometheus series the management API exposes at
// GET /metrics (SPEC_FULL.md §11: client_golang wired into internal/server
// rather than left as an unwired domain dependency). A private registry is
// used, matching the idiom of not polluting prometheus.DefaultRegisterer
// when a process may construct more than one Server in tests.
type metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	vhostCount      prometheus.GaugeFunc
}

func newServerMetrics(s *Server) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edged",
			Name:      "requests_total",
			Help:      "Completed requests by vhost and status class.",
		}, []string{"vhost", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edged",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency from routing to response completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"vhost"}),
	}
	m.vhostCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "edged",
		Name:      "vhosts_configured",
		Help:      "Number of virtual hosts in the current configuration snapshot.",
	}, func() float64 {
		snap := s.holder.Current()
		if snap == nil {
			return 0
		}
		return float64(len(snap.VHosts))
	})
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.vhostCount)
	return m
}

func (m *metrics) observe(vhostID string, status int, elapsed time.Duration) {
	class := statusClass(status)
	m.requestsTotal.WithLabelValues(vhostID, class).Inc()
	m.requestDuration.WithLabelValues(vhostID).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
