package server

import (
	"net/http"
	"time"

	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/edgeerr"
	"github.com/edgemesh/edged/internal/middleware"
	"github.com/edgemesh/edged/internal/staticfile"
	"github.com/edgemesh/edged/internal/supervisor"
	"github.com/edgemesh/edged/internal/vhost"
)

// handleRequest is the spec §4.K per-request orchestration: route via B,
// run the middleware chain C, dispatch to D/E/G, emit the access log.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request, arrivedViaTLS bool) {
	var sni string
	if arrivedViaTLS && r.TLS != nil {
		sni = r.TLS.ServerName
	}

	s.mu.RLock()
	idx := s.index
	chains := s.chains
	s.mu.RUnlock()

	vh, err := vhost.Route(idx, r.Host, sni, r.URL.Path)
	if err != nil {
		writeRouteError(w, err)
		return // pre-routing failures are never access-logged (spec §8 property 7)
	}

	chain := chains[vh.ID]
	dispatch := s.dispatchFor(vh)
	chain.ServeHTTP(w, r, dispatch, s.accessLogFor(vh.ID))
}

// accessLogFor closes over the vhost id so the shared metrics.observe call
// in accessLog can label series per vhost without threading it through
// middleware.AccessLogFunc's fixed signature.
func (s *Server) accessLogFor(vhostID string) middleware.AccessLogFunc {
	return func(r *http.Request, status int, bytes int64, elapsed time.Duration, correlationID string) {
		s.metrics.observe(vhostID, status, elapsed)
		s.accessLog(r, status, bytes, elapsed, correlationID)
	}
}

func writeRouteError(w http.ResponseWriter, err error) {
	var ee *edgeerr.Error
	status := http.StatusInternalServerError
	msg := err.Error()
	if asEdgeErr(err, &ee) {
		status = ee.Status
		msg = ee.Message
	}
	http.Error(w, msg, status)
}

func asEdgeErr(err error, out **edgeerr.Error) bool {
	e, ok := err.(*edgeerr.Error)
	if ok {
		*out = e
	}
	return ok
}

// dispatchFor builds the stage-8 handler for a vhost's backend (spec
// §4.K: "dispatch through D/E/G").
func (s *Server) dispatchFor(vh *config.VirtualHost) middleware.Dispatch {
	return func(w http.ResponseWriter, r *http.Request) {
		b := vh.Backend
		if b == nil {
			http.Error(w, "no backend configured", http.StatusNotFound)
			return
		}
		switch b.Kind {
		case config.BackendStatic:
			s.dispatchStatic(w, r, vh, b)
		case config.BackendProxy:
			s.proxy.ServeProxy(w, r, b, r.TLS != nil)
		case config.BackendProcess:
			s.dispatchProcess(w, r, vh, b)
		case config.BackendRedirect:
			dispatchRedirect(w, r, b)
		default:
			http.Error(w, "unknown backend kind", http.StatusInternalServerError)
		}
	}
}

// dispatchStatic serves a Static backend, handing the actual filesystem
// read through the bounded worker pool (spec §5: request goroutines must
// not block on disk I/O directly) when one is configured.
func (s *Server) dispatchStatic(w http.ResponseWriter, r *http.Request, vh *config.VirtualHost, b *config.Backend) {
	h, err := s.staticHandlerFor(vh, b)
	if err != nil {
		http.Error(w, "static handler unavailable", http.StatusInternalServerError)
		return
	}
	if s.workers == nil {
		h.ServeHTTP(w, r)
		return
	}
	if err := s.workers.Submit(r.Context(), func() error {
		h.ServeHTTP(w, r)
		return nil
	}); err != nil {
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
	}
}

func (s *Server) staticHandlerFor(vh *config.VirtualHost, b *config.Backend) (*staticfile.Handler, error) {
	s.mu.RLock()
	h, ok := s.staticHandlers[vh.ID]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}
	h, err := staticfile.NewHandler(b)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.staticHandlers == nil {
		s.staticHandlers = make(map[string]*staticfile.Handler)
	}
	s.staticHandlers[vh.ID] = h
	s.mu.Unlock()
	return h, nil
}

// dispatchProcess forwards to a Process backend's port through the same
// proxy engine used for Proxy backends (spec §4.G: "While in
// Starting/Probing, the process is ineligible for traffic through E"), so
// a managed process is really just a single-target Proxy backend whose
// target health tracks the process's own readiness probe.
func (s *Server) dispatchProcess(w http.ResponseWriter, r *http.Request, vh *config.VirtualHost, b *config.Backend) {
	proc, ok := s.supervisor[b.ProcessName]
	if !ok {
		http.Error(w, "process backend not registered", http.StatusServiceUnavailable)
		return
	}
	if proc.State() != supervisor.StateRunning {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "process backend is not ready", http.StatusServiceUnavailable)
		return
	}
	s.proxy.ServeProxy(w, r, b, r.TLS != nil)
}

func dispatchRedirect(w http.ResponseWriter, r *http.Request, b *config.Backend) {
	target := b.RedirectTarget
	if b.RedirectPreservePath {
		target += r.URL.Path
	}
	if b.RedirectPreserveQuery && r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	code := b.RedirectCode
	if code == 0 {
		code = http.StatusFound
	}
	http.Redirect(w, r, target, code)
}

// accessLog implements middleware.AccessLogFunc (spec §4.C: "access log
// emit"; spec §8 property 7: at most once per completed request).
func (s *Server) accessLog(r *http.Request, status int, bytes int64, elapsed time.Duration, correlationID string) {
	log.Printf("INFO: %s %s %s -> %d (%d bytes, %s) [%s]",
		r.RemoteAddr, r.Method, r.URL.Path, status, bytes, elapsed, correlationID)
}
