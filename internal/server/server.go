// Package server implements the spec §4.K request lifecycle orchestrator
// and the spec §6 management API: ties components A-E/G together per
// connection, runs the public listeners, and exposes the gin-based
// control surface. Grounded directly on the teacher's
// internal/server/gin_server.go: the gin.New()+gin.Recovery()+gzip
// middleware stack, the systemd sd_notify readiness call, and the
// Start/Stop lifecycle shape, generalized from piccolod's fixed app/
// container API surface to the spec's vhost/backend/cluster/session
// control plane.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"

	"github.com/edgemesh/edged/internal/auth"
	"github.com/edgemesh/edged/internal/cluster/raft"
	"github.com/edgemesh/edged/internal/cluster/swim"
	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/healthcheck"
	"github.com/edgemesh/edged/internal/logging"
	"github.com/edgemesh/edged/internal/middleware"
	"github.com/edgemesh/edged/internal/proxy"
	"github.com/edgemesh/edged/internal/staticfile"
	"github.com/edgemesh/edged/internal/store"
	"github.com/edgemesh/edged/internal/supervisor"
	"github.com/edgemesh/edged/internal/tlsmgr"
	"github.com/edgemesh/edged/internal/vhost"
	"github.com/edgemesh/edged/internal/workerpool"
)

var log = logging.Component("server")

// Server is the top-level orchestrator: one per process. It owns the
// config.Holder, the per-component managers, and every public/management
// listener.
type Server struct {
	holder     *config.Holder
	tls        *tlsmgr.Store
	proxy      *proxy.Engine
	tracker    *healthcheck.Tracker
	supervisor map[string]*supervisor.ManagedProcess
	sessions   store.Store
	leases     *store.LeaseCache
	workers    *workerpool.Pool
	auth       *auth.Manager
	raftNode   *raft.Node
	swimMgr    *swim.Manager
	metrics    *metrics

	mu             sync.RWMutex
	index          *vhost.Index
	chains         map[string]*middleware.Chain // vhost id -> chain
	caches         map[string]*middleware.Cache
	limiter        map[string]*middleware.RateLimiter
	staticHandlers map[string]*staticfile.Handler

	draining  atomic.Bool
	listeners []net.Listener
	mgmtSrv   *http.Server
	startedAt time.Time
}

// Deps bundles the constructed component managers New wires together; all
// are optional except holder and tls, matching how a standalone node
// (without a cluster) leaves raftNode/swimMgr nil.
type Deps struct {
	Holder     *config.Holder
	TLS        *tlsmgr.Store
	Proxy      *proxy.Engine
	Tracker    *healthcheck.Tracker
	Supervisor map[string]*supervisor.ManagedProcess
	Sessions   store.Store
	Leases     *store.LeaseCache
	Workers    *workerpool.Pool
	Auth       *auth.Manager
	RaftNode   *raft.Node
	SwimMgr    *swim.Manager
}

// New constructs a Server and builds its initial vhost index/middleware
// chains from the holder's current snapshot.
func New(d Deps) (*Server, error) {
	s := &Server{
		holder:     d.Holder,
		tls:        d.TLS,
		proxy:      d.Proxy,
		tracker:    d.Tracker,
		supervisor: d.Supervisor,
		sessions:   d.Sessions,
		leases:     d.Leases,
		workers:    d.Workers,
		auth:       d.Auth,
		raftNode:   d.RaftNode,
		swimMgr:    d.SwimMgr,
		startedAt:  time.Now(),
	}
	s.metrics = newServerMetrics(s)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the vhost index and per-vhost middleware chains from
// the holder's current snapshot (spec §4.K: "reconfiguration publishes a
// new snapshot"). Safe to call while serving traffic: the old index/chains
// remain valid for in-flight requests until this swap completes.
func (s *Server) Reload() error {
	snap := s.holder.Current()
	if snap == nil {
		return errors.New("server: no configuration snapshot published")
	}
	idx, err := vhost.BuildIndex(snap)
	if err != nil {
		return fmt.Errorf("server: build vhost index: %w", err)
	}

	chains := make(map[string]*middleware.Chain, len(snap.VHosts))
	caches := make(map[string]*middleware.Cache, len(snap.VHosts))
	limiters := make(map[string]*middleware.RateLimiter, len(snap.VHosts))
	for _, vh := range snap.VHosts {
		cache := middleware.NewCache(vh.ID, snap.Cache)
		rl := middleware.NewRateLimiter(snap.RateLimit, s.leases)
		chain, err := middleware.New(snap, vh, rl, cache)
		if err != nil {
			return fmt.Errorf("server: build middleware chain for vhost %q: %w", vh.ID, err)
		}
		chains[vh.ID] = chain
		caches[vh.ID] = cache
		limiters[vh.ID] = rl
	}

	s.mu.Lock()
	s.index = idx
	s.chains = chains
	s.caches = caches
	s.limiter = limiters
	s.mu.Unlock()
	return nil
}

// Start binds every configured listener and the management API, then
// blocks serving until Stop is called. Per spec §1, the listener set is
// fixed at startup ("non-listener configuration may be live-updated").
func (s *Server) Start(ctx context.Context) error {
	snap := s.holder.Current()
	if snap == nil {
		return errors.New("server: no configuration snapshot published")
	}

	for _, lc := range snap.Listeners {
		ln, err := s.bindListener(lc)
		if err != nil {
			return fmt.Errorf("server: bind listener %s: %w", lc.BindAddress, err)
		}
		s.listeners = append(s.listeners, ln)
		go s.serveListener(ln, lc)
	}

	if snap.ManagementAddr != "" {
		s.mgmtSrv = &http.Server{Addr: snap.ManagementAddr, Handler: s.buildManagementRouter()}
		go func() {
			if err := s.mgmtSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("ERROR: management listener failed: %v", err)
			}
		}()
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("WARN: failed to notify systemd of readiness: %v", err)
	} else if sent {
		log.Printf("INFO: notified systemd that service is ready")
	}

	log.Printf("INFO: edged serving %d listener(s), management on %s", len(snap.Listeners), snap.ManagementAddr)
	<-ctx.Done()
	return nil
}

func (s *Server) bindListener(lc config.ListenerConfig) (net.Listener, error) {
	if !lc.TLS {
		return net.Listen("tcp", lc.BindAddress)
	}
	tlsConf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.tls.Resolve(hello.ServerName)
		},
	}
	for _, proto := range lc.Protocols {
		if proto == "h2" {
			tlsConf.NextProtos = append(tlsConf.NextProtos, "h2")
		}
	}
	tlsConf.NextProtos = append(tlsConf.NextProtos, "http/1.1")
	return tls.Listen("tcp", lc.BindAddress, tlsConf)
}

func (s *Server) serveListener(ln net.Listener, lc config.ListenerConfig) {
	httpSrv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.handleRequest(w, r, lc.TLS)
		}),
	}
	if lc.TLS && wantsH2(lc.Protocols) {
		if err := http2.ConfigureServer(httpSrv, &http2.Server{}); err != nil {
			log.Printf("WARN: listener %s: failed to configure h2: %v", lc.BindAddress, err)
		}
	}
	if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !s.draining.Load() {
		log.Printf("ERROR: listener %s stopped: %v", lc.BindAddress, err)
	}
}

func wantsH2(protocols []string) bool {
	for _, p := range protocols {
		if p == "h2" {
			return true
		}
	}
	return false
}

// Stop performs the spec §4.K graceful shutdown: stop accepting new
// connections, let in-flight requests finish within drainTimeout, then
// stop every managed process.
func (s *Server) Stop(ctx context.Context, drainTimeout time.Duration) error {
	s.draining.Store(true)
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	if s.mgmtSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		defer cancel()
		_ = s.mgmtSrv.Shutdown(shutdownCtx)
	}
	time.Sleep(drainTimeout)

	for name, proc := range s.supervisor {
		if err := proc.Stop(ctx); err != nil {
			log.Printf("WARN: failed to stop process %q cleanly: %v", name, err)
		}
	}
	if s.raftNode != nil {
		s.raftNode.Stop()
	}
	return nil
}
