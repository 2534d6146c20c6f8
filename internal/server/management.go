package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildManagementRouter assembles the spec §6 control surface. Grounded on
// the teacher's setupGinRoutes: gin.New()+gin.Recovery()+gzip.Gzip, a
// public route set and an authed.Group gated by a bearer-token middleware,
// generalized from piccolod's app/session control plane to vhosts,
// backends, sessions and cluster operations.
func (s *Server) buildManagementRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", s.handleMetrics)

	v1 := r.Group("/api/v1")
	if s.auth != nil {
		v1.Use(s.requireBearerGin)
	}

	v1.GET("/status", s.handleStatus)
	v1.GET("/cluster/status", s.handleClusterStatus)
	v1.POST("/cluster/join", s.handleClusterJoin)
	v1.POST("/cluster/leave", s.handleClusterLeave)
	v1.POST("/cluster/election", s.handleClusterElection)
	v1.POST("/cluster/rebalance", s.handleClusterRebalance)

	v1.GET("/backends", s.handleBackendsList)
	v1.GET("/backends/:name/health", s.handleBackendHealth)
	v1.POST("/backends/:name/start", s.handleBackendStart)
	v1.POST("/backends/:name/stop", s.handleBackendStop)
	v1.POST("/backends/:name/restart", s.handleBackendRestart)

	v1.GET("/vhosts", s.handleVHostsList)
	v1.GET("/vhosts/:id", s.handleVHostGet)
	v1.POST("/vhosts", s.handleVHostCreate)
	v1.PUT("/vhosts/:id", s.handleVHostUpdate)
	v1.DELETE("/vhosts/:id", s.handleVHostDelete)

	v1.GET("/sessions", s.handleSessionsList)
	v1.GET("/sessions/:id", s.handleSessionGet)
	v1.DELETE("/sessions/:id", s.handleSessionDelete)

	v1.GET("/events", s.handleEventsStream)

	return r
}

// requireBearerGin adapts auth.Manager.RequireBearer (a net/http
// middleware) to gin by running it against the gin context's own
// request/writer and aborting the gin chain if it wrote a response.
func (s *Server) requireBearerGin(c *gin.Context) {
	called := false
	s.auth.RequireBearer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	})).ServeHTTP(c.Writer, c.Request)
	if !called {
		c.Abort()
		return
	}
	c.Next()
}

// handleHealth is the liveness probe: the process is up. Exempt from auth
// so orchestrators without a token can still check it (SPEC_FULL.md §12).
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive", "uptime": time.Since(s.startedAt).String()})
}

// handleReady reports whether every listener is bound and not draining.
func (s *Server) handleReady(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "listeners": len(s.listeners)})
}

// handleMetrics serves the Prometheus exposition format off the Server's
// private registry (SPEC_FULL.md §11).
func (s *Server) handleMetrics(c *gin.Context) {
	promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.holder.Current()
	c.JSON(http.StatusOK, gin.H{
		"revision":  snap.Revision,
		"loaded_at": snap.LoadedAt,
		"listeners": len(snap.Listeners),
		"vhosts":    len(snap.VHosts),
		"draining":  s.draining.Load(),
	})
}

func (s *Server) handleClusterStatus(c *gin.Context) {
	out := gin.H{}
	if s.swimMgr != nil {
		out["roster"] = s.swimMgr.Roster()
	}
	if s.raftNode != nil {
		out["is_leader"] = s.raftNode.IsLeader()
		out["leader_hint"] = s.raftNode.LeaderHint()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleClusterJoin(c *gin.Context) {
	var body struct {
		Seeds []string `json:"seeds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Seeds) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seeds required"})
		return
	}
	if s.swimMgr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "clustering disabled"})
		return
	}
	n, err := s.swimMgr.Join(body.Seeds)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": n})
}

func (s *Server) handleClusterLeave(c *gin.Context) {
	if s.swimMgr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "clustering disabled"})
		return
	}
	if err := s.swimMgr.Leave(5 * time.Second); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleClusterElection is deliberately a no-op acknowledgement: spec §4.I
// leaves leader election to dragonboat's internal randomized-timeout
// algorithm, so there is nothing for an operator to trigger beyond
// reporting the current leader hint via /cluster/status.
func (s *Server) handleClusterElection(c *gin.Context) {
	if s.raftNode == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "consensus disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leader_hint": s.raftNode.LeaderHint()})
}

// handleClusterRebalance reports the current SWIM roster; actual backend
// target selection in internal/proxy reconsults health on every request,
// so there is no separate rebalance operation to perform here.
func (s *Server) handleClusterRebalance(c *gin.Context) {
	if s.swimMgr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "clustering disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roster": s.swimMgr.Roster()})
}

func (s *Server) handleBackendsList(c *gin.Context) {
	snap := s.holder.Current()
	names := make([]string, 0, len(snap.VHosts))
	for _, vh := range snap.VHosts {
		if vh.Backend != nil {
			names = append(names, vh.ID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"backends": names})
}

func (s *Server) handleBackendHealth(c *gin.Context) {
	name := c.Param("name")
	entry, ok := s.tracker.Status(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown backend"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": entry.Status.String(), "updated_at": entry.UpdatedAt})
}

func (s *Server) handleBackendStart(c *gin.Context) {
	proc, ok := s.supervisor[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown process backend"})
		return
	}
	go func() { _ = proc.Run(c.Request.Context()) }()
	c.Status(http.StatusAccepted)
}

func (s *Server) handleBackendStop(c *gin.Context) {
	proc, ok := s.supervisor[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown process backend"})
		return
	}
	if err := proc.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleBackendRestart(c *gin.Context) {
	proc, ok := s.supervisor[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown process backend"})
		return
	}
	if err := proc.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	go func() { _ = proc.Run(c.Request.Context()) }()
	c.Status(http.StatusAccepted)
}

func (s *Server) handleVHostsList(c *gin.Context) {
	snap := s.holder.Current()
	c.JSON(http.StatusOK, gin.H{"vhosts": snap.VHosts})
}

func (s *Server) handleVHostGet(c *gin.Context) {
	id := c.Param("id")
	snap := s.holder.Current()
	for _, vh := range snap.VHosts {
		if vh.ID == id {
			c.JSON(http.StatusOK, vh)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "vhost not found"})
}

// handleVHostCreate, handleVHostUpdate and handleVHostDelete answer 501
// Not Implemented and change nothing: virtual hosts change only through
// the operator's TOML file plus a subsequent Reload, matching how
// internal/config.Load is a pure function of the file on disk rather than
// an API-writable store.
func (s *Server) handleVHostCreate(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "vhost creation is managed via configuration reload, not the API"})
}

func (s *Server) handleVHostUpdate(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "vhost updates are managed via configuration reload, not the API"})
}

func (s *Server) handleVHostDelete(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "vhost removal is managed via configuration reload, not the API"})
}

func (s *Server) handleSessionsList(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "bulk session listing is not supported by the session store backends"})
}

func (s *Server) handleSessionGet(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store disabled"})
		return
	}
	sess, ok, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session store disabled"})
		return
	}
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
