// Command edged is the edge server process entrypoint. Grounded on the
// teacher's cmd/piccolod/main.go: main's only job is to construct the
// server and start it, logging a fatal error on failure. Everything else
// (flag parsing, component wiring, signal handling) lives here because the
// teacher's own wiring happens inside server.NewGinServer, whereas this
// server's Deps are assembled from independently constructed managers
// rather than a single monolithic constructor.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edgemesh/edged/internal/auth"
	"github.com/edgemesh/edged/internal/cluster/raft"
	"github.com/edgemesh/edged/internal/cluster/swim"
	"github.com/edgemesh/edged/internal/config"
	"github.com/edgemesh/edged/internal/healthcheck"
	"github.com/edgemesh/edged/internal/proxy"
	"github.com/edgemesh/edged/internal/server"
	"github.com/edgemesh/edged/internal/store"
	"github.com/edgemesh/edged/internal/supervisor"
	"github.com/edgemesh/edged/internal/tlsmgr"
	"github.com/edgemesh/edged/internal/workerpool"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/edged/edged.toml", "path to the TOML configuration file")
	nodeID := flag.String("node-id", envOr("EDGED_NODE_ID", "node-1"), "cluster node identifier")
	swimBindAddr := flag.String("swim-bind", envOr("EDGED_SWIM_BIND", "0.0.0.0"), "SWIM gossip bind address")
	swimBindPort := flag.Int("swim-port", 7946, "SWIM gossip bind port")
	swimSeeds := flag.String("swim-seeds", os.Getenv("EDGED_SWIM_SEEDS"), "comma-separated SWIM seed addresses")
	raftDir := flag.String("raft-dir", envOr("EDGED_RAFT_DIR", "/var/lib/edged/raft"), "dragonboat data directory")
	raftAddr := flag.String("raft-addr", envOr("EDGED_RAFT_ADDR", "127.0.0.1:63000"), "dragonboat raft address")
	redisAddr := flag.String("redis-addr", os.Getenv("EDGED_REDIS_ADDR"), "Redis address for the session store (empty uses the in-memory store)")
	jwtSigningKey := flag.String("jwt-key", os.Getenv("EDGED_JWT_KEY"), "HMAC signing key for management API bearer tokens")
	adminPasswordHash := flag.String("admin-password-hash", os.Getenv("EDGED_ADMIN_PASSWORD_HASH"), "argon2id hash of the management API admin password")
	drainTimeout := flag.Duration("drain-timeout", 15*time.Second, "graceful shutdown drain period")
	flag.Parse()

	log.Printf("INFO: edged %s starting, node=%s", version, *nodeID)

	snap, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: failed to load configuration: %v", err)
	}
	holder := config.NewHolder(snap)

	tlsStore := tlsmgr.NewStore()
	proxyEngine := proxy.NewEngine()
	tracker := healthcheck.NewTracker()
	workers := workerpool.New(0)

	supervisors := buildSupervisors(snap, tracker)
	probers := buildProbers(snap, tracker, proxyEngine, supervisors)

	var sessions store.Store
	if *redisAddr != "" {
		sessions = store.NewRedisStore(*redisAddr, "edged:session:")
	} else {
		sessions = store.NewMemoryStore(time.Minute)
	}
	leases := store.NewLeaseCache()

	var authMgr *auth.Manager
	if *jwtSigningKey != "" {
		authMgr = auth.NewManager([]byte(*jwtSigningKey), *adminPasswordHash, 12*time.Hour)
	}

	swimMgr, err := swim.NewManager(swim.Config{
		NodeID:   *nodeID,
		BindAddr: *swimBindAddr,
		BindPort: *swimBindPort,
	})
	if err != nil {
		log.Fatalf("FATAL: failed to start SWIM agent: %v", err)
	}
	if seeds := splitNonEmpty(*swimSeeds); len(seeds) > 0 {
		if n, err := swimMgr.Join(seeds); err != nil {
			log.Printf("WARN: failed to join SWIM cluster: %v", err)
		} else {
			log.Printf("INFO: joined SWIM cluster via %d seed(s)", n)
		}
	}

	raftNode, err := raft.Start(raft.Config{
		ReplicaID:      1,
		ShardID:        1,
		RaftAddress:    *raftAddr,
		WALDir:         *raftDir,
		NodeHostDir:    *raftDir,
		InitialMembers: map[uint64]string{1: *raftAddr},
	}, buildRaftApplyFunc(sessions, leases, swimMgr))
	if err != nil {
		log.Fatalf("FATAL: failed to start consensus node: %v", err)
	}

	srv, err := server.New(server.Deps{
		Holder:     holder,
		TLS:        tlsStore,
		Proxy:      proxyEngine,
		Tracker:    tracker,
		Supervisor: supervisors,
		Workers:    workers,
		Sessions:   sessions,
		Leases:     leases,
		Auth:       authMgr,
		RaftNode:   raftNode,
		SwimMgr:    swimMgr,
	})
	if err != nil {
		log.Fatalf("FATAL: failed to construct server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go tlsStore.RunRenewalLoop(ctx)
	for name, proc := range supervisors {
		go runSupervised(ctx, name, proc)
	}
	for _, p := range probers {
		go p.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Printf("INFO: shutdown signal received, draining for up to %s", *drainTimeout)
	case err := <-errCh:
		if err != nil {
			log.Printf("ERROR: server exited: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *drainTimeout+5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx, *drainTimeout); err != nil {
		log.Fatalf("FATAL: graceful shutdown failed: %v", err)
	}
}

// buildSupervisors constructs one supervisor.ManagedProcess per Process
// backend named across the snapshot's virtual hosts (spec §3: one Process
// per configured Process backend).
func buildSupervisors(snap *config.Snapshot, tracker *healthcheck.Tracker) map[string]*supervisor.ManagedProcess {
	out := make(map[string]*supervisor.ManagedProcess)
	for _, vh := range snap.VHosts {
		b := vh.Backend
		if b == nil || b.Kind != config.BackendProcess {
			continue
		}
		proc, err := supervisor.NewManagedProcess(b.ProcessName, b.Spawn, b.Restart, b.ProcessProbe, b.ProcessPort, nil)
		if err != nil {
			log.Printf("WARN: skipping process backend %q: %v", b.ProcessName, err)
			continue
		}
		out[b.ProcessName] = proc
	}
	return out
}

// buildProbers constructs one healthcheck.Prober per proxy upstream target
// and one per process backend with a probe-able port (spec §4.F). Proxy
// target probers feed transitions straight into the proxy engine's
// per-target health flag; process probers additionally promote their
// ManagedProcess out of StateProbing on the first successful probe (spec
// §4.G), closing the loop the maintainer review flagged as dead: before
// this wiring, Tracker/Prober never ran against a live backend.
func buildProbers(snap *config.Snapshot, tracker *healthcheck.Tracker, engine *proxy.Engine, supervisors map[string]*supervisor.ManagedProcess) []*healthcheck.Prober {
	var out []*healthcheck.Prober
	for _, vh := range snap.VHosts {
		b := vh.Backend
		if b == nil {
			continue
		}
		switch b.Kind {
		case config.BackendProxy:
			for _, target := range b.Targets {
				addr := target.Address
				id := vh.ID + "|" + addr
				p := healthcheck.NewProber(id, b.HealthProbe, addr, tracker, func(_ string, _, to healthcheck.Status) {
					engine.MarkTargetHealth(b, addr, to == healthcheck.StatusHealthy)
				})
				out = append(out, p)
			}
		case config.BackendProcess:
			if b.ProcessPort <= 0 {
				continue
			}
			proc, ok := supervisors[b.ProcessName]
			if !ok {
				continue
			}
			addr := fmt.Sprintf("127.0.0.1:%d", b.ProcessPort)
			id := "process|" + b.ProcessName
			p := healthcheck.NewProber(id, b.ProcessProbe, addr, tracker, nil)
			var ready sync.Once
			p.OnProbe(func(ok bool) {
				if ok {
					ready.Do(proc.MarkReady)
				}
			})
			out = append(out, p)
		}
	}
	return out
}

// buildRaftApplyFunc dispatches every committed consensus entry to the
// local collaborator it belongs to (spec §4.I/§4.J): session metadata
// merges into the session store, rate-limit slices grant a local lease,
// and membership joins are fanned into the SWIM agent so a node learns
// about a durably-committed peer even if it missed the gossip round.
// Before this wiring, entries committed to the log had no effect outside
// dragonboat's own state machine.
func buildRaftApplyFunc(sessions store.Store, leases *store.LeaseCache, swimMgr *swim.Manager) raft.ApplyFunc {
	return func(entry raft.LogEntry) {
		switch entry.Kind {
		case raft.PayloadSessionUpdate:
			var su raft.SessionUpdateEntry
			if err := json.Unmarshal(entry.Data, &su); err != nil {
				log.Printf("WARN: malformed session_update entry at index %d: %v", entry.Index, err)
				return
			}
			applySessionUpdate(sessions, su)
		case raft.PayloadRateLimitSlice:
			var rs raft.RateLimitSliceEntry
			if err := json.Unmarshal(entry.Data, &rs); err != nil {
				log.Printf("WARN: malformed rate_limit_slice entry at index %d: %v", entry.Index, err)
				return
			}
			leases.Grant(rs.Key, rs.Tokens)
		case raft.PayloadMembershipChange:
			var mc raft.MembershipChangeEntry
			if err := json.Unmarshal(entry.Data, &mc); err != nil {
				log.Printf("WARN: malformed membership_change entry at index %d: %v", entry.Index, err)
				return
			}
			if mc.Joining && mc.Advertise != "" {
				if _, err := swimMgr.Join([]string{mc.Advertise}); err != nil {
					log.Printf("WARN: failed to gossip-join committed member %s: %v", mc.NodeID, err)
				}
			}
			// A committed removal relies on SWIM's own failure detection
			// to actually evict the peer from the live roster; the log
			// entry is the durable record of the decision, not a second
			// enforcement path.
		case raft.PayloadConfigDelta, raft.PayloadNoOp:
			// ConfigDelta entries are not applied here and no other
			// component reads them; NoOp only exists to advance the
			// commit index during leadership checks.
		}
	}
}

// applySessionUpdate merges a replicated session's version/expiry into
// the local store, following the spec §3 higher-version-wins rule via
// store.Session's own Put (which calls store.Resolve against whatever is
// already there).
func applySessionUpdate(sessions store.Store, su raft.SessionUpdateEntry) {
	ctx := context.Background()
	existing, ok, err := sessions.Get(ctx, su.Key)
	if err != nil {
		log.Printf("WARN: session store get failed while applying replicated update for %q: %v", su.Key, err)
		return
	}
	s := existing
	if !ok {
		s = store.Session{ID: su.Key, Created: time.Now().UTC()}
	}
	s.Version = su.Version
	s.Expires = time.Unix(su.Expires, 0).UTC()
	s.LastSeen = time.Now().UTC()
	if err := sessions.Put(ctx, su.Key, s); err != nil {
		log.Printf("WARN: session store put failed while applying replicated update for %q: %v", su.Key, err)
	}
}

func runSupervised(ctx context.Context, name string, proc *supervisor.ManagedProcess) {
	if err := proc.Run(ctx); err != nil {
		log.Printf("ERROR: process backend %q stopped: %v", name, err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, piece := range strings.Split(s, ",") {
		if piece = strings.TrimSpace(piece); piece != "" {
			out = append(out, piece)
		}
	}
	return out
}
