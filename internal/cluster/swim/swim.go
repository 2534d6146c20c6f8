// Package swim implements the spec §4.H cluster membership layer on top
// of github.com/hashicorp/memberlist: failure detection, suspicion,
// dissemination, and the §3 ClusterNode roster. No teacher file runs a
// real SWIM protocol — piccolod's internal/cluster is a thin always-ready
// single-node registry and internal/mdns only discovers LAN peers over
// mDNS — so the gossip/suspicion algorithm itself is delegated entirely
// to memberlist (a pack dependency carried in via nabbar-golib's go.mod);
// this package adapts memberlist's generic Node/Delegate model to the
// spec's own ClusterNode shape and (incarnation, priority-state)
// precedence rule. Unlike the teacher, bootstrap peer seeding here takes
// operator-supplied seed addresses (-swim-seeds) rather than mDNS: this
// spec targets routed, possibly cross-subnet clusters, not a LAN
// appliance, so miekg/dns was evaluated and dropped (see DESIGN.md).
package swim

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/edgemesh/edged/internal/logging"
)

var log = logging.Component("swim")

// State is the spec §3 ClusterNode lifecycle state.
type State int

const (
	StateAlive State = iota
	StateSuspect
	StateDead
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// priority ranks states for the dissemination precedence rule used by
// supersedes: Dead and Left rank highest, then Suspect, then Alive, so at
// equal incarnation a Suspect or Dead update overrides Alive and nothing
// overrides Dead or Left.
func (s State) priority() int {
	switch s {
	case StateAlive:
		return 0
	case StateSuspect:
		return 1
	case StateDead, StateLeft:
		return 2
	default:
		return -1
	}
}

// ClusterNode is the spec §3 value. Identity is NodeID.
type ClusterNode struct {
	NodeID      string
	Advertise   string
	Incarnation uint64
	State       State
	LastHeard   time.Time
	Metadata    map[string]string
	Left        bool // distinguishes a graceful Dead from a failure-detected one
}

// supersedes implements spec §4.H's update-ordering rule: a candidate
// update replaces the current record only if it carries a higher
// incarnation, or an equal incarnation with a higher-priority state (with
// the Suspect/Dead-overrides-Alive exception at equal incarnation).
func (cur ClusterNode) supersedes(next ClusterNode) bool {
	if next.Incarnation != cur.Incarnation {
		return next.Incarnation > cur.Incarnation
	}
	if cur.State == StateAlive && (next.State == StateSuspect || next.State == StateDead) {
		return true
	}
	return next.State.priority() > cur.State.priority()
}

// nodeMeta is what each node publishes via memberlist's Delegate.NodeMeta;
// memberlist itself tracks liveness, this carries the spec's own
// incarnation/state/left fields piggybacked on every gossip message
// (spec §4.H: "piggyback membership deltas on every message").
type nodeMeta struct {
	Incarnation uint64            `json:"incarnation"`
	Left        bool              `json:"left"`
	Metadata    map[string]string `json:"metadata"`
}

// Manager owns the memberlist instance and the spec's own ClusterNode
// roster derived from it.
type Manager struct {
	ml *memberlist.Memberlist

	mu          sync.RWMutex
	roster      map[string]ClusterNode
	incarnation uint64
	metadata    map[string]string

	suspicionWindow time.Duration
	suspectTimers   map[string]*time.Timer
}

// Config bundles the memberlist knobs the edge server exposes; fields left
// zero fall back to memberlist.DefaultLANConfig() and the spec §4.H
// default suspicion window.
type Config struct {
	NodeID          string
	BindAddr        string
	BindPort        int
	AdvertiseAddr   string
	AdvertisePort   int
	SuspicionWindow time.Duration
	Metadata        map[string]string
}

// NewManager constructs a Manager and starts its local memberlist agent.
// Bootstrap peers are joined separately via Join, fed by operator-supplied
// seed addresses (cmd/edged's -swim-seeds flag).
func NewManager(cfg Config) (*Manager, error) {
	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mlCfg.BindPort = cfg.BindPort
	}
	if cfg.AdvertiseAddr != "" {
		mlCfg.AdvertiseAddr = cfg.AdvertiseAddr
	}
	if cfg.AdvertisePort != 0 {
		mlCfg.AdvertisePort = cfg.AdvertisePort
	}

	m := &Manager{
		roster:          make(map[string]ClusterNode),
		metadata:        cfg.Metadata,
		suspicionWindow: cfg.SuspicionWindow,
		suspectTimers:   make(map[string]*time.Timer),
	}
	if m.suspicionWindow <= 0 {
		m.suspicionWindow = 30 * time.Second
	}

	mlCfg.Delegate = &delegate{m: m}
	mlCfg.Events = &eventDelegate{m: m}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, err
	}
	m.ml = ml

	m.mu.Lock()
	m.roster[cfg.NodeID] = ClusterNode{
		NodeID:      cfg.NodeID,
		Advertise:   ml.LocalNode().Address(),
		Incarnation: 0,
		State:       StateAlive,
		LastHeard:   time.Now(),
		Metadata:    cfg.Metadata,
	}
	m.mu.Unlock()

	return m, nil
}

// Join bootstraps the local node into a cluster via the given seed
// addresses.
func (m *Manager) Join(seeds []string) (int, error) {
	return m.ml.Join(seeds)
}

// Leave performs a graceful departure: spec §4.H "Leave is a graceful Dead
// with a distinguished left=true flag that prevents automatic
// resurrection."
func (m *Manager) Leave(timeout time.Duration) error {
	m.mu.Lock()
	self := m.roster[m.ml.LocalNode().Name]
	self.State = StateLeft
	self.Left = true
	m.roster[m.ml.LocalNode().Name] = self
	m.mu.Unlock()
	return m.ml.Leave(timeout)
}

// Rebut broadcasts an Alive message with an incarnation incremented above
// any Suspect claim currently carried for the local node (spec §4.H: "A
// node whose Alive state is being suspected ... rebuts by broadcasting an
// Alive message with an incarnation incremented above the one carried in
// the Suspect").
func (m *Manager) Rebut() {
	m.mu.Lock()
	m.incarnation++
	self := m.roster[m.ml.LocalNode().Name]
	self.Incarnation = m.incarnation
	self.State = StateAlive
	self.LastHeard = time.Now()
	m.roster[m.ml.LocalNode().Name] = self
	m.mu.Unlock()
	// memberlist's own anti-entropy gossip disseminates the new NodeMeta
	// (incarnation bump) on the next push/pull round; UpdateNode forces an
	// immediate broadcast rather than waiting for the next interval.
	_ = m.ml.UpdateNode(5 * time.Second)
}

// Roster returns a snapshot of the current membership view.
func (m *Manager) Roster() []ClusterNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClusterNode, 0, len(m.roster))
	for _, n := range m.roster {
		out = append(out, n)
	}
	return out
}

// apply merges a candidate ClusterNode update into the roster per the
// supersedes precedence rule, returning true if it changed anything.
func (m *Manager) apply(next ClusterNode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.roster[next.NodeID]
	if !ok || cur.supersedes(next) {
		m.roster[next.NodeID] = next
		return true
	}
	return false
}

// markSuspect starts (or restarts) the suspicion_window timer for a peer;
// if no rebuttal arrives before it fires, the peer is promoted to Dead
// (spec §4.H: "After suspicion_window without rebuttal, promote Suspect ->
// Dead").
func (m *Manager) markSuspect(nodeID string) {
	m.mu.Lock()
	if t, ok := m.suspectTimers[nodeID]; ok {
		t.Stop()
	}
	m.suspectTimers[nodeID] = time.AfterFunc(m.suspicionWindow, func() {
		m.mu.Lock()
		cur, ok := m.roster[nodeID]
		m.mu.Unlock()
		if ok && cur.State == StateSuspect {
			cur.State = StateDead
			m.apply(cur)
			log.Printf("WARN: node %s promoted Suspect -> Dead after suspicion window", nodeID)
		}
	})
	m.mu.Unlock()
}

// delegate implements memberlist.Delegate, piggybacking the spec's own
// incarnation/state/metadata onto memberlist's native gossip messages.
type delegate struct{ m *Manager }

func (d *delegate) NodeMeta(limit int) []byte {
	d.m.mu.RLock()
	meta := nodeMeta{Incarnation: d.m.incarnation, Metadata: d.m.metadata}
	d.m.mu.RUnlock()
	b, _ := json.Marshal(meta)
	if len(b) > limit {
		return b[:limit]
	}
	return b
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

// eventDelegate implements memberlist.EventDelegate, translating
// memberlist's own Join/Leave/Update callbacks into spec §3 ClusterNode
// roster updates and suspicion-timer management.
type eventDelegate struct{ m *Manager }

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	meta := decodeMeta(n.Meta)
	e.m.apply(ClusterNode{
		NodeID:      n.Name,
		Advertise:   n.Address(),
		Incarnation: meta.Incarnation,
		State:       StateAlive,
		LastHeard:   time.Now(),
		Metadata:    meta.Metadata,
		Left:        meta.Left,
	})
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	meta := decodeMeta(n.Meta)
	state := StateSuspect
	if meta.Left {
		state = StateLeft
	}
	e.m.apply(ClusterNode{
		NodeID:      n.Name,
		Advertise:   n.Address(),
		Incarnation: meta.Incarnation,
		State:       state,
		LastHeard:   time.Now(),
		Metadata:    meta.Metadata,
		Left:        meta.Left,
	})
	if !meta.Left {
		e.m.markSuspect(n.Name)
	}
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	meta := decodeMeta(n.Meta)
	e.m.apply(ClusterNode{
		NodeID:      n.Name,
		Advertise:   n.Address(),
		Incarnation: meta.Incarnation,
		State:       StateAlive,
		LastHeard:   time.Now(),
		Metadata:    meta.Metadata,
		Left:        meta.Left,
	})
}

func decodeMeta(b []byte) nodeMeta {
	var meta nodeMeta
	_ = json.Unmarshal(b, &meta)
	return meta
}
