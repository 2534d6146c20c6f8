package raft

import (
	"context"
	"fmt"

	"github.com/lni/dragonboat/v3"
	"github.com/lni/dragonboat/v3/config"

	"github.com/edgemesh/edged/internal/edgeerr"
)

// Node is one replica of the spec §4.I consensus log, backing a single
// dragonboat shard. One Node exists per process; the shard carries the
// cluster-wide state (membership decisions, session/rate-limit metadata)
// named in spec §3.
type Node struct {
	nh        *dragonboat.NodeHost
	shardID   uint64
	replicaID uint64
}

// Config bundles the dragonboat knobs the edge server exposes.
type Config struct {
	ReplicaID      uint64
	ShardID        uint64
	RaftAddress    string
	WALDir         string
	NodeHostDir    string
	RTTMillisecond uint64
	ElectionRTT    uint64 // election timeout in RTT multiples; randomized internally by dragonboat
	HeartbeatRTT   uint64

	// InitialMembers maps replicaID -> RaftAddress for a fresh cluster
	// bootstrap; leave empty and set Join=true to join an existing one.
	InitialMembers map[uint64]string
	Join           bool
}

// Start constructs the NodeHost and starts this replica's shard, wiring
// onApply as the single-writer apply callback for every committed entry
// (spec §9: "treat ... Raft commits as messages ... consumed by
// single-writer tasks").
func Start(cfg Config, onApply ApplyFunc) (*Node, error) {
	rtt := cfg.RTTMillisecond
	if rtt == 0 {
		rtt = 200
	}
	election := cfg.ElectionRTT
	if election == 0 {
		election = 10 // spec §4.I: randomized in [T, 2T]; dragonboat randomizes within this bound internally
	}
	heartbeat := cfg.HeartbeatRTT
	if heartbeat == 0 {
		heartbeat = 1
	}

	nhc := config.NodeHostConfig{
		WALDir:         cfg.WALDir,
		NodeHostDir:    cfg.NodeHostDir,
		RTTMillisecond: rtt,
		RaftAddress:    cfg.RaftAddress,
	}
	nh, err := dragonboat.NewNodeHost(nhc)
	if err != nil {
		return nil, fmt.Errorf("raft: new node host: %w", err)
	}

	rc := config.Config{
		ReplicaID:          cfg.ReplicaID,
		ShardID:            cfg.ShardID,
		ElectionRTT:        election,
		HeartbeatRTT:       heartbeat,
		CheckQuorum:        true,
		SnapshotEntries:    10000,
		CompactionOverhead: 5000,
	}

	if err := nh.StartCluster(cfg.InitialMembers, cfg.Join, newStateMachineFunc(onApply), rc); err != nil {
		nh.Stop()
		return nil, fmt.Errorf("raft: start cluster: %w", err)
	}

	return &Node{nh: nh, shardID: cfg.ShardID, replicaID: cfg.ReplicaID}, nil
}

// Stop shuts down the NodeHost.
func (n *Node) Stop() {
	n.nh.Stop()
}

// Propose is the spec §4.I leader-only write path: `propose(payload) ->
// commit_index`. Followers get back edgeerr.NotLeader (the caller is
// expected to forward to the leader hint, per spec §7 ConsensusError).
func (n *Node) Propose(ctx context.Context, kind PayloadKind, payload interface{}) (uint64, error) {
	data, err := encodeEntry(kind, payload)
	if err != nil {
		return 0, err
	}
	session := n.nh.GetNoOPSession(n.shardID)
	result, err := n.nh.SyncPropose(ctx, session, data)
	if err != nil {
		if leaderID, ok, lerr := n.nh.GetLeaderID(n.shardID); lerr == nil && ok {
			return 0, &edgeerr.NotLeader{LeaderHint: fmt.Sprintf("replica-%d", leaderID)}
		}
		return 0, &edgeerr.NotLeader{}
	}
	return result.Value, nil
}

// ReadIndex performs a linearizable read (spec §4.I `read_index() ->
// index`): it confirms leadership with a quorum round-trip before
// returning the current applied index, without appending a log entry.
func (n *Node) ReadIndex(ctx context.Context) (uint64, error) {
	res, err := n.nh.SyncRead(ctx, n.shardID, nil)
	if err != nil {
		return 0, &edgeerr.QuorumLost{}
	}
	if idx, ok := res.(uint64); ok {
		return idx, nil
	}
	return 0, nil
}

// IsLeader reports whether this replica currently believes it is the
// shard leader, mirroring the teacher's consensus.Stub naming idiom
// (IsLeader/SetRole) adapted to a real election outcome.
func (n *Node) IsLeader() bool {
	leaderID, ok, err := n.nh.GetLeaderID(n.shardID)
	return err == nil && ok && leaderID == n.replicaID
}

// LeaderHint returns a human-readable identifier for the current leader,
// or "" if unknown — used to populate edgeerr.NotLeader and the
// /api/v1/cluster/status management endpoint.
func (n *Node) LeaderHint() string {
	leaderID, ok, err := n.nh.GetLeaderID(n.shardID)
	if err != nil || !ok {
		return ""
	}
	return fmt.Sprintf("replica-%d", leaderID)
}

// RequestAddMember proposes a single-server membership addition (spec
// §4.I: "Membership changes use single-server additions ... the cluster
// MUST NOT accept a second change while one is in flight" — dragonboat's
// own ConfigChangeID check, passed as membership.ConfigChangeID below,
// enforces the in-flight check at the Raft layer).
func (n *Node) RequestAddMember(ctx context.Context, replicaID uint64, address string) error {
	membership, err := n.nh.SyncGetClusterMembership(ctx, n.shardID)
	if err != nil {
		return err
	}
	return n.nh.SyncRequestAddReplica(ctx, n.shardID, replicaID, address, membership.ConfigChangeID)
}
