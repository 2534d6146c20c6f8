// Package raft implements the spec §4.I consensus log on top of
// github.com/lni/dragonboat/v3: leader election, replicated log, snapshots,
// and the linearizable propose/read_index interface. Grounded on the
// teacher's internal/consensus.Stub only for naming idiom (Start/Stop,
// leadership-change events) — the stub always claims leadership and has no
// real election/replication to adapt, so the algorithmic implementation
// comes entirely from dragonboat, a direct dependency of the teacher's
// go.mod.
package raft

import "encoding/json"

// PayloadKind tags the spec §3 LogEntry payload variant.
type PayloadKind string

const (
	PayloadMembershipChange PayloadKind = "membership_change"
	PayloadSessionUpdate    PayloadKind = "session_update"
	PayloadRateLimitSlice   PayloadKind = "rate_limit_slice"
	PayloadConfigDelta      PayloadKind = "config_delta"
	PayloadNoOp             PayloadKind = "no_op"
)

// LogEntry is the spec §3 value as it crosses the wire/disk boundary.
// Index is the state machine's own count of applied entries (starting at
// 1), set in stateMachine.Update; Term is not filled in and stays zero.
// Kind and Data are the application payload Update() decodes.
type LogEntry struct {
	Term  uint64      `json:"term"`
	Index uint64      `json:"index"`
	Kind  PayloadKind `json:"kind"`
	Data  []byte      `json:"data"`
}

// MembershipChangeEntry is the PayloadMembershipChange body.
type MembershipChangeEntry struct {
	NodeID    string `json:"node_id"`
	Advertise string `json:"advertise"`
	Joining   bool   `json:"joining"` // false = removal
}

// SessionUpdateEntry is the PayloadSessionUpdate body (replicated session
// metadata, spec §3 Session / §4.J).
type SessionUpdateEntry struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
	Expires int64  `json:"expires_unix"`
}

// RateLimitSliceEntry is the PayloadRateLimitSlice body — a bounded
// replicated increment published by the rate limiter's cluster fast path
// (spec §4.C / §4.J).
type RateLimitSliceEntry struct {
	Key    string  `json:"key"`
	Tokens float64 `json:"tokens"`
}

// ConfigDeltaEntry is the PayloadConfigDelta body (a committed
// configuration change distinct from a full reload, e.g. a management-API
// vhost mutation that must be seen identically by every node).
type ConfigDeltaEntry struct {
	Kind string `json:"kind"`
	JSON []byte `json:"json"`
}

// encodeEntry serializes a (kind, payload) pair for dragonboat's Update().
func encodeEntry(kind PayloadKind, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	wire := struct {
		Kind PayloadKind     `json:"kind"`
		Data json.RawMessage `json:"data"`
	}{Kind: kind, Data: data}
	return json.Marshal(wire)
}

func decodeEntry(raw []byte) (PayloadKind, []byte, error) {
	var wire struct {
		Kind PayloadKind     `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return "", nil, err
	}
	return wire.Kind, []byte(wire.Data), nil
}
