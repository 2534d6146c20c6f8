package raft

import (
	"bytes"
	"testing"
)

// TestEntryRoundTrip covers the propose-side encode and apply-side decode
// agreeing on the same payload.
func TestEntryRoundTrip(t *testing.T) {
	data, err := encodeEntry(PayloadRateLimitSlice, RateLimitSliceEntry{Key: "ip:1.2.3.4", Tokens: 50})
	if err != nil {
		t.Fatalf("encodeEntry: %v", err)
	}
	kind, payload, err := decodeEntry(data)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if kind != PayloadRateLimitSlice {
		t.Fatalf("kind = %v, want PayloadRateLimitSlice", kind)
	}
	if len(payload) == 0 {
		t.Fatalf("payload should not be empty")
	}
}

// TestStateMachineAppliesInOrder covers spec §8 property 1 at the single
// state-machine level: applying a sequence of entries assigns strictly
// ascending indices and invokes onApply once per entry in that order.
func TestStateMachineAppliesInOrder(t *testing.T) {
	var seen []uint64
	sm := newStateMachine(func(e LogEntry) {
		seen = append(seen, e.Index)
	})

	for i := 0; i < 5; i++ {
		data, err := encodeEntry(PayloadNoOp, struct{}{})
		if err != nil {
			t.Fatalf("encodeEntry: %v", err)
		}
		if _, err := sm.Update(data); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	for i, idx := range seen {
		if idx != uint64(i+1) {
			t.Fatalf("seen[%d] = %d, want %d", i, idx, i+1)
		}
	}
}

// TestStateMachineSnapshotRoundTrip covers spec §8's "re-applying a log
// prefix to a fresh state machine produces a state identical to applying
// it once" via the snapshot path: save, recover into a fresh machine,
// compare applied index and membership.
func TestStateMachineSnapshotRoundTrip(t *testing.T) {
	sm := newStateMachine(nil)
	data, _ := encodeEntry(PayloadMembershipChange, MembershipChangeEntry{NodeID: "n1", Advertise: "10.0.0.1:7000", Joining: true})
	if _, err := sm.Update(data); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var buf bytes.Buffer
	if err := sm.SaveSnapshot(&buf, nil, nil); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	fresh := newStateMachine(nil)
	if err := fresh.RecoverFromSnapshot(&buf, nil, nil); err != nil {
		t.Fatalf("RecoverFromSnapshot: %v", err)
	}
	if fresh.applied != sm.applied {
		t.Fatalf("applied = %d, want %d", fresh.applied, sm.applied)
	}
	if _, ok := fresh.membership["n1"]; !ok {
		t.Fatalf("membership should carry n1 after recovery")
	}
}
