package config

import (
	"sync/atomic"

	"github.com/mohae/deepcopy"
)

// Holder publishes Snapshot values behind an atomic pointer so request
// handling goroutines never take a lock to read the configuration (spec §9
// design note). Writers call Publish with a freshly built Snapshot; readers
// call Current and hold the returned pointer for the lifetime of one
// request. The previous Snapshot is simply dropped by the GC once the last
// reader's borrow ends — there is no explicit drain step because Go has no
// manual memory management to race against.
type Holder struct {
	ptr atomic.Pointer[Snapshot]
}

// NewHolder constructs a Holder, optionally seeded with an initial snapshot.
func NewHolder(initial *Snapshot) *Holder {
	h := &Holder{}
	if initial != nil {
		h.ptr.Store(initial)
	}
	return h
}

// Current returns the currently published snapshot, or nil if none has been
// published yet.
func (h *Holder) Current() *Snapshot {
	return h.ptr.Load()
}

// Publish atomically swaps in a new snapshot and returns the previous one
// (nil on first publish).
func (h *Holder) Publish(next *Snapshot) *Snapshot {
	return h.ptr.Swap(next)
}

// Clone deep-copies a Snapshot so the configuration reload path (spec §4.K,
// "reconfiguration publishes a new snapshot") can mutate a working copy
// without touching the value in-flight requests are reading. Cloning the
// whole snapshot by hand would mean keeping dozens of struct-copy rules in
// sync with every field added to VirtualHost/Backend; deepcopy does that
// reflection walk once so a new field is covered automatically.
func Clone(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	return deepcopy.Copy(s).(*Snapshot)
}
