// Package lds implements Large Data Set segmentation and reassembly
// (spec.md §3, §4.C): splitting an oversized message into an ordered
// sequence of fragments, and reassembling out-of-order arrivals back into
// a single stream.
//
// Grounded on the teacher's transport/pdu.go chunking loop (splitting a
// payload into MTU-sized PDUs with a running sequence number) and
// transport/collect.go's per-key session bookkeeping under a mutex,
// repurposed here from collecting HTTP object chunks to collecting JAUS
// message fragments.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package lds

import (
	"sync"
	"time"

	"github.com/jausmesh/nodemgr/cmn/cos"
	"github.com/jausmesh/nodemgr/cmn/debug"
	"github.com/jausmesh/nodemgr/cmn/mono"
	"github.com/jausmesh/nodemgr/wire"
)

// DefaultReassemblyTimeout is how long a fragment set may sit without a new
// fragment before the GC sweep discards it (spec.md §3: "≈1s since last
// fragment"; Open Question resolved in favor of a fixed 1s, see DESIGN.md).
const DefaultReassemblyTimeout = time.Second

// Key identifies a Large Data Set: (source, command-code, presence-vector).
// PresenceVector is supplied by the caller (the decoded-message layer,
// which is out of scope here); raw/undecoded messages use zero.
type Key struct {
	Source         wire.Address
	Code           uint16
	PresenceVector uint32
}

// KeyFor derives a Key from a fragment's header and an externally-supplied
// presence vector.
func KeyFor(h *wire.Header, pv uint32) Key {
	return Key{Source: h.Source, Code: h.Code, PresenceVector: pv}
}

// Set is one in-progress (or completed) reassembly, keyed by Key. All
// methods are safe for concurrent use.
type Set struct {
	key Key

	mu        sync.Mutex
	fragments map[uint16][]byte
	haveFirst bool
	haveLast  bool
	firstSeq  uint16
	lastSeq   uint16
	template  wire.Header // header of the First/Single fragment once seen, else of the first fragment seen; Merge overrides data-control/seq/size
	updated   int64       // mono.NanoTime of last accepted fragment
}

// NewSet seeds a new reassembly from the first fragment observed for this
// key — which need not be the DataControlFirst fragment; arrivals may be
// out of order (spec.md §4.C: "initialize set from any fragment").
func NewSet(key Key, h wire.Header, payload []byte) *Set {
	s := &Set{
		key:       key,
		fragments: make(map[uint16][]byte, 4),
		template:  h,
		updated:   mono.NanoTime(),
	}
	s.acceptLocked(h, payload)
	return s
}

// Add accepts fragment h/payload into the set if it belongs (same key is
// the caller's responsibility — the table dispatches by Key already) and
// is either a new sequence number or a Retransmit replacing an existing
// one. Returns whether the fragment was merged.
func (s *Set) Add(h wire.Header, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptLocked(h, payload)
}

func (s *Set) acceptLocked(h wire.Header, payload []byte) bool {
	_, exists := s.fragments[h.Seq]
	if exists && h.DataControl != wire.DataControlRetransmit {
		return false // duplicate sequence number, not a retransmit: reject
	}

	body := make([]byte, len(payload))
	copy(body, payload)
	s.fragments[h.Seq] = body
	s.updated = mono.NanoTime()

	switch h.DataControl {
	case wire.DataControlFirst:
		s.haveFirst = true
		s.firstSeq = h.Seq
		s.template = h
	case wire.DataControlLast:
		s.haveLast = true
		s.lastSeq = h.Seq
	case wire.DataControlSingle:
		s.haveFirst, s.haveLast = true, true
		s.firstSeq, s.lastSeq = h.Seq, h.Seq
		s.template = h
	case wire.DataControlRetransmit:
		// replaces the fragment it duplicates; first/last bookkeeping
		// already reflects the original fragment's role.
	case wire.DataControlMiddle:
		// contiguity is evaluated in Complete/Merge.
	}
	return true
}

// Complete reports whether the set spans a First…Last run with no gaps.
func (s *Set) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked()
}

func (s *Set) completeLocked() bool {
	if !s.haveFirst || !s.haveLast {
		return false
	}
	if s.firstSeq > s.lastSeq {
		return false
	}
	for seq := s.firstSeq; ; seq++ {
		if _, ok := s.fragments[seq]; !ok {
			return false
		}
		if seq == s.lastSeq {
			break
		}
	}
	return true
}

// Merge concatenates fragment bodies in sequence order under a single
// header with DataControl = Single and a corrected data size. Returns
// cos.ErrInvalidValue if the set is not yet Complete.
func (s *Set) Merge() (*wire.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.completeLocked() {
		return nil, cos.ErrInvalidValue
	}

	var body []byte
	for seq := s.firstSeq; ; seq++ {
		body = append(body, s.fragments[seq]...)
		if seq == s.lastSeq {
			break
		}
	}

	h := s.template
	h.DataControl = wire.DataControlSingle
	h.Seq = s.firstSeq
	return wire.Frame(h, body), nil
}

// Age returns how long has elapsed since the last accepted fragment.
func (s *Set) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(mono.Since(s.updated))
}

// Table is the keyed collection of in-progress reassemblies owned by the
// Node Connection Handler (§4.H).
type Table struct {
	mu   sync.Mutex
	sets map[Key]*Set
}

// NewTable returns an empty reassembly table.
func NewTable() *Table {
	return &Table{sets: make(map[Key]*Set)}
}

// Add routes fragment h/payload to the set for its (source, code, pv) key,
// starting a new set if none exists. Returns the set and whether the
// fragment was newly merged into it (false on a rejected duplicate).
func (t *Table) Add(pv uint32, h wire.Header, payload []byte) (*Set, bool) {
	key := KeyFor(&h, pv)

	t.mu.Lock()
	set, ok := t.sets[key]
	if !ok {
		set = NewSet(key, h, payload)
		t.sets[key] = set
		t.mu.Unlock()
		return set, true
	}
	t.mu.Unlock()

	debug.Assert(set != nil)
	return set, set.Add(h, payload)
}

// Take removes and returns the set for key if present, e.g. once the
// caller has confirmed completion and merged it — avoids a second lookup
// racing a concurrent GC sweep.
func (t *Table) Take(key Key) (*Set, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sets[key]
	if ok {
		delete(t.sets, key)
	}
	return set, ok
}

// Len returns the number of in-progress sets.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sets)
}

// GC removes sets whose Age exceeds timeout, returning the count removed.
// Called periodically by the node connection handler's discovery worker
// (spec.md §4.H).
func (t *Table) GC(timeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, set := range t.sets {
		if set.Age() >= timeout {
			delete(t.sets, key)
			n++
		}
	}
	return n
}
