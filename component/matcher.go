package component

import (
	"sync"

	"github.com/jausmesh/nodemgr/wire"
)

// Matcher is the receipt matcher (spec.md §4.G): pending receipts keyed
// loosely by destination (the address we sent to, i.e. the address an
// arrival must come *from* to be a candidate response).
type Matcher struct {
	mu     sync.Mutex
	byDest map[uint32][]*Receipt
}

func newMatcher() *Matcher {
	return &Matcher{byDest: make(map[uint32][]*Receipt)}
}

// Register adds r to the pending set, keyed by r.dest.
func (m *Matcher) Register(r *Receipt) {
	m.mu.Lock()
	key := r.dest.Uint32()
	m.byDest[key] = append(m.byDest[key], r)
	m.mu.Unlock()
}

// Unregister removes r from the pending set (called once the receipt
// resolves, whether by match or by timeout).
func (m *Matcher) Unregister(r *Receipt) {
	m.mu.Lock()
	key := r.dest.Uint32()
	list := m.byDest[key]
	for i, cand := range list {
		if cand == r {
			m.byDest[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.byDest[key]) == 0 {
		delete(m.byDest, key)
	}
	m.mu.Unlock()
}

// Dispatch offers an arrival to every pending receipt keyed by its source
// address, in registration order, stopping at the first match. Returns
// true iff some receipt consumed the arrival (step 1/2 of spec.md §4.G);
// false means the caller should forward to the Message Handler (step 3).
func (m *Matcher) Dispatch(h wire.Header, payload []byte) bool {
	m.mu.Lock()
	list := append([]*Receipt(nil), m.byDest[h.Source.Uint32()]...)
	m.mu.Unlock()

	for _, r := range list {
		if r.matchesArrival(h, payload) {
			m.Unregister(r)
			return true
		}
	}
	return false
}
