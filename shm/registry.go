package shm

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/jausmesh/nodemgr/cmn/cos"
	"github.com/jausmesh/nodemgr/stats"
	"github.com/jausmesh/nodemgr/wire"
)

// DefaultConflictProbeWait is how long Registry.Claim waits after
// create-or-open before probing the candidate's inbox activity signal
// (spec.md §4.D: "wait ≈250ms, probe the inbox's activity signal").
var DefaultConflictProbeWait = 250 * time.Millisecond

// registrySlots bounds how many distinct addresses one node's registry can
// track at once; generous relative to any plausible component count on a
// single host.
const registrySlots = 1024

// registry header/slot layout: a fixed-size open-addressed table of
// uint32-packed addresses, each slot also carrying an owner generation
// counter so a slot can be released and reclaimed.
//
//	slot: [0:4) address (wire.Address.Uint32(), 0 = empty), [4:8) generation
const registrySlotSize = 8

// Registry is a named set of live addresses, shared across every process
// on the host that participates in this node's message fabric. Claim
// asserts exclusive ownership of an address for the life of the owning
// process; a second process attempting to claim the same address fails
// with cos.ErrAddressConflict once the conflicting owner is confirmed
// live.
type Registry struct {
	region *Region
}

// OpenRegistry creates or opens the named registry region.
func OpenRegistry(name string) (*Registry, error) {
	r, err := OpenRegion(name, registrySlots*registrySlotSize)
	if err != nil {
		return nil, err
	}
	return &Registry{region: r}, nil
}

// Close releases the mapping without unlinking the backing file.
func (rg *Registry) Close() error { return rg.region.Close() }

// Unlink removes the backing file; call at owner shutdown only.
func (rg *Registry) Unlink() error { return rg.region.Unlink() }

func (rg *Registry) slotAddr(i int) *uint32 {
	return (*uint32)(unsafe.Pointer(&rg.region.Bytes()[i*registrySlotSize]))
}

func (rg *Registry) slotGen(i int) *uint32 {
	return (*uint32)(unsafe.Pointer(&rg.region.Bytes()[i*registrySlotSize+4]))
}

func slotFor(key uint32) int { return int(key % registrySlots) }

// Claim registers addr, asserting ownership for the lifetime of this
// process. probe is the inbox whose activity signal confirms whether a
// slot occupant found on arrival is a live owner (a crashed owner's slot
// is reclaimed). Returns cos.ErrAddressConflict if another process is
// confirmed actively servicing addr's inbox.
func (rg *Registry) Claim(addr wire.Address, probe *Inbox) error {
	key := addr.Uint32()
	i := slotFor(key)

	for probed := 0; probed < registrySlots; probed, i = probed+1, (i+1)%registrySlots {
		cur := atomic.LoadUint32(rg.slotAddr(i))
		if cur == 0 {
			if atomic.CompareAndSwapUint32(rg.slotAddr(i), 0, key) {
				atomic.AddUint32(rg.slotGen(i), 1)
				return nil
			}
			continue // lost the race, re-read this slot
		}
		if cur != key {
			continue // occupied by a different address, linear-probe onward
		}

		// cur == key: a slot already claims this exact address. Confirm
		// whether the claimant is actually alive before deciding conflict.
		time.Sleep(DefaultConflictProbeWait)
		if probe != nil && probe.ProbeActive(DefaultConflictProbeWait) {
			stats.CountError(stats.ErrAddressConflict)
			return cos.ErrAddressConflict
		}
		// stale claim (owner crashed without releasing): reclaim it.
		atomic.AddUint32(rg.slotGen(i), 1)
		return nil
	}
	return cos.NewErrNotFound("free registry slot for %s", addr)
}

// Release removes addr's claim, e.g. on graceful shutdown.
func (rg *Registry) Release(addr wire.Address) {
	key := addr.Uint32()
	i := slotFor(key)
	for probed := 0; probed < registrySlots; probed, i = probed+1, (i+1)%registrySlots {
		if atomic.LoadUint32(rg.slotAddr(i)) == key {
			atomic.StoreUint32(rg.slotAddr(i), 0)
			return
		}
	}
}

// Contains reports whether addr currently has a live claim in the table,
// without probing for staleness.
func (rg *Registry) Contains(addr wire.Address) bool {
	key := addr.Uint32()
	i := slotFor(key)
	for probed := 0; probed < registrySlots; probed, i = probed+1, (i+1)%registrySlots {
		cur := atomic.LoadUint32(rg.slotAddr(i))
		if cur == 0 {
			return false
		}
		if cur == key {
			return true
		}
	}
	return false
}

// Snapshot returns every currently-claimed address, for subsystem-list and
// discovery bookkeeping (spec.md §4.L).
func (rg *Registry) Snapshot() []wire.Address {
	out := make([]wire.Address, 0, 16)
	for i := 0; i < registrySlots; i++ {
		if key := atomic.LoadUint32(rg.slotAddr(i)); key != 0 {
			out = append(out, wire.AddressFromUint32(key))
		}
	}
	return out
}
