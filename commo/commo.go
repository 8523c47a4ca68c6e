// Package commo implements the Communicator and its pluggable data links
// (spec.md §4.K): cross-subsystem egress, with exactly one data link
// selected at a time out of a registered set.
//
// Grounded directly on ext/etl/communicator.go's Communicator interface
// and baseComm embedding-for-shared-state pattern: DataLink here mirrors
// that file's InlineTransform/OfflineTransform/Stop capability grouping,
// generalized from one HTTP-backed pod transform to an arbitrary
// pluggable transport with an explicit On/Off/Standby state instead of a
// bound-or-not container lifecycle.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package commo

import (
	"encoding/binary"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/jausmesh/nodemgr/cmn/cos"
	"github.com/jausmesh/nodemgr/cmn/nlog"
	"github.com/jausmesh/nodemgr/node"
	"github.com/jausmesh/nodemgr/wire"
	"github.com/jausmesh/nodemgr/xport"
)

// interface guard
var _ node.Communicator = (*Communicator)(nil)

// State is a data link's operating state (spec.md §4.K).
type State byte

const (
	Off State = iota
	On
	Standby
)

// DataLink is the capability set a transport/encryption scheme must
// implement to plug into a Communicator (spec.md §4.K). SetState(Off)
// must always succeed; SetState(On)/SetState(Standby) may refuse (return
// false) if the link cannot presently make that transition, leaving the
// old state in place.
type DataLink interface {
	SetState(state State) bool
	State() State
	// Transmit frames and sends payload. In Standby it must return true
	// without transmitting; in Off it must return false.
	Transmit(stream *wire.Stream) bool
	// SetReceiveFunc registers the callback the link invokes with every
	// inbound stream it decodes off the wire.
	SetReceiveFunc(fn func(stream *wire.Stream))
}

// dedupCapacity bounds the cuckoo filter's approximate recently-seen-frame
// set; sized for a few seconds of heartbeat traffic across a modest
// cluster, not the whole traffic history.
const dedupCapacity = 4096

// Communicator owns a registry of data links, exactly one of which is
// selected for outgoing Send calls, and implements node.Communicator so
// it plugs directly into the Node Connection Handler's routing (spec.md
// §4.K, §4.H).
type Communicator struct {
	onReceive xport.ReceiveFunc

	mu       sync.Mutex
	links    map[byte]DataLink
	selected byte
	hasSel   bool

	seen *cuckoo.Filter
}

// New returns a Communicator that hands every deduplicated inbound frame
// to onReceive tagged with xport.KindCommunicator, matching the shape
// every other transport in package xport already uses.
func New(onReceive xport.ReceiveFunc) *Communicator {
	return &Communicator{
		onReceive: onReceive,
		links:     make(map[byte]DataLink),
		seen:      cuckoo.NewFilter(dedupCapacity),
	}
}

// Register adds link under id. The first registered link is selected and
// turned On automatically; later registrations start Off until Select is
// called.
func (c *Communicator) Register(id byte, link DataLink) {
	link.SetReceiveFunc(func(stream *wire.Stream) { c.handleReceive(stream) })

	c.mu.Lock()
	c.links[id] = link
	first := !c.hasSel
	if first {
		c.selected = id
		c.hasSel = true
	}
	c.mu.Unlock()

	if first {
		link.SetState(On)
	}
}

// Select switches the active link to id, standing the previous one down
// to Standby first. Returns cos.ErrNotFound if id is unregistered.
func (c *Communicator) Select(id byte) error {
	c.mu.Lock()
	newLink, ok := c.links[id]
	if !ok {
		c.mu.Unlock()
		nlog.Warningf("commo: select of unregistered data link %d", id)
		return cos.NewErrNotFound("data link %d", id)
	}
	oldID, hadOld := c.selected, c.hasSel
	var oldLink DataLink
	if hadOld {
		oldLink = c.links[oldID]
	}
	c.selected = id
	c.hasSel = true
	c.mu.Unlock()

	if oldLink != nil && oldLink != newLink {
		oldLink.SetState(Standby)
	}
	newLink.SetState(On)
	return nil
}

func (c *Communicator) selectedLink() (DataLink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasSel {
		return nil, false
	}
	link, ok := c.links[c.selected]
	return link, ok
}

// Send implements node.Communicator: frame h/payload and transmit over
// the selected link.
func (c *Communicator) Send(h wire.Header, payload []byte) error {
	link, ok := c.selectedLink()
	if !ok {
		return cos.ErrConnectionFailure
	}
	if !link.Transmit(wire.Frame(h, payload)) {
		return cos.ErrConnectionFailure
	}
	return nil
}

// Active implements node.Communicator: true iff the selected link is On.
func (c *Communicator) Active() bool {
	link, ok := c.selectedLink()
	return ok && link.State() == On
}

func (c *Communicator) handleReceive(stream *wire.Stream) {
	h, err := stream.ReadHeader()
	if err != nil {
		nlog.Warningf("commo: malformed frame from a data link: %v", err)
		c.onReceive(stream, wire.Header{}, xport.KindCommunicator, err)
		return
	}
	key := dedupKey(h)
	if c.seen.Lookup(key) {
		return // already processed this heartbeat/frame: drop before a full dispatch
	}
	c.seen.InsertUnique(key)
	c.onReceive(stream, h, xport.KindCommunicator, nil)
}

// dedupKey identifies a frame for the recently-seen filter: source,
// code, and sequence number together are enough to recognize a
// redelivered or looped-back heartbeat/frame without hashing the body.
func dedupKey(h wire.Header) []byte {
	key := make([]byte, 4+2+2)
	binary.LittleEndian.PutUint32(key[0:4], h.Source.Uint32())
	binary.LittleEndian.PutUint16(key[4:6], h.Code)
	binary.LittleEndian.PutUint16(key[6:8], h.Seq)
	return key
}
