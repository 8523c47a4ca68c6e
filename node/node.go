// Package node implements the Node Connection Handler (spec.md §4.H): the
// routing pivot that every byte entering or leaving a node passes through.
// It multiplexes the wire transports, fans out to local components over
// shared memory, reassembles Large Data Sets, runs the discovery worker,
// and synthesizes NACKs on failed unicast sends.
//
// Grounded on the teacher's transport/bundle/stream_bundle.go (a
// destination-keyed connection table resynced from cluster-membership
// changes under a dedicated mutex) for the node connection table, and on
// the teacher's reb package (rebalance manager's target discovery and
// staleness-driven teardown) for the discovery/eviction sweep.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package node

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jausmesh/nodemgr/cmn/mono"
	"github.com/jausmesh/nodemgr/cmn/nlog"
	"github.com/jausmesh/nodemgr/lds"
	"github.com/jausmesh/nodemgr/shm"
	"github.com/jausmesh/nodemgr/wire"
	"github.com/jausmesh/nodemgr/xport"
)

// HeartbeatPulseCode is this implementation's command code for the
// discovery worker's periodic Heartbeat Pulse (spec.md §4.H); the message
// catalog itself is out of scope (spec.md Non-goals), so routing-internal
// codes like this one are a local convention, not a standard JAUS value.
const HeartbeatPulseCode uint16 = 0x0001

// EventKind names a connection-table transition reported to the owner's
// connection-event callback (spec.md §4.H step 3).
type EventKind string

const (
	EventComponentConnect    EventKind = "component_connect"
	EventComponentDisconnect EventKind = "component_disconnect"
	EventNodeConnect         EventKind = "node_connect"
	EventNodeDisconnect      EventKind = "node_disconnect"
)

// ConnectionEventFunc is invoked at most once per observed transition.
type ConnectionEventFunc func(kind EventKind, addr wire.Address)

// Communicator is the minimal surface the Node Connection Handler needs
// from the cross-subsystem data-link aggregator (spec.md §4.K); defined
// here rather than imported to keep this package free of a dependency on
// package commo, which itself depends on routing primitives defined here.
type Communicator interface {
	Send(h wire.Header, payload []byte) error
	Active() bool
}

// ServiceConnectionHandler is the minimal surface the Service Connection
// Manager (spec.md §4.I) exposes to routing: every SC-flagged or SC-coded
// message is hand off here instead of (or in addition to) the normal
// component delivery path.
type ServiceConnectionHandler interface {
	HandleSC(h wire.Header, payload []byte)
}

// ComponentConn is a local component's routing-visible state: its address
// and the shared-memory inbox routing enqueues into directly.
type ComponentConn struct {
	Addr  wire.Address
	Inbox *shm.Inbox
}

// NodeConn is a peer node's routing-visible state (spec.md §3 "Connection
// record"): the transport used to reach it, the endpoint handle, and
// staleness bookkeeping for the discovery sweep.
type NodeConn struct {
	Addr                   wire.Address // peer's node manager address, S.N.1.1
	Kind                   xport.Kind
	Transport              xport.Transport
	Peer                   string // transport-specific endpoint, kept for re-dial
	LastRecvNanos          int64
	DiscoveredDynamically  bool
}

func (nc *NodeConn) touch() { atomic.StoreInt64(&nc.LastRecvNanos, mono.NanoTime()) }

func (nc *NodeConn) staleness() time.Duration {
	return time.Duration(mono.Since(atomic.LoadInt64(&nc.LastRecvNanos)))
}

// Config carries the tunables the discovery worker and staleness sweeps
// use; all but Self have spec-given defaults.
type Config struct {
	Self               wire.Address  // this node's node-manager address, S.N.1.1
	DiscoveryPeriod    time.Duration // heartbeat emission period, default 1s
	SweepPeriod        time.Duration // connection-table sweep sub-period, default 100ms
	NodeStaleTimeout   time.Duration // dynamically-discovered node eviction threshold, default 5s
	FragmentTimeout    time.Duration // Large Data Set reassembly timeout, default 1s
	SubsystemDiscovery bool          // emit cross-subsystem heartbeats to 255.255.1.1
}

func (c *Config) setDefaults() {
	if c.DiscoveryPeriod <= 0 {
		c.DiscoveryPeriod = time.Second
	}
	if c.SweepPeriod <= 0 {
		c.SweepPeriod = 100 * time.Millisecond
	}
	if c.NodeStaleTimeout <= 0 {
		c.NodeStaleTimeout = 5 * time.Second
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = lds.DefaultReassemblyTimeout
	}
}

// Node is the Node Connection Handler: the routing pivot owned by the
// top-level Node Manager (spec.md §4.L).
type Node struct {
	cfg Config

	compMu     sync.Mutex
	components map[uint32]*ComponentConn

	nodeMu sync.Mutex
	nodes  map[uint32]*NodeConn

	transports []xport.Transport

	lds      *lds.Table
	registry *shm.Registry

	communicator Communicator
	scHandler    ServiceConnectionHandler
	onEvent      ConnectionEventFunc

	conflictWindowUntil int64 // mono.NanoTime; before this, our own address as source raises AddressConflict rather than loopback-suppressing
	conflictDetected    atomic.Bool

	seq atomic.Uint32

	quit, done chan struct{}
}

// New assembles a Node Connection Handler. transports are the wire
// transports this node owns and multiplexes; the caller builds them with
// a ReceiveFunc that hands every arrival to OnTransportArrival.
func New(cfg Config, registry *shm.Registry, transports []xport.Transport, communicator Communicator, conflictWindow time.Duration) *Node {
	cfg.setDefaults()
	n := &Node{
		cfg:          cfg,
		components:   make(map[uint32]*ComponentConn),
		nodes:        make(map[uint32]*NodeConn),
		transports:   transports,
		lds:          lds.NewTable(),
		registry:     registry,
		communicator: communicator,
	}
	if conflictWindow > 0 {
		n.conflictWindowUntil = mono.NanoTime() + conflictWindow.Nanoseconds()
	}
	return n
}

// SetServiceConnectionHandler wires the Service Connection Manager, if
// any. Must be called before Start.
func (n *Node) SetServiceConnectionHandler(h ServiceConnectionHandler) { n.scHandler = h }

// SetConnectionEventCallback wires the connection-event observer, if any.
// Must be called before Start.
func (n *Node) SetConnectionEventCallback(fn ConnectionEventFunc) { n.onEvent = fn }

// ConflictDetected reports whether, during the startup conflict-detection
// window, an inbound frame was observed whose source was this node's own
// address (spec.md §4.H incoming-dispatch step 2).
func (n *Node) ConflictDetected() bool { return n.conflictDetected.Load() }

// RegisterComponent adds a local component to the routing table, called
// once the component's inbox has been opened and its address claimed in
// the registry.
func (n *Node) RegisterComponent(addr wire.Address, inbox *shm.Inbox) {
	n.compMu.Lock()
	n.components[addr.Uint32()] = &ComponentConn{Addr: addr, Inbox: inbox}
	n.compMu.Unlock()
	n.fireEvent(EventComponentConnect, addr)
}

// UnregisterComponent removes a local component, e.g. on graceful
// shutdown or once the discovery sweep finds its inbox inactive.
func (n *Node) UnregisterComponent(addr wire.Address) {
	n.compMu.Lock()
	_, existed := n.components[addr.Uint32()]
	delete(n.components, addr.Uint32())
	n.compMu.Unlock()
	if existed {
		n.fireEvent(EventComponentDisconnect, addr)
	}
}

func (n *Node) componentFor(addr wire.Address) (*ComponentConn, bool) {
	n.compMu.Lock()
	defer n.compMu.Unlock()
	c, ok := n.components[addr.Uint32()]
	return c, ok
}

func (n *Node) componentSnapshot() []*ComponentConn {
	n.compMu.Lock()
	defer n.compMu.Unlock()
	out := make([]*ComponentConn, 0, len(n.components))
	for _, c := range n.components {
		out = append(out, c)
	}
	return out
}

// OpenNodeConnection adds (or replaces) a peer node connection, acquired
// in the nodes-then-components mutex order spec.md §5 mandates (this call
// only touches nodeMu, but callers combining both must follow that order).
func (n *Node) OpenNodeConnection(addr wire.Address, kind xport.Kind, transport xport.Transport, peer string, dynamic bool) {
	n.nodeMu.Lock()
	n.nodes[addr.Uint32()] = &NodeConn{
		Addr:                  addr,
		Kind:                  kind,
		Transport:             transport,
		Peer:                  peer,
		LastRecvNanos:         mono.NanoTime(),
		DiscoveredDynamically: dynamic,
	}
	n.nodeMu.Unlock()
	n.fireEvent(EventNodeConnect, addr)
}

// CloseNodeConnection removes a peer node connection.
func (n *Node) CloseNodeConnection(addr wire.Address) {
	n.nodeMu.Lock()
	nc, existed := n.nodes[addr.Uint32()]
	delete(n.nodes, addr.Uint32())
	n.nodeMu.Unlock()
	if existed {
		if nc.Transport != nil {
			nc.Transport.Close()
		}
		n.fireEvent(EventNodeDisconnect, addr)
	}
}

func (n *Node) nodeConnFor(addr wire.Address) (*NodeConn, bool) {
	n.nodeMu.Lock()
	defer n.nodeMu.Unlock()
	// Node connections are keyed by (subsystem, node) only; component and
	// instance bytes are irrelevant to which transport reaches a peer host.
	key := wire.NodeManagerOf(addr.Subsystem, addr.Node).Uint32()
	nc, ok := n.nodes[key]
	return nc, ok
}

func (n *Node) nodeSnapshot() []*NodeConn {
	n.nodeMu.Lock()
	defer n.nodeMu.Unlock()
	out := make([]*NodeConn, 0, len(n.nodes))
	for _, nc := range n.nodes {
		out = append(out, nc)
	}
	return out
}

func (n *Node) isOnThisNode(addr wire.Address) bool {
	return addr.Subsystem == n.cfg.Self.Subsystem && addr.Node == n.cfg.Self.Node
}

func (n *Node) fireEvent(kind EventKind, addr wire.Address) {
	if n.onEvent != nil {
		n.onEvent(kind, addr)
	}
}

// Start launches the discovery worker goroutine.
func (n *Node) Start() {
	n.quit = make(chan struct{})
	n.done = make(chan struct{})
	go n.runDiscovery()
}

// Stop stops the discovery worker and closes every owned transport and
// node connection. Component inboxes are owned by their components, not
// by Node, and are left untouched.
func (n *Node) Stop() {
	if n.quit != nil {
		close(n.quit)
		<-n.done
	}
	for _, nc := range n.nodeSnapshot() {
		if nc.Transport != nil {
			nc.Transport.Close()
		}
	}
	for _, t := range n.transports {
		t.Close()
	}
	nlog.Infof("node: %s stopped", n.cfg.Self)
}
