// Package nodemgr implements the top-level Node Manager (spec.md §4.L):
// the orchestrator that owns the Node Connection Handler, the Message
// Handler reached through its own S.N.1.1 component, the Event Manager,
// the Service Connection Manager, and the local Configuration tree, and
// answers every node-scoped query a peer or local component can ask.
//
// Grounded on ais/earlystart.go's bring-up ordering (claim identity,
// bring up owned state, only then start accepting traffic) and
// ais/tgtcp.go's control-plane dispatch-by-code table, generalized from
// cluster-map/bucket-metadata queries to this module's identification/
// configuration/event-subscription query set.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package nodemgr

import (
	"sync"
	"time"

	"github.com/jausmesh/nodemgr/cmn/nlog"
	"github.com/jausmesh/nodemgr/component"
	"github.com/jausmesh/nodemgr/config"
	"github.com/jausmesh/nodemgr/event"
	"github.com/jausmesh/nodemgr/node"
	"github.com/jausmesh/nodemgr/svcconn"
	"github.com/jausmesh/nodemgr/wire"
)

// Local message-code convention (spec.md §1: the message catalog itself
// is out of scope, so every code below is this implementation's own
// numbering, not a standard JAUS value).
const (
	CodeQueryIdentification  uint16 = 0x0010
	CodeReportIdentification uint16 = 0x0011
	CodeQueryServices        uint16 = 0x0012
	CodeReportServices       uint16 = 0x0013
	CodeQueryAuthority       uint16 = 0x0014
	CodeReportAuthority      uint16 = 0x0015
	CodeQueryStatus          uint16 = 0x0016
	CodeReportStatus         uint16 = 0x0017
	CodeQueryTime            uint16 = 0x0018
	CodeReportTime           uint16 = 0x0019

	CodeQueryConfiguration  uint16 = 0x0020
	CodeReportConfiguration uint16 = 0x0021
	CodeQuerySubsystemList  uint16 = 0x0022
	CodeReportSubsystemList uint16 = 0x0023

	CodeCreateEventRequest uint16 = 0x0030
	CodeCancelEventRequest uint16 = 0x0031
)

// SubsystemListStaleWindow is how long a subsystem may go without a heard
// 255.255.1.1 heartbeat before the periodic sweep evicts it (spec.md
// §4.L "Subsystem-list maintenance").
const SubsystemListStaleWindow = 3 * time.Second

// SubsystemListSweepPeriod is the sweep's own period.
const SubsystemListSweepPeriod = 500 * time.Millisecond

// RejectCacheWindow is how long a peer that answered a CreateEventRequest
// with Reject is left alone before being asked again (spec.md §4.L: "a
// node that never seems to support events... is cached so the manager
// stops pestering it for 5s").
const RejectCacheWindow = 5 * time.Second

// NodeManager assembles every component-design piece spec.md §4.L names
// under one roof and wires the cross-component callbacks between them.
type NodeManager struct {
	cfg  *config.Config
	self wire.Address

	rtr    *node.Node
	comp   *component.Component
	events *event.Manager
	scMgr  *svcconn.Manager
	tree   *config.Tree

	hbMu         sync.Mutex
	lastHeard    map[byte]int64 // subsystem -> mono.NanoTime of last heard 255.255.1.1 heartbeat
	subsystemSet map[byte]bool  // current subsystem-list snapshot, for change detection

	rejectMu    sync.Mutex
	rejectUntil map[uint32]int64 // peer addr -> mono.NanoTime the reject cache expires

	quit, done chan struct{}
}

// New assembles a NodeManager. rtr is the already-constructed Node
// Connection Handler; comp is this node's own S.N.1.1 component (its
// inbox already claimed and registered with rtr by the caller, per
// ais/earlystart.go's "claim identity before accepting traffic" order);
// tree is the in-memory Configuration index.
func New(cfg *config.Config, rtr *node.Node, comp *component.Component, tree *config.Tree) *NodeManager {
	nm := &NodeManager{
		cfg:          cfg,
		self:         comp.Addr,
		rtr:          rtr,
		comp:         comp,
		tree:         tree,
		lastHeard:    make(map[byte]int64),
		subsystemSet: make(map[byte]bool),
		rejectUntil:  make(map[uint32]int64),
	}
	nm.scMgr = svcconn.New(rtr)
	nm.events = event.New(rtr)
	rtr.SetServiceConnectionHandler(nm.scMgr)
	rtr.SetConnectionEventCallback(nm.onConnectionEvent)
	nm.registerHandlers()
	return nm
}

func (nm *NodeManager) registerHandlers() {
	h := nm.comp.Handler
	h.RegisterCode(node.HeartbeatPulseCode, nm.onHeartbeat)

	h.RegisterCode(CodeQueryIdentification, nm.onQueryIdentification)
	h.RegisterCode(CodeQueryServices, nm.onQueryServices)
	h.RegisterCode(CodeQueryAuthority, nm.onQueryAuthority)
	h.RegisterCode(CodeQueryStatus, nm.onQueryStatus)
	h.RegisterCode(CodeQueryTime, nm.onQueryTime)

	h.RegisterCode(CodeQueryConfiguration, nm.onQueryConfiguration)
	h.RegisterCode(CodeReportConfiguration, nm.onReportConfiguration)
	h.RegisterCode(CodeQuerySubsystemList, nm.onQuerySubsystemList)

	h.RegisterCode(CodeCreateEventRequest, nm.onCreateEventRequest)
	h.RegisterCode(CodeCancelEventRequest, nm.onCancelEventRequest)

	h.RegisterCode(event.ConfirmCode, nm.onEventConfirm)
	h.RegisterCode(event.RejectCode, nm.onEventReject)
}

// Start launches the subsystem-list staleness sweep. The Node Connection
// Handler's own discovery worker and the component's inbox-drain worker
// are started independently by the caller, per ais/earlystart.go's
// ordering (bring up owned state, then start every worker together).
func (nm *NodeManager) Start() {
	nm.quit = make(chan struct{})
	nm.done = make(chan struct{})
	go nm.sweepLoop()
}

// Stop halts the staleness sweep.
func (nm *NodeManager) Stop() {
	if nm.quit != nil {
		close(nm.quit)
		<-nm.done
	}
}

func (nm *NodeManager) sweepLoop() {
	defer close(nm.done)
	t := time.NewTicker(SubsystemListSweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-nm.quit:
			return
		case <-t.C:
			nm.sweepStaleSubsystems()
		}
	}
}

func (nm *NodeManager) sendReply(code uint16, dest wire.Address, payload []byte) {
	h := wire.NewHeader(code, nm.self, dest)
	if err := nm.rtr.SendStream(h, payload, true); err != nil {
		nlog.Warningf("nodemgr: reply %#x to %s failed: %v", code, dest, err)
	}
}
