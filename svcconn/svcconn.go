// Package svcconn implements the Service Connection Manager (spec.md
// §4.I): the Inform (multi-subscriber) and Command (authority-arbitrated)
// service-connection state machines, keyed by (provider, code,
// presence-vector).
//
// Grounded on the teacher's mirror/put_mirror.go (a state machine over
// disjoint sets of copies — active/pending bookkeeping under one mutex, a
// worker dequeuing without holding it) and ext/etl/communicator.go's
// capability-set interface style, generalized here to separate the
// Inform and Command variants behind one Key lookup.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package svcconn

import (
	"encoding/binary"
	"sync"

	"github.com/jausmesh/nodemgr/cmn/cos"
	"github.com/jausmesh/nodemgr/cmn/nlog"
	"github.com/jausmesh/nodemgr/stats"
	"github.com/jausmesh/nodemgr/wire"
)

// Key identifies one service connection: provider, message code, and
// presence vector (spec.md §3).
type Key struct {
	Provider       wire.Address
	Code           uint16
	PresenceVector uint32
}

// Op is the service-connection protocol operation carried by an SC
// message. The message catalog itself is out of scope (spec.md
// Non-goals), so this implementation defines its own compact in-band SC
// sub-header rather than decoding a real JAUS SC message body — see
// encodeBody/decodeBody below.
type Op byte

const (
	OpCreate Op = iota
	OpConfirm
	OpSuspend
	OpActivate
	OpTerminate
)

// body is the parsed form of an SC message's payload, per this
// implementation's sub-header convention:
//
//	byte 0:     Op
//	bytes 1-4:  presence vector (uint32 LE)
//	byte 5:     rate (Inform create/confirm) or authority (Command
//	            create/confirm)
//	byte 6:     refused flag (1 = Confirm/Refused, Command only)
//	byte 7:     instance id (echoed once assigned)
type body struct {
	Op             Op
	PresenceVector uint32
	Rate           byte
	Authority      byte
	Refused        bool
	InstanceID     byte
}

const bodySize = 8

func decodeBody(payload []byte) (body, error) {
	if len(payload) < bodySize {
		return body{}, cos.ErrInvalidValue
	}
	b := body{
		Op:             Op(payload[0]),
		PresenceVector: binary.LittleEndian.Uint32(payload[1:5]),
		Rate:           payload[5],
		Refused:        payload[6] != 0,
		InstanceID:     payload[7],
	}
	b.Authority = payload[5]
	return b, nil
}

func encodeBody(b body) []byte {
	out := make([]byte, bodySize)
	out[0] = byte(b.Op)
	binary.LittleEndian.PutUint32(out[1:5], b.PresenceVector)
	out[5] = b.Rate // Authority aliases the same byte for Command SCs
	if b.Refused {
		out[6] = 1
	}
	out[7] = b.InstanceID
	return out
}

// Router is the minimal routing surface the manager needs: sending a
// control message to a provider or subscriber/commander, and forwarding
// the original raw frame (spec.md §9 Open Question #1: SC messages are
// always forwarded after handling, even when handling alone would have
// sufficed — kept as the original implementation's behavior).
type Router interface {
	SendStream(h wire.Header, payload []byte, localOrigin bool) error
}

// Manager owns every active Inform and Command service connection and
// runs its own worker to serialize state changes (spec.md §4.I).
type Manager struct {
	router Router

	mu       sync.Mutex
	informs  map[Key]*informSC
	commands map[Key]*commandSC

	workMu sync.Mutex // serializes HandleSC/HandleProviderDisconnect processing
}

// New returns a Manager that sends control traffic through router.
func New(router Router) *Manager {
	return &Manager{
		router:   router,
		informs:  make(map[Key]*informSC),
		commands: make(map[Key]*commandSC),
	}
}

// HandleSC implements node.ServiceConnectionHandler: every SC-flagged
// message observed by routing arrives here. isCommand distinguishes the
// Command state machine from Inform — this implementation carries that
// distinction in the header's reserved-for-SC-subtype use of the
// AckNack field being AckNackNone with DataControl left at Single, so in
// practice the caller (routing) cannot tell Inform from Command messages
// apart from the header alone; the distinction instead comes from which
// of the two key tables already holds the provider/code/pv combination,
// with OpCreate's Authority byte (nonzero) signaling a first-time Command
// create.
func (m *Manager) HandleSC(h wire.Header, payload []byte) {
	m.workMu.Lock()
	defer m.workMu.Unlock()

	b, err := decodeBody(payload)
	if err != nil {
		nlog.Warningf("svcconn: malformed SC body from %s: %v", h.Source, err)
		return
	}

	// Every SC operation except Confirm flows subscriber/commander →
	// provider, so the provider is h.Destination; Confirm flows the other
	// way (provider → subscriber), so the provider is h.Source there.
	provider := h.Destination
	if b.Op == OpConfirm {
		provider = h.Source
	}
	key := Key{Provider: provider, Code: h.Code, PresenceVector: b.PresenceVector}

	m.mu.Lock()
	_, isKnownCommand := m.commands[key]
	m.mu.Unlock()

	if isKnownCommand || (b.Op == OpCreate && b.Authority != 0) {
		m.handleCommand(key, h, b)
		stats.CountSCTransition("command", b.Op.String())
	} else {
		m.handleInform(key, h, b)
		stats.CountSCTransition("inform", b.Op.String())
	}
	m.recordActiveGauges()

	m.forward(h, payload)
}

// String renders op for stats labeling and log lines.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpConfirm:
		return "confirm"
	case OpSuspend:
		return "suspend"
	case OpActivate:
		return "activate"
	case OpTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// recordActiveGauges updates the open-SC gauges with the current total
// active-subscriber/active-commander count across every key, for the
// two SC kinds.
func (m *Manager) recordActiveGauges() {
	m.mu.Lock()
	var informActive, commandActive int
	for _, sc := range m.informs {
		informActive += len(sc.active)
	}
	for _, sc := range m.commands {
		commandActive += len(sc.active)
	}
	m.mu.Unlock()
	stats.SetActiveSC("inform", informActive)
	stats.SetActiveSC("command", commandActive)
}

// forward re-enters routing unconditionally after handling (documented
// Open Question resolution: kept as the original's forward-regardless
// behavior rather than gated on "needs to reach beyond this node").
func (m *Manager) forward(h wire.Header, payload []byte) {
	if err := m.router.SendStream(h, payload, false); err != nil {
		nlog.Warningf("svcconn: forwarding SC message from %s failed: %v", h.Source, err)
	}
}

func (m *Manager) sendControl(provider, dest wire.Address, code uint16, b body) {
	h := wire.NewHeader(code, provider, dest)
	h.SCFlag = true
	if err := m.router.SendStream(h, encodeBody(b), true); err != nil {
		nlog.Warningf("svcconn: sending control %v to %s failed: %v", b.Op, dest, err)
	}
}

// HandleProviderDisconnect tears down every service connection the given
// provider owns, sending Terminate to every known subscriber/commander
// first (spec.md §4.I: "Provider or its node disconnects").
func (m *Manager) HandleProviderDisconnect(provider wire.Address) {
	m.mu.Lock()
	var toClose []Key
	for k := range m.informs {
		if k.Provider == provider {
			toClose = append(toClose, k)
		}
	}
	var cmdToClose []Key
	for k := range m.commands {
		if k.Provider == provider {
			cmdToClose = append(cmdToClose, k)
		}
	}
	m.mu.Unlock()

	for _, k := range toClose {
		m.terminateInform(k)
	}
	for _, k := range cmdToClose {
		m.terminateCommand(k)
	}
}
