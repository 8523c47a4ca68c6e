package svcconn

import "github.com/jausmesh/nodemgr/wire"

// informSC is one Inform service connection (spec.md §3, §4.I): a
// provider, confirmed periodic rate, and three disjoint subscriber sets.
type informSC struct {
	key           Key
	confirmedRate byte
	instanceID    byte
	active        map[uint32]wire.Address
	suspended     map[uint32]wire.Address
	pending       map[uint32]wire.Address
}

func newInformSC(key Key) *informSC {
	return &informSC{
		key:       key,
		active:    make(map[uint32]wire.Address),
		suspended: make(map[uint32]wire.Address),
		pending:   make(map[uint32]wire.Address),
	}
}

func (sc *informSC) empty() bool {
	return len(sc.active) == 0 && len(sc.suspended) == 0 && len(sc.pending) == 0
}

// peerFor returns the subscriber address for op against h: every op except
// Confirm is subscriber-originated (peer = h.Source); Confirm is
// provider-originated (peer = h.Destination).
func peerFor(op Op, h wire.Header) wire.Address {
	if op == OpConfirm {
		return h.Destination
	}
	return h.Source
}

// handleInform applies one SC event to the Inform state machine for key,
// per the transition table in spec.md §4.I.
func (m *Manager) handleInform(key Key, h wire.Header, b body) {
	m.mu.Lock()
	sc, ok := m.informs[key]
	if !ok {
		if b.Op != OpCreate {
			m.mu.Unlock()
			return // no known SC for this event: nothing to transition
		}
		sc = newInformSC(key)
		m.informs[key] = sc
	}
	m.mu.Unlock()

	peer := peerFor(b.Op, h)
	pkey := peer.Uint32()

	switch b.Op {
	case OpCreate:
		if len(sc.active) > 0 && b.Rate <= sc.confirmedRate {
			m.sendControl(key.Provider, peer, key.Code, body{Op: OpConfirm, PresenceVector: key.PresenceVector, Rate: sc.confirmedRate, InstanceID: sc.instanceID})
			return
		}
		sc.pending[pkey] = peer
		m.sendControl(peer, key.Provider, key.Code, body{Op: OpCreate, PresenceVector: key.PresenceVector, Rate: b.Rate})

	case OpConfirm:
		if _, wasPending := sc.pending[pkey]; !wasPending {
			return
		}
		delete(sc.pending, pkey)
		if b.Refused {
			m.teardownInformIfEmpty(key, sc)
			return
		}
		wasSuspended := len(sc.active) == 0
		sc.active[pkey] = peer
		if b.Rate > sc.confirmedRate {
			sc.confirmedRate = b.Rate
		}
		sc.instanceID = b.InstanceID
		if wasSuspended {
			m.sendControl(key.Provider, key.Provider, key.Code, body{Op: OpActivate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
		}

	case OpSuspend:
		if _, wasActive := sc.active[pkey]; !wasActive {
			return
		}
		delete(sc.active, pkey)
		sc.suspended[pkey] = peer
		if len(sc.active) == 0 {
			m.sendControl(key.Provider, key.Provider, key.Code, body{Op: OpSuspend, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
		}

	case OpActivate:
		if _, wasSuspended := sc.suspended[pkey]; !wasSuspended {
			return
		}
		delete(sc.suspended, pkey)
		wasSuspendedSC := len(sc.active) == 0
		sc.active[pkey] = peer
		if wasSuspendedSC {
			m.sendControl(key.Provider, key.Provider, key.Code, body{Op: OpActivate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
		}

	case OpTerminate:
		delete(sc.active, pkey)
		delete(sc.suspended, pkey)
		delete(sc.pending, pkey)
		m.teardownInformIfEmpty(key, sc)
	}
}

func (m *Manager) teardownInformIfEmpty(key Key, sc *informSC) {
	if !sc.empty() {
		return
	}
	m.sendControl(key.Provider, key.Provider, key.Code, body{Op: OpTerminate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
	m.mu.Lock()
	delete(m.informs, key)
	m.mu.Unlock()
}

func (m *Manager) terminateInform(key Key) {
	m.mu.Lock()
	sc, ok := m.informs[key]
	delete(m.informs, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range sc.active {
		m.sendControl(key.Provider, s, key.Code, body{Op: OpTerminate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
	}
	for _, s := range sc.suspended {
		m.sendControl(key.Provider, s, key.Code, body{Op: OpTerminate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
	}
	for _, s := range sc.pending {
		m.sendControl(key.Provider, s, key.Code, body{Op: OpTerminate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
	}
}

// commander is one Command-SC participant: its address and authority.
type commander struct {
	Addr      wire.Address
	Authority byte
}

// commandSC is one Command service connection (spec.md §3): like Inform,
// but with authority-tagged commanders and a single lead commander —
// only the lead's messages are forwarded to the provider.
type commandSC struct {
	key              Key
	requiredAuthority byte
	instanceID       byte
	active           map[uint32]commander
	suspended        map[uint32]commander
	pending          map[uint32]commander
	lead             *wire.Address
}

func newCommandSC(key Key, requiredAuthority byte) *commandSC {
	return &commandSC{
		key:               key,
		requiredAuthority: requiredAuthority,
		active:            make(map[uint32]commander),
		suspended:         make(map[uint32]commander),
		pending:           make(map[uint32]commander),
	}
}

func (sc *commandSC) empty() bool {
	return len(sc.active) == 0 && len(sc.suspended) == 0 && len(sc.pending) == 0
}

func (sc *commandSC) recomputeLead() (old, new_ *wire.Address) {
	old = sc.lead
	var best *commander
	for _, c := range sc.active {
		c := c
		if best == nil || c.Authority > best.Authority {
			best = &c
		}
	}
	if best == nil {
		sc.lead = nil
	} else {
		addr := best.Addr
		sc.lead = &addr
	}
	return old, sc.lead
}

// handleCommand applies one SC event to the Command state machine for
// key, per spec.md §4.I's authority-arbitrated rules.
func (m *Manager) handleCommand(key Key, h wire.Header, b body) {
	m.mu.Lock()
	sc, ok := m.commands[key]
	if !ok {
		if b.Op != OpCreate {
			m.mu.Unlock()
			return
		}
		sc = newCommandSC(key, b.Authority)
		m.commands[key] = sc
	}
	m.mu.Unlock()

	peer := peerFor(b.Op, h)
	pkey := peer.Uint32()

	switch b.Op {
	case OpCreate:
		if b.Authority < sc.requiredAuthority {
			m.sendControl(key.Provider, peer, key.Code, body{Op: OpConfirm, PresenceVector: key.PresenceVector, Refused: true})
			return
		}
		sc.pending[pkey] = commander{Addr: peer, Authority: b.Authority}
		m.sendControl(peer, key.Provider, key.Code, body{Op: OpCreate, PresenceVector: key.PresenceVector, Authority: b.Authority})

	case OpConfirm:
		c, wasPending := sc.pending[pkey]
		if !wasPending {
			return
		}
		delete(sc.pending, pkey)
		if b.Refused {
			m.teardownCommandIfEmpty(key, sc)
			return
		}
		c.Authority = b.Authority
		sc.instanceID = b.InstanceID
		sc.active[pkey] = c
		m.applyLeadChange(key, sc)

	case OpSuspend:
		c, wasActive := sc.active[pkey]
		if !wasActive {
			return
		}
		delete(sc.active, pkey)
		sc.suspended[pkey] = c
		m.applyLeadChange(key, sc)

	case OpActivate:
		c, wasSuspended := sc.suspended[pkey]
		if !wasSuspended {
			return
		}
		delete(sc.suspended, pkey)
		sc.active[pkey] = c
		m.applyLeadChange(key, sc)

	case OpTerminate:
		delete(sc.active, pkey)
		delete(sc.suspended, pkey)
		delete(sc.pending, pkey)
		m.applyLeadChange(key, sc)
		m.teardownCommandIfEmpty(key, sc)
	}
}

// applyLeadChange recomputes lead_commander = argmax_authority(active) and,
// if it changed, suspends the previous lead and activates the new one
// (spec.md §4.I).
func (m *Manager) applyLeadChange(key Key, sc *commandSC) {
	old, new_ := sc.recomputeLead()
	if samePtr(old, new_) {
		return
	}
	if old != nil {
		m.sendControl(key.Provider, *old, key.Code, body{Op: OpSuspend, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
	}
	if new_ != nil {
		m.sendControl(key.Provider, *new_, key.Code, body{Op: OpActivate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
	}
}

func samePtr(a, b *wire.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (m *Manager) teardownCommandIfEmpty(key Key, sc *commandSC) {
	if !sc.empty() {
		return
	}
	m.mu.Lock()
	delete(m.commands, key)
	m.mu.Unlock()
}

func (m *Manager) terminateCommand(key Key) {
	m.mu.Lock()
	sc, ok := m.commands[key]
	delete(m.commands, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range sc.active {
		m.sendControl(key.Provider, c.Addr, key.Code, body{Op: OpTerminate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
	}
	for _, c := range sc.suspended {
		m.sendControl(key.Provider, c.Addr, key.Code, body{Op: OpTerminate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
	}
	for _, c := range sc.pending {
		m.sendControl(key.Provider, c.Addr, key.Code, body{Op: OpTerminate, PresenceVector: key.PresenceVector, InstanceID: sc.instanceID})
	}
}

// IsLeadCommander reports whether addr is the current lead commander for
// key, used by routing/providers to decide whether to act on a forwarded
// Command message (spec.md §4.I: "only messages from the lead_commander
// are forwarded to the provider" — the Manager still forwards every SC
// message per the documented Open Question resolution, so callers that
// must honor the "only lead" rule for the *domain* payload consult this).
func (m *Manager) IsLeadCommander(key Key, addr wire.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.commands[key]
	if !ok || sc.lead == nil {
		return false
	}
	return *sc.lead == addr
}
