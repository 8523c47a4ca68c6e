package node

import (
	"time"

	"github.com/jausmesh/nodemgr/cmn/nlog"
	"github.com/jausmesh/nodemgr/shm"
	"github.com/jausmesh/nodemgr/wire"
)

// runDiscovery is the discovery worker (spec.md §4.H): emits a Heartbeat
// Pulse at cfg.DiscoveryPeriod (default 1Hz) and, every cfg.SweepPeriod
// (default 100ms) within that period, sweeps the component and node
// connection tables for membership changes and staleness.
func (n *Node) runDiscovery() {
	defer close(n.done)

	sweepTicker := time.NewTicker(n.cfg.SweepPeriod)
	defer sweepTicker.Stop()

	sweepsPerBeat := int(n.cfg.DiscoveryPeriod / n.cfg.SweepPeriod)
	if sweepsPerBeat < 1 {
		sweepsPerBeat = 1
	}
	sweepCount := 0

	n.emitHeartbeat()
	for {
		select {
		case <-n.quit:
			return
		case <-sweepTicker.C:
			n.sweepConnections()
			n.lds.GC(n.cfg.FragmentTimeout)
			sweepCount++
			if sweepCount >= sweepsPerBeat {
				sweepCount = 0
				n.emitHeartbeat()
			}
		}
	}
}

// emitHeartbeat sends a Heartbeat Pulse to the intra-subsystem target
// (S.255.1.1), and additionally to the cross-subsystem target
// (255.255.1.1) when subsystem-config discovery is enabled (spec.md §4.H
// step 1).
func (n *Node) emitHeartbeat() {
	h := wire.NewHeader(HeartbeatPulseCode, n.cfg.Self, wire.IntraSubsystemHeartbeatTarget(n.cfg.Self.Subsystem))
	h.AckNack = wire.AckNackNone
	if err := n.SendStream(h, nil, true); err != nil {
		nlog.Warningf("node: intra-subsystem heartbeat failed: %v", err)
	}

	if n.cfg.SubsystemDiscovery {
		ch := wire.NewHeader(HeartbeatPulseCode, n.cfg.Self, wire.CrossSubsystemHeartbeatTarget())
		ch.AckNack = wire.AckNackNone
		if n.communicator != nil {
			if err := n.communicator.Send(ch, nil); err != nil {
				nlog.Warningf("node: cross-subsystem heartbeat failed: %v", err)
			}
		}
	}
}

// componentLivenessProbe is the interval ProbeActive sleeps between its two
// timestamp reads during the component liveness sweep — short enough not
// to stall the 100ms sweep cadence, long enough for an alive component's
// inbox-drain poll loop (500µs cycle) to have touched its timestamp at
// least once in between.
const componentLivenessProbe = 2 * time.Millisecond

// sweepConnections implements spec.md §4.H step 2: open connections for
// newly-registered local addresses, close connections whose liveness
// signal has lapsed, and fire exactly one event per transition.
func (n *Node) sweepConnections() {
	n.sweepComponents()
	n.sweepNodes()
}

func (n *Node) sweepComponents() {
	if n.registry == nil {
		return
	}
	known := n.componentInactiveSnapshot()

	for _, addr := range n.registry.Snapshot() {
		if _, ok := known[addr.Uint32()]; ok {
			continue
		}
		// Newly registered address we don't yet route to: open its inbox
		// and start enqueueing (spec.md §4.H step 2, "open a connection and
		// report ComponentConnect").
		inbox, err := shm.OpenInbox(addr.String()+"_Inbox", shm.DefaultComponentInboxSize)
		if err != nil {
			nlog.Warningf("node: opening inbox for newly registered %s failed: %v", addr, err)
			continue
		}
		n.RegisterComponent(addr, inbox)
	}

	for _, comp := range known {
		if comp.Inbox != nil && !comp.Inbox.ProbeActive(componentLivenessProbe) {
			n.UnregisterComponent(comp.Addr)
		}
	}
}

// componentInactiveSnapshot returns the current component table keyed by
// address, for the liveness sweep above (kept distinct from
// componentSnapshot's slice form to avoid an extra linear scan there).
func (n *Node) componentInactiveSnapshot() map[uint32]*ComponentConn {
	n.compMu.Lock()
	defer n.compMu.Unlock()
	out := make(map[uint32]*ComponentConn, len(n.components))
	for k, c := range n.components {
		out[k] = c
	}
	return out
}

func (n *Node) sweepNodes() {
	for _, nc := range n.nodeSnapshot() {
		if nc.DiscoveredDynamically && nc.staleness() > n.cfg.NodeStaleTimeout {
			n.CloseNodeConnection(nc.Addr)
		}
	}
}
