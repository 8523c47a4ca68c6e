package commo

import (
	"sync"

	"github.com/jausmesh/nodemgr/wire"
	"github.com/jausmesh/nodemgr/xport"
)

// UDPLink is the default data link (spec.md §4.K): UDP multicast for
// general cross-subsystem egress, upgraded to a per-subsystem unicast
// socket once one has been learned for that subsystem.
//
// spec.md describes the unicast override as "keyed by observed
// heartbeats": package xport's UDP receive loop does not currently thread
// the sender's socket address back through ReceiveFunc (only the decoded
// header, which carries a logical JAUS address, not a dialable one), so
// this implementation exposes LearnPeer for the caller (nodemgr, from its
// configured node_connections list or a future heartbeat-address-capture
// patch to xport) to register a subsystem's unicast peer explicitly,
// rather than inferring and dialing one from a bare inbound datagram.
type UDPLink struct {
	mu    sync.Mutex
	state State
	peers map[byte]xport.Transport // subsystem -> dialed unicast transport

	multicast xport.Transport
	recvFn    func(stream *wire.Stream)
}

// DialUDPLink brings up the multicast half of the default link.
func DialUDPLink(ifaceName, group string, port, ttl int) (*UDPLink, error) {
	link := &UDPLink{state: Off, peers: make(map[byte]xport.Transport)}
	mc, err := xport.NewUDPMulticast(ifaceName, group, port, ttl, link.onArrival)
	if err != nil {
		return nil, err
	}
	link.multicast = mc
	return link, nil
}

func (l *UDPLink) onArrival(stream *wire.Stream, _ wire.Header, _ xport.Kind, _ error) {
	l.mu.Lock()
	fn := l.recvFn
	l.mu.Unlock()
	if fn != nil {
		fn(stream)
	}
}

// LearnPeer dials a unicast socket to peerAddr and uses it for every
// subsequent Transmit whose destination subsystem matches subsystem,
// superseding the multicast default for that subsystem.
func (l *UDPLink) LearnPeer(subsystem byte, localAddr, peerAddr string) error {
	uc, err := xport.NewUDPUnicast(localAddr, peerAddr, l.onArrival)
	if err != nil {
		return err
	}
	l.mu.Lock()
	old := l.peers[subsystem]
	l.peers[subsystem] = uc
	l.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (l *UDPLink) SetReceiveFunc(fn func(stream *wire.Stream)) {
	l.mu.Lock()
	l.recvFn = fn
	l.mu.Unlock()
}

func (l *UDPLink) SetState(state State) bool {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
	return true
}

func (l *UDPLink) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transmit implements DataLink: Off refuses, Standby no-ops successfully,
// On sends over the subsystem's learned unicast peer if one exists, else
// falls back to multicast.
func (l *UDPLink) Transmit(stream *wire.Stream) bool {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()

	switch state {
	case Off:
		return false
	case Standby:
		return true
	}

	if h, err := stream.ReadHeader(); err == nil {
		l.mu.Lock()
		peer, ok := l.peers[h.Destination.Subsystem]
		l.mu.Unlock()
		if ok {
			return peer.Send(stream) == nil
		}
	}
	return l.multicast.Send(stream) == nil
}

// Close releases the multicast socket and every learned unicast peer.
func (l *UDPLink) Close() error {
	l.mu.Lock()
	peers := l.peers
	l.peers = make(map[byte]xport.Transport)
	l.mu.Unlock()
	for _, p := range peers {
		_ = p.Close()
	}
	return l.multicast.Close()
}
