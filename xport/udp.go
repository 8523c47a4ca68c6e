package xport

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jausmesh/nodemgr/wire"
)

// setMulticastTTL sets IP_MULTICAST_TTL on conn's underlying socket.
// Best-effort: a failure here only means multicast reach defaults to
// whatever the OS assumes, not a fatal condition for the link.
func setMulticastTTL(conn *net.UDPConn, ttl int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl)
	})
}

// DefaultMulticastGroup and DefaultMulticastTTL are the defaults from
// spec.md §4.E, overridable per subsystem at init time.
const (
	DefaultMulticastGroup = "224.1.0.1"
	DefaultMulticastTTL   = 1
)

// udpSocket is the shared implementation behind UDPUnicast, UDPMulticast,
// and UDPBroadcast: one bound *net.UDPConn, a fixed send target, and a
// background read loop handing every inbound datagram to recv.
type udpSocket struct {
	kind   Kind
	conn   *net.UDPConn
	target *net.UDPAddr
	recv   ReceiveFunc

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func newUDPSocket(kind Kind, conn *net.UDPConn, target *net.UDPAddr, recv ReceiveFunc) *udpSocket {
	s := &udpSocket{kind: kind, conn: conn, target: target, recv: recv, done: make(chan struct{})}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

func (s *udpSocket) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, wire.MaxDatagram)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			recordErr(s.kind)
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		decodeFrame(raw, s.kind, s.recv)
	}
}

func (s *udpSocket) Send(stream *wire.Stream) error {
	n, err := s.conn.WriteToUDP(stream.Bytes(), s.target)
	if err != nil {
		return err
	}
	recordSent(s.kind, n)
	return nil
}

func (s *udpSocket) Kind() Kind { return s.kind }

// LocalAddr returns the bound local address, useful for tests and for
// logging which port a link is listening on.
func (s *udpSocket) LocalAddr() string { return s.conn.LocalAddr().String() }

func (s *udpSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

// UDPUnicast is a point-to-point UDP link to one resolved peer (spec.md
// §4.E: "UDP unicast to a resolved peer host for point-to-point node
// links").
type UDPUnicast struct{ *udpSocket }

// NewUDPUnicast binds localAddr (e.g. ":3794") and fixes peerAddr as both
// send target and the only address whose datagrams the node connection
// handler expects on this link (the kernel still delivers from anyone;
// callers filter by header.Source if they care).
func NewUDPUnicast(localAddr, peerAddr string, recv ReceiveFunc) (*UDPUnicast, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("xport: resolve local %s: %w", localAddr, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("xport: resolve peer %s: %w", peerAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("xport: listen %s: %w", localAddr, err)
	}
	return &UDPUnicast{newUDPSocket(KindUDPUnicast, conn, raddr, recv)}, nil
}

// UDPMulticast disseminates heartbeats and reaches across subsystems over
// a joined multicast group (spec.md §4.E).
type UDPMulticast struct{ *udpSocket }

// NewUDPMulticast joins group (default DefaultMulticastGroup) on the
// interface implied by ifaceName (empty = system default) and sets the
// outbound TTL.
func NewUDPMulticast(ifaceName, group string, port int, ttl int, recv ReceiveFunc) (*UDPMulticast, error) {
	if group == "" {
		group = DefaultMulticastGroup
	}
	if ttl <= 0 {
		ttl = DefaultMulticastTTL
	}

	gaddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	var iface *net.Interface
	if ifaceName != "" {
		var err error
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("xport: interface %s: %w", ifaceName, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp", iface, gaddr)
	if err != nil {
		return nil, fmt.Errorf("xport: join multicast %s: %w", group, err)
	}
	if err := conn.SetWriteBuffer(1 << 16); err != nil {
		// non-fatal: just means larger bursts may block briefly on write
	}
	setMulticastTTL(conn, ttl)

	return &UDPMulticast{newUDPSocket(KindUDPMulticast, conn, gaddr, recv)}, nil
}

// UDPBroadcast is the local-segment dissemination fallback (spec.md §4.E).
type UDPBroadcast struct{ *udpSocket }

// NewUDPBroadcast binds localAddr and sends to broadcastAddr (typically
// the subnet's directed broadcast address, e.g. "192.168.1.255:3794").
func NewUDPBroadcast(localAddr, broadcastAddr string, recv ReceiveFunc) (*UDPBroadcast, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("xport: resolve local %s: %w", localAddr, err)
	}
	baddr, err := net.ResolveUDPAddr("udp", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("xport: resolve broadcast %s: %w", broadcastAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("xport: listen %s: %w", localAddr, err)
	}
	setBroadcast(conn)
	return &UDPBroadcast{newUDPSocket(KindUDPBroadcast, conn, baddr, recv)}, nil
}

// setBroadcast enables SO_BROADCAST, required to send datagrams to a
// subnet broadcast address on Linux.
func setBroadcast(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
}
