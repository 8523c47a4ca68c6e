package xport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/jausmesh/nodemgr/cmn/nlog"
	"github.com/jausmesh/nodemgr/wire"
)

// TCP is the optional reliable inter-node transport (spec.md §4.E). It
// listens for inbound connections and, independently, dials and caches one
// outbound connection per peer address the first time SendTo targets it.
type TCP struct {
	ln   net.Listener
	recv ReceiveFunc

	mu    sync.Mutex
	peers map[string]net.Conn // peer addr -> cached outbound conn

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewTCP starts a listener on localAddr and begins accepting inbound
// connections in the background.
func NewTCP(localAddr string, recv ReceiveFunc) (*TCP, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("xport: tcp listen %s: %w", localAddr, err)
	}
	t := &TCP{ln: ln, recv: recv, peers: make(map[string]net.Conn), done: make(chan struct{})}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			nlog.Warningf("xport: tcp accept: %v", err)
			continue
		}
		t.wg.Add(1)
		go t.readConn(conn)
	}
}

func (t *TCP) readConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	hbuf := make([]byte, wire.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, hbuf); err != nil {
			if err != io.EOF {
				recordErr(KindTCP)
			}
			return
		}
		h, err := wire.DecodeHeader(hbuf)
		if err != nil {
			recordErr(KindTCP)
			t.recv(nil, wire.Header{}, KindTCP, err)
			return
		}
		body := make([]byte, h.DataSize)
		if h.DataSize > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				recordErr(KindTCP)
				return
			}
		}
		frame := wire.Frame(h, body)
		recordRecv(KindTCP, frame.Len())
		frame.ReadHeader() // advance cursor past header so Payload() is just body
		t.recv(frame, h, KindTCP, nil)
	}
}

// Send always returns an error: a raw Stream carries no peer identity of
// its own once framed, so callers pass the target address via SendTo (or
// use a BoundTCP).
func (t *TCP) Send(stream *wire.Stream) error {
	return fmt.Errorf("xport: TCP.Send requires a peer address; use SendTo")
}

// SendTo writes stream to peerAddr, dialing and caching the connection on
// first use and redialing once if the cached connection is dead.
func (t *TCP) SendTo(peerAddr string, stream *wire.Stream) error {
	conn, err := t.connFor(peerAddr)
	if err != nil {
		return err
	}
	n, err := conn.Write(stream.Bytes())
	if err != nil {
		t.mu.Lock()
		delete(t.peers, peerAddr)
		t.mu.Unlock()
		conn.Close()

		conn, err = t.connFor(peerAddr)
		if err != nil {
			return err
		}
		n, err = conn.Write(stream.Bytes())
		if err != nil {
			return err
		}
	}
	recordSent(KindTCP, n)
	return nil
}

// dropPeer closes and forgets the cached outbound connection for
// peerAddr, if any, without touching the shared listener or any other
// peer's connection (used by BoundTCP.Close so one static node
// connection going away doesn't tear down the whole transport).
func (t *TCP) dropPeer(peerAddr string) error {
	t.mu.Lock()
	conn, ok := t.peers[peerAddr]
	delete(t.peers, peerAddr)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

func (t *TCP) connFor(peerAddr string) (net.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.peers[peerAddr]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	conn, err := net.Dial("tcp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("xport: tcp dial %s: %w", peerAddr, err)
	}
	t.mu.Lock()
	t.peers[peerAddr] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *TCP) Kind() Kind { return KindTCP }

// BoundTCP adapts the shared TCP transport's multi-peer SendTo to the
// single-peer Transport interface the node connection table expects
// (spec.md §3 "Connection record": one transport handle per peer), for a
// statically configured TCP node_connections entry (spec.md §6). Several
// BoundTCP values can share one underlying *TCP; each owns only its own
// cached outbound connection.
type BoundTCP struct {
	tcp  *TCP
	peer string
}

// NewBoundTCP binds tcp (already listening/accepting) to peerAddr.
func NewBoundTCP(tcp *TCP, peerAddr string) *BoundTCP {
	return &BoundTCP{tcp: tcp, peer: peerAddr}
}

func (b *BoundTCP) Send(stream *wire.Stream) error { return b.tcp.SendTo(b.peer, stream) }
func (b *BoundTCP) Kind() Kind                     { return KindTCP }

// Close drops this peer's cached connection only; the shared listener and
// every other peer's connection stay up.
func (b *BoundTCP) Close() error { return b.tcp.dropPeer(b.peer) }

func (t *TCP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.ln.Close()
		t.mu.Lock()
		for _, c := range t.peers {
			c.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()
	})
	return err
}
