package node

import (
	"sync"
	"testing"
	"time"

	"github.com/jausmesh/nodemgr/lds"
	"github.com/jausmesh/nodemgr/shm"
	"github.com/jausmesh/nodemgr/wire"
	"github.com/jausmesh/nodemgr/xport"
)

func withTempBaseDir(t *testing.T) {
	t.Helper()
	old := shm.BaseDir
	shm.BaseDir = t.TempDir()
	t.Cleanup(func() { shm.BaseDir = old })
}

type fakeTransport struct {
	kind xport.Kind
	mu   sync.Mutex
	sent []*wire.Stream
}

func (f *fakeTransport) Send(s *wire.Stream) error {
	f.mu.Lock()
	f.sent = append(f.sent, s)
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) Kind() xport.Kind { return f.kind }
func (f *fakeTransport) Close() error     { return nil }

func (f *fakeTransport) snapshot() []*wire.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Stream(nil), f.sent...)
}

func openTestInbox(t *testing.T, addr wire.Address) *shm.Inbox {
	t.Helper()
	ib, err := shm.OpenInbox(addr.String()+"_Inbox", shm.DefaultComponentInboxSize)
	if err != nil {
		t.Fatalf("OpenInbox: %v", err)
	}
	t.Cleanup(func() { ib.Unlink() })
	return ib
}

func newTestNode(self wire.Address) *Node {
	return New(Config{Self: self}, nil, nil, nil, 0)
}

func TestSendUnicastToLocalComponent(t *testing.T) {
	withTempBaseDir(t)
	self := wire.NodeManagerOf(1, 1)
	a := wire.NewAddress(1, 1, 2, 1)
	b := wire.NewAddress(1, 1, 3, 1)

	n := newTestNode(self)
	n.RegisterComponent(a, openTestInbox(t, a))
	ib := openTestInbox(t, b)
	n.RegisterComponent(b, ib)

	h := wire.NewHeader(0x0123, a, b)
	if err := n.SendStream(h, []byte("hi"), true); err != nil {
		t.Fatalf("SendStream: %v", err)
	}

	frames := ib.Drain()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame delivered, got %d", len(frames))
	}
	s := wire.WrapStream(frames[0])
	gh, err := s.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if gh.Code != 0x0123 || string(s.Payload()) != "hi" {
		t.Fatalf("unexpected delivered frame: %+v %q", gh, s.Payload())
	}
}

func TestSendUnicastSynthesizesNackOnUnknownDestination(t *testing.T) {
	withTempBaseDir(t)
	self := wire.NodeManagerOf(1, 1)
	sender := wire.NewAddress(1, 1, 2, 1)
	unknown := wire.NewAddress(1, 1, 9, 1)

	n := newTestNode(self)
	senderInbox := openTestInbox(t, sender)
	n.RegisterComponent(sender, senderInbox)

	h := wire.NewHeader(0x0200, sender, unknown)
	h.AckNack = wire.AckNackRequest
	if err := n.SendStream(h, nil, true); err == nil {
		t.Fatal("expected unknown-destination error")
	}

	frames := senderInbox.Drain()
	if len(frames) != 1 {
		t.Fatalf("expected 1 synthesized NACK delivered back to sender, got %d", len(frames))
	}
	s := wire.WrapStream(frames[0])
	gh, err := s.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if gh.AckNack != wire.AckNackNack || gh.Source != unknown || gh.Destination != sender {
		t.Fatalf("unexpected NACK header: %+v", gh)
	}
}

func TestBroadcastFanOutExcludesSenderAndOffNodeReached(t *testing.T) {
	withTempBaseDir(t)
	self := wire.NodeManagerOf(1, 1)
	a := wire.NewAddress(1, 1, 2, 1)
	b := wire.NewAddress(1, 1, 3, 1)
	c := wire.NewAddress(1, 1, 4, 1)

	n := newTestNode(self)
	aIb := openTestInbox(t, a)
	bIb := openTestInbox(t, b)
	cIb := openTestInbox(t, c)
	n.RegisterComponent(a, aIb)
	n.RegisterComponent(b, bIb)
	n.RegisterComponent(c, cIb)

	bcast := wire.NewAddress(1, 1, wire.Broadcast, wire.Broadcast)
	h := wire.NewHeader(0x0300, a, bcast)
	if err := n.SendStream(h, nil, true); err != nil {
		t.Fatalf("SendStream: %v", err)
	}

	if frames := aIb.Drain(); len(frames) != 0 {
		t.Fatalf("sender should not receive its own broadcast, got %d frames", len(frames))
	}
	if frames := bIb.Drain(); len(frames) != 1 {
		t.Fatalf("expected b to receive the broadcast, got %d frames", len(frames))
	}
	if frames := cIb.Drain(); len(frames) != 1 {
		t.Fatalf("expected c to receive the broadcast, got %d frames", len(frames))
	}
}

func TestFragmentReassemblyOutOfOrderDeliversMergedMessage(t *testing.T) {
	withTempBaseDir(t)
	self := wire.NodeManagerOf(1, 1)
	src := wire.NewAddress(2, 1, 2, 1) // off-node source, as if forwarded in
	dst := wire.NewAddress(1, 1, 3, 1)

	n := newTestNode(self)
	dstIb := openTestInbox(t, dst)
	n.RegisterComponent(dst, dstIb)

	payload := make([]byte, lds.MaxFragmentBody*2+37)
	for i := range payload {
		payload[i] = byte(i)
	}
	h := wire.NewHeader(0x0400, src, dst)
	fragments := lds.Split(h, payload, 100)
	if len(fragments) < 3 {
		t.Fatalf("expected at least 3 fragments, got %d", len(fragments))
	}

	// Feed out of order: last, first, then the rest.
	order := append([]int{len(fragments) - 1, 0}, seqRange(1, len(fragments)-1)...)
	for _, i := range order {
		fh, err := fragments[i].ReadHeader()
		if err != nil {
			t.Fatalf("ReadHeader fragment %d: %v", i, err)
		}
		n.dispatchIncoming(fh, fragments[i].Payload(), xport.KindTCP)
	}

	frames := dstIb.Drain()
	if len(frames) != 1 {
		t.Fatalf("expected exactly 1 merged delivery, got %d", len(frames))
	}
	s := wire.WrapStream(frames[0])
	gh, err := s.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if gh.DataControl != wire.DataControlSingle {
		t.Fatalf("merged header should be DataControlSingle, got %v", gh.DataControl)
	}
	if string(s.Payload()) != string(payload) {
		t.Fatal("merged payload does not match original")
	}
}

func seqRange(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, i)
	}
	return out
}

type spySC struct {
	mu   sync.Mutex
	seen []wire.Header
}

func (s *spySC) HandleSC(h wire.Header, payload []byte) {
	s.mu.Lock()
	s.seen = append(s.seen, h)
	s.mu.Unlock()
}

func TestLoopbackSuppressionDropsOwnUDPTraffic(t *testing.T) {
	withTempBaseDir(t)
	self := wire.NodeManagerOf(1, 1)
	n := newTestNode(self)
	sc := &spySC{}
	n.SetServiceConnectionHandler(sc)

	h := wire.NewHeader(0x0500, self, self)
	h.SCFlag = true
	n.dispatchIncoming(h, nil, xport.KindUDPMulticast)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.seen) != 0 {
		t.Fatalf("expected loopback suppression to drop the frame, got %d delivered", len(sc.seen))
	}
}

func TestConflictWindowFlagsSelfAddressAsSource(t *testing.T) {
	withTempBaseDir(t)
	self := wire.NodeManagerOf(1, 1)
	n := New(Config{Self: self}, nil, nil, nil, 200*time.Millisecond)

	h := wire.NewHeader(0x0600, self, self)
	n.dispatchIncoming(h, nil, xport.KindTCP)

	if !n.ConflictDetected() {
		t.Fatal("expected conflict window to flag self-sourced arrival")
	}
}

func TestOffNodeUnicastUsesNodeConnection(t *testing.T) {
	withTempBaseDir(t)
	self := wire.NodeManagerOf(1, 1)
	peer := wire.NewAddress(1, 2, 3, 1)

	n := newTestNode(self)
	ft := &fakeTransport{kind: xport.KindUDPUnicast}
	n.OpenNodeConnection(wire.NodeManagerOf(1, 2), xport.KindUDPUnicast, ft, "peerhost:9000", false)

	h := wire.NewHeader(0x0700, self, peer)
	if err := n.SendStream(h, []byte("x"), true); err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	if len(ft.snapshot()) != 1 {
		t.Fatalf("expected 1 frame sent over node connection, got %d", len(ft.snapshot()))
	}
}
