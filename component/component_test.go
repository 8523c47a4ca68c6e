package component

import (
	"testing"
	"time"

	"github.com/jausmesh/nodemgr/handler"
	"github.com/jausmesh/nodemgr/shm"
	"github.com/jausmesh/nodemgr/wire"
)

func withTempBaseDir(t *testing.T) {
	t.Helper()
	old := shm.BaseDir
	shm.BaseDir = t.TempDir()
	t.Cleanup(func() { shm.BaseDir = old })
}

func newTestComponent(t *testing.T, addr wire.Address, inboxName, outboxName string) *Component {
	t.Helper()
	ib, err := shm.OpenInbox(inboxName, shm.DefaultComponentInboxSize)
	if err != nil {
		t.Fatalf("OpenInbox: %v", err)
	}
	ob, err := NewOutbox(outboxName, shm.DefaultComponentInboxSize)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	c := New(addr, ib, ob)
	c.Start()
	t.Cleanup(func() {
		c.Stop()
		ib.Unlink()
	})
	return c
}

// TestSendAndWaitSuccessOnAck verifies that a blocking send resolves as
// soon as a matching ack arrives in the sender's own inbox (standing in
// for a peer responding by writing directly back).
func TestSendAndWaitSuccessOnAck(t *testing.T) {
	withTempBaseDir(t)

	peer := wire.NewAddress(1, 1, 2, 1)
	me := wire.NewAddress(1, 1, 1, 1)

	c := newTestComponent(t, me, "sender_inbox", "sender_outbox")

	h := wire.NewHeader(0x0100, me, peer)

	done := make(chan *Receipt, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := c.SendAndWait(h, []byte("hello"), nil, 200*time.Millisecond, 3)
		done <- r
		errCh <- err
	}()

	// Give the sender a moment to register and transmit, then inject the
	// ack directly into its own inbox as if it arrived from the peer.
	time.Sleep(20 * time.Millisecond)
	ack := wire.NewHeader(h.Code, peer, me)
	ack.AckNack = wire.AckNackAck
	if err := c.Inbox.Enqueue(wire.Frame(ack, nil).Bytes()); err != nil {
		t.Fatalf("Enqueue ack: %v", err)
	}

	select {
	case r := <-done:
		if err := <-errCh; err != nil {
			t.Fatalf("SendAndWait error: %v", err)
		}
		if r.State() != ReceiptSuccess {
			t.Fatalf("expected ReceiptSuccess, got %v", r.State())
		}
	case <-time.After(1 * time.Second):
		t.Fatal("SendAndWait did not return in time")
	}
}

// TestSendAndWaitTimesOutAfterMaxTries verifies the reliability contract:
// against a silent peer, the sender retries up to MaxTries, flags resends
// as Retransmit, and resolves to Timeout.
func TestSendAndWaitTimesOutAfterMaxTries(t *testing.T) {
	withTempBaseDir(t)

	peer := wire.NewAddress(1, 1, 3, 1)
	me := wire.NewAddress(1, 1, 1, 1)
	c := newTestComponent(t, me, "silent_sender_inbox", "silent_sender_outbox")

	h := wire.NewHeader(0x0200, me, peer)

	r, err := c.SendAndWait(h, []byte("ping"), nil, 90*time.Millisecond, 3)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if r.State() != ReceiptTimeout {
		t.Fatalf("expected ReceiptTimeout, got %v", r.State())
	}
	if r.SendCount() != MaxTries {
		t.Fatalf("expected %d sends, got %d", MaxTries, r.SendCount())
	}

	// Drain the outbox (which, in this test, is this same process's node
	// inbox under a different name) and confirm the retransmits were
	// flagged.
	ob, err := shm.OpenInbox("silent_sender_outbox", shm.DefaultComponentInboxSize)
	if err != nil {
		t.Fatalf("OpenInbox outbox: %v", err)
	}
	defer ob.Unlink()
	frames := ob.Drain()
	if len(frames) != MaxTries {
		t.Fatalf("expected %d frames in outbox, got %d", MaxTries, len(frames))
	}
	for i, raw := range frames {
		s := wire.WrapStream(raw)
		fh, err := s.ReadHeader()
		if err != nil {
			t.Fatalf("ReadHeader frame %d: %v", i, err)
		}
		if i == 0 {
			if fh.DataControl == wire.DataControlRetransmit {
				t.Fatalf("first send should not be flagged Retransmit")
			}
		} else if fh.DataControl != wire.DataControlRetransmit {
			t.Fatalf("resend %d should be flagged Retransmit, got %v", i, fh.DataControl)
		}
	}
}

// TestSendAndWaitRejectsBroadcast verifies that broadcast destinations are
// rejected before any transmit is attempted.
func TestSendAndWaitRejectsBroadcast(t *testing.T) {
	withTempBaseDir(t)

	me := wire.NewAddress(1, 1, 1, 1)
	broadcast := wire.NewAddress(1, 1, wire.Broadcast, wire.Broadcast)
	c := newTestComponent(t, me, "bcast_sender_inbox", "bcast_sender_outbox")

	h := wire.NewHeader(0x0300, me, broadcast)
	_, err := c.SendAndWait(h, nil, nil, 50*time.Millisecond, 2)
	if err == nil {
		t.Fatal("expected error for broadcast destination")
	}
}

// TestMatcherInterceptsBeforeHandler verifies that an arrival matching a
// pending receipt never reaches the Message Handler's default callback.
func TestMatcherInterceptsBeforeHandler(t *testing.T) {
	withTempBaseDir(t)

	peer := wire.NewAddress(1, 1, 4, 1)
	me := wire.NewAddress(1, 1, 1, 1)
	c := newTestComponent(t, me, "intercept_sender_inbox", "intercept_sender_outbox")

	handlerFired := make(chan struct{}, 1)
	c.Handler.SetDefaultRaw(func(handler.Message) bool {
		handlerFired <- struct{}{}
		return true
	})

	h := wire.NewHeader(0x0400, me, peer)
	go c.SendAndWait(h, nil, []uint16{0x0401}, 150*time.Millisecond, 3)

	time.Sleep(10 * time.Millisecond)
	resp := wire.NewHeader(0x0401, peer, me)
	if err := c.Inbox.Enqueue(wire.Frame(resp, nil).Bytes()); err != nil {
		t.Fatalf("Enqueue response: %v", err)
	}

	select {
	case <-handlerFired:
		t.Fatal("response matched a pending receipt but still reached the Message Handler")
	case <-time.After(50 * time.Millisecond):
	}
}
