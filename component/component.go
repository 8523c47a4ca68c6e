package component

import (
	"sync/atomic"
	"time"

	"github.com/jausmesh/nodemgr/cmn/cos"
	"github.com/jausmesh/nodemgr/cmn/mono"
	"github.com/jausmesh/nodemgr/handler"
	"github.com/jausmesh/nodemgr/shm"
	"github.com/jausmesh/nodemgr/wire"
)

// InboxPollInterval is how often the component's inbox-drain worker wakes
// to check for new messages when idle.
const InboxPollInterval = 500 * time.Microsecond

// Component is one component's connection handler: its own inbox, an
// outbox pointing at the node manager, the receipt matcher that gets
// first look at every arrival, and the Message Handler everything else
// falls through to (spec.md §4.G).
type Component struct {
	Addr    wire.Address
	Inbox   *shm.Inbox
	Outbox  *Outbox
	Handler *handler.Handler
	Matcher *Matcher

	seq  atomic.Uint32
	quit chan struct{}
	done chan struct{}
}

// New assembles a Component over an already-opened inbox and outbox. The
// caller is responsible for registry claim/conflict-detection (shm
// package) before construction.
func New(addr wire.Address, inbox *shm.Inbox, outbox *Outbox) *Component {
	c := &Component{
		Addr:    addr,
		Inbox:   inbox,
		Outbox:  outbox,
		Handler: handler.New(),
		Matcher: newMatcher(),
	}
	c.Handler.Start()
	return c
}

// Start launches the inbox-drain worker, which feeds each arrival first
// to the receipt matcher and, if unclaimed, to the Message Handler.
func (c *Component) Start() {
	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	go c.drainLoop()
}

func (c *Component) drainLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		default:
		}
		c.Inbox.Touch()
		msgs := c.Inbox.Drain()
		if len(msgs) == 0 {
			time.Sleep(InboxPollInterval)
			continue
		}
		for _, raw := range msgs {
			c.onArrival(raw)
		}
	}
}

func (c *Component) onArrival(raw []byte) {
	s := wire.WrapStream(raw)
	h, err := s.ReadHeader()
	if err != nil {
		return // malformed: dropped and counted upstream by the transport layer
	}
	payload := s.Payload()

	if c.Matcher.Dispatch(h, payload) {
		return
	}
	c.Handler.Submit(handler.Message{Header: h, Body: payload}, h.SCFlag || h.Priority > wire.DefaultPriority)
}

// Stop stops the inbox-drain worker and the Message Handler.
func (c *Component) Stop() {
	if c.quit != nil {
		close(c.quit)
		<-c.done
	}
	c.Handler.Stop()
}

// Send writes a fully-framed message to the outbox without waiting for a
// response (fire-and-forget path of spec.md §4.G's outgoing dispatch).
func (c *Component) Send(h wire.Header, payload []byte) error {
	h.Seq = uint16(c.seq.Add(1))
	return c.Outbox.Enqueue(wire.Frame(h, payload).Bytes())
}

// SendAndWait implements the blocking send primitive (spec.md §4.G,
// §5): register the receipt, transmit, then resend on a
// total_timeout/tries cadence (default 750ms/3, tries capped at 3),
// flagging each resend as Retransmit, until Success or Timeout (or a
// transmit error). The wait cannot be cancelled: neither the caller nor
// the Receipt has a way to end it early.
//
// acceptableCodes is the receipt's acceptable-response-code set; pass nil
// or empty to wait solely on an ack (spec.md §3 Receipt).
func (c *Component) SendAndWait(h wire.Header, payload []byte, acceptableCodes []uint16, totalTimeout time.Duration, tries int) (*Receipt, error) {
	if h.Destination.IsBroadcast() {
		return nil, cos.ErrInvalidAddress // broadcast destinations rejected for blocking send
	}
	if totalTimeout <= 0 {
		totalTimeout = DefaultTotalTimeout
	}
	if tries <= 0 || tries > MaxTries {
		tries = MaxTries
	}
	resendInterval := totalTimeout / time.Duration(tries)

	h.Seq = uint16(c.seq.Add(1))
	r := newReceipt(h.Destination, h, acceptableCodes)
	c.Matcher.Register(r)

	if err := c.transmit(r, h, payload); err != nil {
		c.Matcher.Unregister(r)
		r.resolve(ReceiptTimeout)
		return r, err
	}

	return c.awaitReceipt(r, h, payload, resendInterval, tries)
}

func (c *Component) transmit(r *Receipt, h wire.Header, payload []byte) error {
	r.mu.Lock()
	r.sendCount++
	r.sentAt = mono.NanoTime()
	r.updatedAt = r.sentAt
	r.mu.Unlock()
	return c.Outbox.Enqueue(wire.Frame(h, payload).Bytes())
}

func (c *Component) awaitReceipt(r *Receipt, h wire.Header, payload []byte, resendInterval time.Duration, tries int) (*Receipt, error) {
	const pollInterval = 200 * time.Microsecond
	for {
		select {
		case <-r.Done():
			return r, nil
		default:
		}

		r.mu.Lock()
		elapsed := time.Duration(mono.Since(r.updatedAt))
		sendCount := r.sendCount
		r.mu.Unlock()

		if elapsed >= resendInterval {
			if sendCount >= tries {
				c.Matcher.Unregister(r)
				r.resolve(ReceiptTimeout)
				return r, cos.ErrTimeout
			}
			retransmitHeader := h.AsRetransmit(h.Seq)
			if err := c.transmit(r, retransmitHeader, payload); err != nil {
				c.Matcher.Unregister(r)
				r.resolve(ReceiptTimeout)
				return r, err
			}
			continue
		}
		time.Sleep(pollInterval)
	}
}
