// Package component implements the Component Connection Handler (spec.md
// §4.G): a component's local inbox, its outbox pointing at the node
// manager, the receipt matcher that intercepts responses before they reach
// the Message Handler, and the blocking send-and-wait primitive.
//
// Grounded on the teacher's transport/sendmsg.go await-completion loop
// (send, then poll for a completion signal with a bounded resend
// interval), generalized from object-upload completion to JAUS
// request/response receipts.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package component

import (
	"sync"
	"time"

	"github.com/jausmesh/nodemgr/cmn/mono"
	"github.com/jausmesh/nodemgr/wire"
)

// ReceiptState is a Receipt's lifecycle state (spec.md §3: Pending →
// {Success, Timeout}).
type ReceiptState int

const (
	ReceiptPending ReceiptState = iota
	ReceiptSuccess
	ReceiptTimeout
)

// DefaultTotalTimeout and MaxTries are SendAndWait's defaults
// (spec.md §5): tries is capped at 3 regardless of what a caller requests.
const (
	DefaultTotalTimeout = 750 * time.Millisecond
	MaxTries            = 3
)

// Receipt is the handle to one pending blocking send (spec.md §3).
// Coroutine-style: the sender awaits Done() with a deadline; the receipt
// matcher signals completion by closing done (spec.md §9).
type Receipt struct {
	mu sync.Mutex

	dest            wire.Address
	sent            wire.Header
	acceptableCodes map[uint16]struct{}
	ackNackOnly     bool // waiting solely on an ack, no response-code body expected

	sendCount int
	sentAt    int64 // mono.NanoTime of most recent transmit
	updatedAt int64 // mono.NanoTime of most recent state-relevant activity

	ackNack  wire.AckNack
	response *wire.Stream
	state    ReceiptState

	done     chan struct{}
	closed   bool
}

func newReceipt(dest wire.Address, sent wire.Header, acceptableCodes []uint16) *Receipt {
	set := make(map[uint16]struct{}, len(acceptableCodes))
	for _, c := range acceptableCodes {
		set[c] = struct{}{}
	}
	now := mono.NanoTime()
	return &Receipt{
		dest:            dest,
		sent:            sent,
		acceptableCodes: set,
		ackNackOnly:     len(acceptableCodes) == 0,
		sentAt:          now,
		updatedAt:       now,
		done:            make(chan struct{}),
	}
}

// Done returns a channel closed when the receipt resolves (Success or
// Timeout).
func (r *Receipt) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// State returns the current lifecycle state.
func (r *Receipt) State() ReceiptState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Response returns the final response message, if any, and the received
// ack/nack flag.
func (r *Receipt) Response() (*wire.Stream, wire.AckNack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response, r.ackNack
}

// SendCount returns how many times this receipt's message has been
// transmitted (initial send plus retransmits).
func (r *Receipt) SendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendCount
}

func (r *Receipt) resolve(state ReceiptState) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.closed = true
	ch := r.done
	r.mu.Unlock()
	close(ch)
}

// matchesArrival reports whether h/payload is the response this receipt is
// waiting for, per spec.md §4.G's two-step receipt-matcher test, and if
// so records it and resolves the receipt.
func (r *Receipt) matchesArrival(h wire.Header, payload []byte) bool {
	r.mu.Lock()
	if r.closed || h.Source != r.dest {
		r.mu.Unlock()
		return false
	}

	if _, ok := r.acceptableCodes[h.Code]; ok {
		r.response = wire.Frame(h, payload)
		r.updatedAt = mono.NanoTime()
		r.mu.Unlock()
		r.resolve(ReceiptSuccess)
		return true
	}

	if (h.AckNack == wire.AckNackAck || h.AckNack == wire.AckNackNack) && h.Code == r.sent.Code && len(payload) == 0 {
		r.ackNack = h.AckNack
		r.updatedAt = mono.NanoTime()
		ackOnly := r.ackNackOnly
		r.mu.Unlock()
		if ackOnly {
			r.resolve(ReceiptSuccess)
		}
		return true
	}

	r.mu.Unlock()
	return false
}
