// Package handler implements the two-queue priority Message Handler that
// sits at the top of both the Component Connection Handler (§4.G) and the
// Node Connection Handler (§4.H): a dedicated worker goroutine that drains
// a priority queue and a default queue, weighted so neither starves the
// other, and dispatches each message to the first matching callback.
//
// Grounded on the teacher's hk package (a registration table of named
// periodic jobs serviced by one dedicated worker), generalized here from
// one periodic-callback list to the priority/default FIFO pair plus a
// callback-resolution chain.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package handler

import (
	"sync"
	"time"

	"github.com/jausmesh/nodemgr/wire"
)

// IdlePoll is how long the worker sleeps when both queues are empty.
const IdlePoll = 500 * time.Microsecond

// Category is the type-dispatch bucket derived from a command code's
// range, used as the handler's last-resort callback resolution step
// (§4.F, resolution order step (d)). The message catalog itself is opaque
// to this package; these ranges are this implementation's convention for
// dividing the 16-bit code space.
type Category int

const (
	CategoryCommand Category = iota
	CategoryQuery
	CategoryInform
	CategoryExperimental
	CategoryAckNack
)

// Command-code range boundaries (this implementation's convention, since
// the message catalog is an external, opaque concern — see spec.md §1).
const (
	rangeCommandEnd      = 0x2000
	rangeQueryEnd        = 0x4000
	rangeInformEnd       = 0x6000
	rangeExperimentalEnd = 0xf000
)

// CategoryOf classifies a command code. Ack/nack messages are identified
// by the header's AckNack field, not by code range, so callers pass it in.
func CategoryOf(code uint16, ackNack wire.AckNack) Category {
	if ackNack == wire.AckNackAck || ackNack == wire.AckNackNack {
		return CategoryAckNack
	}
	switch {
	case code < rangeCommandEnd:
		return CategoryCommand
	case code < rangeQueryEnd:
		return CategoryQuery
	case code < rangeInformEnd:
		return CategoryInform
	case code < rangeExperimentalEnd:
		return CategoryExperimental
	default:
		return CategoryExperimental
	}
}

// Message is one dispatch unit: the decoded header, the raw body, and an
// optional decoded form a registered codec may have produced. Decoding
// itself is out of scope here (spec.md §1); Decoded is nil unless the
// caller populated it before Submit.
type Message struct {
	Header  wire.Header
	Body    []byte
	Decoded any
}

// Callback processes one message. Returning true means "handled, stop
// resolution"; false lets resolution continue to the next candidate in
// the chain. This holds at every step but the last: the per-category
// callback's result is ignored.
type Callback func(Message) bool

// Handler is one instance of the two-queue priority pipeline. Zero value
// is not usable; construct with New.
type Handler struct {
	cbMu         sync.RWMutex
	byCode       map[uint16]Callback
	defDecoded   Callback
	defRaw       Callback
	byCategory   map[Category]Callback

	qMu      sync.Mutex
	priority []Message
	def      []Message

	quit chan struct{}
	done chan struct{}
}

// New returns a stopped Handler; call Start to launch its worker.
func New() *Handler {
	return &Handler{
		byCode:     make(map[uint16]Callback),
		byCategory: make(map[Category]Callback),
	}
}

// RegisterCode installs the per-message-code callback, resolution step (a).
func (h *Handler) RegisterCode(code uint16, cb Callback) {
	h.cbMu.Lock()
	h.byCode[code] = cb
	h.cbMu.Unlock()
}

// UnregisterCode removes a per-code callback.
func (h *Handler) UnregisterCode(code uint16) {
	h.cbMu.Lock()
	delete(h.byCode, code)
	h.cbMu.Unlock()
}

// SetDefaultDecoded installs the decoded-message default callback, step (b).
func (h *Handler) SetDefaultDecoded(cb Callback) {
	h.cbMu.Lock()
	h.defDecoded = cb
	h.cbMu.Unlock()
}

// SetDefaultRaw installs the raw-stream default callback, step (c).
func (h *Handler) SetDefaultRaw(cb Callback) {
	h.cbMu.Lock()
	h.defRaw = cb
	h.cbMu.Unlock()
}

// RegisterCategory installs a process_<category> hook, step (d).
func (h *Handler) RegisterCategory(cat Category, cb Callback) {
	h.cbMu.Lock()
	h.byCategory[cat] = cb
	h.cbMu.Unlock()
}

// Start launches the dedicated dispatch worker. Safe to call once.
func (h *Handler) Start() {
	h.quit = make(chan struct{})
	h.done = make(chan struct{})
	go h.run()
}

// Stop signals the worker to drain both queues and exit, then waits for
// it (spec.md §4.F: "shutdown stops the worker and drains both queues,
// releasing every buffered message").
func (h *Handler) Stop() {
	if h.quit == nil {
		return
	}
	close(h.quit)
	<-h.done
}

// Submit enqueues msg onto the priority queue (when priority is true or
// msg.Header.SCFlag is set — SC traffic always rides the priority queue
// per spec.md §4.F) or the default queue otherwise.
func (h *Handler) Submit(msg Message, priority bool) {
	h.qMu.Lock()
	if priority || msg.Header.SCFlag {
		h.priority = append(h.priority, msg)
	} else {
		h.def = append(h.def, msg)
	}
	h.qMu.Unlock()
}

// Pending returns the current queue depths, for tests and stats.
func (h *Handler) Pending() (priority, def int) {
	h.qMu.Lock()
	defer h.qMu.Unlock()
	return len(h.priority), len(h.def)
}

func (h *Handler) run() {
	defer close(h.done)
	consecutivePriority := 0

	for {
		select {
		case <-h.quit:
			h.drainAll()
			return
		default:
		}

		msg, fromPriority, ok := h.next(consecutivePriority)
		if !ok {
			time.Sleep(IdlePoll)
			continue
		}
		if fromPriority {
			consecutivePriority++
		} else {
			consecutivePriority = 0
		}
		h.dispatch(msg)
	}
}

// next implements the 2-of-3 anti-starvation scheduling rule: if priority
// is non-empty, dispatch from it, but after two consecutive priority
// dispatches force one dispatch from default if it is non-empty.
func (h *Handler) next(consecutivePriority int) (msg Message, fromPriority, ok bool) {
	h.qMu.Lock()
	defer h.qMu.Unlock()

	if consecutivePriority >= 2 && len(h.def) > 0 {
		msg, h.def = h.def[0], h.def[1:]
		return msg, false, true
	}
	if len(h.priority) > 0 {
		msg, h.priority = h.priority[0], h.priority[1:]
		return msg, true, true
	}
	if len(h.def) > 0 {
		msg, h.def = h.def[0], h.def[1:]
		return msg, false, true
	}
	return Message{}, false, false
}

func (h *Handler) drainAll() {
	h.qMu.Lock()
	h.priority = nil
	h.def = nil
	h.qMu.Unlock()
}

// dispatch runs the callback resolution chain: (a) per-code, (b)
// decoded-default, (c) raw-default, (d) category hook.
func (h *Handler) dispatch(msg Message) {
	h.cbMu.RLock()
	codeCB, hasCode := h.byCode[msg.Header.Code]
	decodedCB := h.defDecoded
	rawCB := h.defRaw
	catCB, hasCat := h.byCategory[CategoryOf(msg.Header.Code, msg.Header.AckNack)]
	h.cbMu.RUnlock()

	if hasCode && codeCB(msg) {
		return
	}
	if msg.Decoded != nil && decodedCB != nil && decodedCB(msg) {
		return
	}
	if rawCB != nil && rawCB(msg) {
		return
	}
	if hasCat {
		catCB(msg)
	}
}
