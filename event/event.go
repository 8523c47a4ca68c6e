// Package event implements the Event Manager (spec.md §4.J): per-provider
// event subscription tables supporting OneTime, EveryChange, Periodic, and
// PeriodicWithoutReplacement delivery.
//
// Grounded on core/meta's Slistener subscribe/notify pattern (one global
// listener set notified of cluster-map transitions), generalized here to
// one subscriber table per (provider, code, type), plus ext/dsort/manager.go's
// per-consumer sequence bookkeeping for rate-driven delivery.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package event

import (
	"encoding/binary"
	"sync"

	"github.com/jausmesh/nodemgr/cmn/cos"
	"github.com/jausmesh/nodemgr/cmn/nlog"
	"github.com/jausmesh/nodemgr/stats"
	"github.com/jausmesh/nodemgr/wire"
)

// Type is the event delivery discipline (spec.md §4.J).
type Type byte

const (
	OneTime Type = iota
	EveryChange
	Periodic
	PeriodicWithoutReplacement
)

// Local wire convention for event-subscription control codes; the event
// message catalog is out of scope, same reasoning as svcconn's in-band SC
// sub-header.
const (
	RequestCode uint16 = 0xE000
	ConfirmCode uint16 = 0xE001
	RejectCode  uint16 = 0xE002
	WrapperCode uint16 = 0xE003
)

const (
	reasonMalformed byte = 1
)

// String renders t for stats labeling and log lines.
func (t Type) String() string {
	switch t {
	case OneTime:
		return "one_time"
	case EveryChange:
		return "every_change"
	case Periodic:
		return "periodic"
	case PeriodicWithoutReplacement:
		return "periodic_without_replacement"
	default:
		return "unknown"
	}
}

// Key identifies one event table: the provider producing it, the message
// code it reports on, and the delivery type.
type Key struct {
	Provider wire.Address
	Code     uint16
	Type     Type
}

type requestBody struct {
	Code uint16
	Type Type
	Rate uint32 // nanoseconds; Periodic/PeriodicWithoutReplacement only
}

const requestBodySize = 7

func decodeRequest(payload []byte) (requestBody, error) {
	if len(payload) < requestBodySize {
		return requestBody{}, cos.ErrInvalidValue
	}
	return requestBody{
		Code: binary.LittleEndian.Uint16(payload[0:2]),
		Type: Type(payload[2]),
		Rate: binary.LittleEndian.Uint32(payload[3:7]),
	}, nil
}

func encodeRequest(b requestBody) []byte {
	out := make([]byte, requestBodySize)
	binary.LittleEndian.PutUint16(out[0:2], b.Code)
	out[2] = byte(b.Type)
	binary.LittleEndian.PutUint32(out[3:7], b.Rate)
	return out
}

func encodeWrapper(code uint16, payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], code)
	copy(out[2:], payload)
	return out
}

// Router is the minimal routing surface the manager needs.
type Router interface {
	SendStream(h wire.Header, payload []byte, localOrigin bool) error
}

type entry struct {
	key         Key
	rate        uint32
	seq         uint16
	subscribers map[uint32]wire.Address

	// genMu serializes Generate calls for this entry. Periodic uses
	// TryLock to coalesce overlapping calls (latest value wins, stale
	// ones drop); every other type blocks, guaranteeing no drops.
	genMu sync.Mutex
}

func newEntry(key Key, rate uint32) *entry {
	return &entry{key: key, rate: rate, subscribers: make(map[uint32]wire.Address)}
}

// Manager owns every provider's event tables.
type Manager struct {
	router Router

	mu     sync.Mutex
	tables map[Key]*entry
}

// New returns a Manager that sends subscription replies and event
// wrappers through router.
func New(router Router) *Manager {
	return &Manager{router: router, tables: make(map[Key]*entry)}
}

// HandleRequest processes an incoming event-subscription request
// (spec.md §4.J create): h.Source is the subscriber, h.Destination the
// provider. Success replies Confirm and registers the subscriber;
// a malformed request replies Reject with a reason.
func (m *Manager) HandleRequest(h wire.Header, payload []byte) {
	req, err := decodeRequest(payload)
	if err != nil {
		nlog.Warningf("event: malformed subscription request from %s: %v", h.Source, err)
		m.reject(h, reasonMalformed)
		return
	}
	key := Key{Provider: h.Destination, Code: req.Code, Type: req.Type}

	m.mu.Lock()
	e, ok := m.tables[key]
	if !ok {
		e = newEntry(key, req.Rate)
		m.tables[key] = e
	}
	e.subscribers[h.Source.Uint32()] = h.Source
	m.mu.Unlock()

	m.confirm(h, req)
}

// HandleCancel processes an incoming event-cancellation request.
func (m *Manager) HandleCancel(h wire.Header, payload []byte) {
	req, err := decodeRequest(payload)
	if err != nil {
		nlog.Warningf("event: malformed cancel request from %s: %v", h.Source, err)
		return
	}
	m.Cancel(Key{Provider: h.Destination, Code: req.Code, Type: req.Type}, h.Source)
}

func (m *Manager) confirm(h wire.Header, req requestBody) {
	reply := wire.NewHeader(ConfirmCode, h.Destination, h.Source)
	if err := m.router.SendStream(reply, encodeRequest(req), true); err != nil {
		nlog.Warningf("event: confirming subscription for %s failed: %v", h.Source, err)
	}
}

func (m *Manager) reject(h wire.Header, reason byte) {
	reply := wire.NewHeader(RejectCode, h.Destination, h.Source)
	if err := m.router.SendStream(reply, []byte{reason}, true); err != nil {
		nlog.Warningf("event: rejecting subscription for %s failed: %v", h.Source, err)
	}
}

// Cancel removes subscriber from key's table, freeing the table once no
// subscriber remains (spec.md §4.J cancel).
func (m *Manager) Cancel(key Key, subscriber wire.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tables[key]
	if !ok {
		return
	}
	delete(e.subscribers, subscriber.Uint32())
	if len(e.subscribers) == 0 {
		delete(m.tables, key)
	}
}

// Generate emits one Event wrapper per subscriber of key, carrying
// payload and the table's current sequence number, advancing the
// sequence on every send (spec.md §4.J generate). OneTime tables are
// freed after their single send. Periodic Generate calls that overlap an
// in-flight one for the same key are dropped (latest-value-wins);
// PeriodicWithoutReplacement and every other type block until their turn,
// guaranteeing no drops.
func (m *Manager) Generate(key Key, payload []byte) {
	m.mu.Lock()
	e, ok := m.tables[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	if key.Type == Periodic {
		if !e.genMu.TryLock() {
			stats.CountEventDropped()
			return
		}
		defer e.genMu.Unlock()
	} else {
		e.genMu.Lock()
		defer e.genMu.Unlock()
	}

	m.mu.Lock()
	subs := make([]wire.Address, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		m.mu.Lock()
		seq := e.seq
		e.seq++
		m.mu.Unlock()

		h := wire.NewHeader(WrapperCode, key.Provider, sub)
		h.Seq = seq
		if err := m.router.SendStream(h, encodeWrapper(key.Code, payload), true); err != nil {
			nlog.Warningf("event: generate to %s failed: %v", sub, err)
		}
	}

	stats.CountEventGenerated(key.Type.String())

	if key.Type == OneTime {
		m.mu.Lock()
		delete(m.tables, key)
		m.mu.Unlock()
	}
}

// CancelAllFor removes addr everywhere it appears: as a subscriber of any
// table, and as the provider owning any table outright (spec.md §4.J
// cancel_all_for, used on disconnect).
func (m *Manager) CancelAllFor(addr wire.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkey := addr.Uint32()
	for key, e := range m.tables {
		if key.Provider == addr {
			delete(m.tables, key)
			continue
		}
		if _, ok := e.subscribers[pkey]; ok {
			delete(e.subscribers, pkey)
			if len(e.subscribers) == 0 {
				delete(m.tables, key)
			}
		}
	}
}

// SubscriberCount reports how many subscribers key currently has, 0 if
// the table doesn't exist. Exposed for diagnostics/tests.
func (m *Manager) SubscriberCount(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tables[key]
	if !ok {
		return 0
	}
	return len(e.subscribers)
}
