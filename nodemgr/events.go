package nodemgr

import (
	"encoding/binary"

	"github.com/jausmesh/nodemgr/cmn/mono"
	"github.com/jausmesh/nodemgr/event"
	"github.com/jausmesh/nodemgr/handler"
	"github.com/jausmesh/nodemgr/wire"
)

// onCreateEventRequest and onCancelEventRequest feed the inbound
// subscription protocol straight to the Event Manager (spec.md §4.L:
// "Create/cancel event on a configuration or subsystem-list message:
// register/deregister in the Event Manager; emit one event immediately
// on creation").
func (nm *NodeManager) onCreateEventRequest(msg handler.Message) bool {
	nm.events.HandleRequest(msg.Header, msg.Body)
	nm.emitImmediateEvent(msg.Header, msg.Body)
	return true
}

func (nm *NodeManager) onCancelEventRequest(msg handler.Message) bool {
	nm.events.HandleCancel(msg.Header, msg.Body)
	return true
}

// emitImmediateEvent sends the newly-registered subscriber one event
// right away, carrying whatever this node currently knows for the
// requested (code, type) pair, rather than waiting for the next natural
// transition.
func (nm *NodeManager) emitImmediateEvent(h wire.Header, payload []byte) {
	var code uint16
	if len(payload) >= 2 {
		code = binary.LittleEndian.Uint16(payload[0:2])
	}
	switch code {
	case CodeReportSubsystemList:
		nm.generateSubsystemListChange()
	case CodeReportConfiguration:
		nm.generateConfigurationChange(nm.cfg.SubsystemID)
	}
}

// SubscribeToPeerConfiguration asks peer for its ReportConfiguration
// events, unless peer is presently in the reject cache (spec.md §4.L: "A
// node that never seems to support events... is cached so the manager
// stops pestering it for 5s").
func (nm *NodeManager) SubscribeToPeerConfiguration(peer wire.Address) {
	if nm.isRejectCached(peer) {
		return
	}
	h := wire.NewHeader(CodeCreateEventRequest, nm.self, peer)
	payload := encodeCreateRequest(CodeReportConfiguration, event.EveryChange)
	if err := nm.rtr.SendStream(h, payload, true); err != nil {
		return
	}
}

// encodeCreateRequest matches event.requestBody's wire layout: 2-byte
// code, 1-byte type, 4-byte rate (unused outside Periodic subscriptions).
func encodeCreateRequest(code uint16, typ event.Type) []byte {
	out := make([]byte, 7)
	binary.LittleEndian.PutUint16(out[0:2], code)
	out[2] = byte(typ)
	return out
}

// onEventConfirm is the reply-side callback for our own outbound
// CreateEventRequest calls; a confirmed subscription needs no further
// action here.
func (nm *NodeManager) onEventConfirm(msg handler.Message) bool {
	return true
}

// onEventReject caches the replying peer for RejectCacheWindow so the
// periodic subscription attempts stop pestering it.
func (nm *NodeManager) onEventReject(msg handler.Message) bool {
	nm.cacheReject(msg.Header.Source)
	return true
}

func (nm *NodeManager) cacheReject(peer wire.Address) {
	nm.rejectMu.Lock()
	nm.rejectUntil[peer.Uint32()] = mono.NanoTime() + RejectCacheWindow.Nanoseconds()
	nm.rejectMu.Unlock()
}

func (nm *NodeManager) isRejectCached(peer wire.Address) bool {
	nm.rejectMu.Lock()
	defer nm.rejectMu.Unlock()
	until, ok := nm.rejectUntil[peer.Uint32()]
	if !ok {
		return false
	}
	if mono.NanoTime() >= until {
		delete(nm.rejectUntil, peer.Uint32())
		return false
	}
	return true
}
