package nodemgr

import (
	"encoding/binary"

	"github.com/jausmesh/nodemgr/cmn/mono"
	"github.com/jausmesh/nodemgr/event"
)

// noteSubsystemHeartbeat records subsystem as heard just now and, if this
// is new to the current subsystem-list snapshot, emits a subsystem-list
// change event immediately (spec.md §4.L: "emitting a subsystem-list
// change event when the set changes").
func (nm *NodeManager) noteSubsystemHeartbeat(subsystem byte) {
	nm.hbMu.Lock()
	nm.lastHeard[subsystem] = mono.NanoTime()
	_, known := nm.subsystemSet[subsystem]
	if !known {
		nm.subsystemSet[subsystem] = true
	}
	nm.hbMu.Unlock()

	if !known {
		nm.generateSubsystemListChange()
	}
}

// sweepStaleSubsystems drops any subsystem whose latest heartbeat is
// older than SubsystemListStaleWindow, emitting a change event if the set
// shrank (spec.md §4.L "Subsystem-list maintenance").
func (nm *NodeManager) sweepStaleSubsystems() {
	changed := false

	nm.hbMu.Lock()
	for ss, last := range nm.lastHeard {
		if mono.Since(last) > SubsystemListStaleWindow.Nanoseconds() {
			delete(nm.lastHeard, ss)
			delete(nm.subsystemSet, ss)
			changed = true
		}
	}
	nm.hbMu.Unlock()

	if changed {
		nm.generateSubsystemListChange()
	}
}

func (nm *NodeManager) generateSubsystemListChange() {
	key := event.Key{Provider: nm.self, Code: CodeReportSubsystemList, Type: event.EveryChange}
	nm.events.Generate(key, nm.currentSubsystemListPayload())
}

func (nm *NodeManager) generateConfigurationChange(subsystem byte) {
	key := event.Key{Provider: nm.self, Code: CodeReportConfiguration, Type: event.EveryChange}
	addrs, _ := nm.tree.ComponentsOnNode(subsystem, nm.cfg.NodeID)
	payload := make([]byte, len(addrs)*4)
	for i, a := range addrs {
		binary.LittleEndian.PutUint32(payload[i*4:], a.Uint32())
	}
	nm.events.Generate(key, payload)
}
