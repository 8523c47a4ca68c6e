package nodemgr

import (
	"encoding/binary"
	"time"

	"github.com/jausmesh/nodemgr/handler"
	"github.com/jausmesh/nodemgr/wire"
)

// onHeartbeat tracks cross-subsystem heartbeat arrivals for the
// subsystem-list staleness window (spec.md §4.L "Subsystem-list
// maintenance"). Only the arrival time and subsystem-list membership are
// recorded; no identification entry is created for a new subsystem.
func (nm *NodeManager) onHeartbeat(msg handler.Message) bool {
	if msg.Header.Destination != wire.CrossSubsystemHeartbeatTarget() {
		return true // intra-subsystem pulse: routing already used it for discovery
	}
	nm.noteSubsystemHeartbeat(msg.Header.Source.Subsystem)
	return true
}

// onQueryIdentification synthesizes ReportIdentification from the local
// configuration's subsystem_identification block (spec.md §4.L, §6).
func (nm *NodeManager) onQueryIdentification(msg handler.Message) bool {
	ident := nm.cfg.SubsystemIdent
	payload := make([]byte, 1+1+len(ident.Type)+len(ident.Name)+2)
	payload[0] = ident.Authority
	payload[1] = byte(len(ident.Type))
	copy(payload[2:], ident.Type)
	off := 2 + len(ident.Type)
	payload[off] = byte(len(ident.Name))
	copy(payload[off+1:], ident.Name)
	nm.sendReply(CodeReportIdentification, msg.Header.Source, payload)
	return true
}

// onQueryServices replies with the addresses of every component
// currently registered on this node (spec.md §4.L: "services... queries:
// synthesize reply from local state").
func (nm *NodeManager) onQueryServices(msg handler.Message) bool {
	addrs, _ := nm.tree.ComponentsOnNode(nm.cfg.SubsystemID, nm.cfg.NodeID)
	payload := make([]byte, len(addrs)*4)
	for i, a := range addrs {
		binary.LittleEndian.PutUint32(payload[i*4:], a.Uint32())
	}
	nm.sendReply(CodeReportServices, msg.Header.Source, payload)
	return true
}

// onQueryAuthority replies with this subsystem's configured authority
// byte.
func (nm *NodeManager) onQueryAuthority(msg handler.Message) bool {
	nm.sendReply(CodeReportAuthority, msg.Header.Source, []byte{nm.cfg.SubsystemIdent.Authority})
	return true
}

// onQueryStatus replies with a single status byte: 1 if this node's
// address-conflict window ever observed a conflicting claimant, else 0.
func (nm *NodeManager) onQueryStatus(msg handler.Message) bool {
	status := byte(0)
	if nm.rtr.ConflictDetected() {
		status = 1
	}
	nm.sendReply(CodeReportStatus, msg.Header.Source, []byte{status})
	return true
}

// onQueryTime replies with the local wall-clock time as Unix nanoseconds.
func (nm *NodeManager) onQueryTime(msg handler.Message) bool {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(walltime().UnixNano()))
	nm.sendReply(CodeReportTime, msg.Header.Source, payload)
	return true
}

// walltime is a seam over time.Now so tests can't accidentally depend on
// real wall-clock values; production always uses the real clock.
var walltime = time.Now

// onQueryConfiguration answers QueryConfiguration{Subsystem|Node} with
// the component addresses indexed under the requested scope (spec.md
// §4.L). Payload convention: byte 0 = subsystem, byte 1 = node. For node
// 0xff the reply lists this node's components only, and only when the
// subsystem is in the subsystem list; other nodes are not included.
func (nm *NodeManager) onQueryConfiguration(msg handler.Message) bool {
	if len(msg.Body) < 2 {
		return true
	}
	subsystem, node := msg.Body[0], msg.Body[1]
	var addrs []wire.Address
	if node == wire.Broadcast {
		list, _ := nm.tree.SubsystemList()
		seen := false
		for _, ss := range list {
			if ss == subsystem {
				seen = true
				break
			}
		}
		if seen {
			// The tree is indexed per node and only this node's entry is
			// read here.
			addrs, _ = nm.tree.ComponentsOnNode(subsystem, nm.cfg.NodeID)
		}
	} else {
		addrs, _ = nm.tree.ComponentsOnNode(subsystem, node)
	}

	payload := make([]byte, 2+len(addrs)*4)
	payload[0], payload[1] = subsystem, node
	for i, a := range addrs {
		binary.LittleEndian.PutUint32(payload[2+i*4:], a.Uint32())
	}
	nm.sendReply(CodeReportConfiguration, msg.Header.Source, payload)
	return true
}

// onReportConfiguration merges a peer's ReportConfiguration into the
// local tree and generates a subsystem-configuration-change event to
// subscribers (spec.md §4.L). Payload convention: repeated 4-byte
// component addresses.
func (nm *NodeManager) onReportConfiguration(msg handler.Message) bool {
	for i := 0; i+4 <= len(msg.Body); i += 4 {
		addr := wire.AddressFromUint32(binary.LittleEndian.Uint32(msg.Body[i : i+4]))
		_ = nm.tree.RegisterComponent(addr)
	}
	nm.generateConfigurationChange(msg.Header.Source.Subsystem)
	return true
}

// onQuerySubsystemList answers with the set of distinct subsystems heard
// via 255.255.1.1 heartbeats within the staleness window (spec.md §4.L).
func (nm *NodeManager) onQuerySubsystemList(msg handler.Message) bool {
	nm.sendReply(CodeReportSubsystemList, msg.Header.Source, nm.currentSubsystemListPayload())
	return true
}

func (nm *NodeManager) currentSubsystemListPayload() []byte {
	nm.hbMu.Lock()
	defer nm.hbMu.Unlock()
	out := make([]byte, 0, len(nm.subsystemSet))
	for ss := range nm.subsystemSet {
		out = append(out, ss)
	}
	return out
}
