package nodemgr

import (
	"github.com/jausmesh/nodemgr/node"
	"github.com/jausmesh/nodemgr/wire"
)

// onConnectionEvent is the Node Connection Handler's ConnectionEventFunc
// callback (spec.md §4.L: component and node connect/disconnect update
// the Configuration tree and fan out as subsystem/configuration-change
// events; a node disconnect also tears down any Service Connections and
// event subscriptions still open for it).
func (nm *NodeManager) onConnectionEvent(kind node.EventKind, addr wire.Address) {
	switch kind {
	case node.EventComponentConnect:
		_ = nm.tree.RegisterComponent(addr)
		nm.generateConfigurationChange(addr.Subsystem)
	case node.EventComponentDisconnect:
		_ = nm.tree.UnregisterComponent(addr)
		nm.generateConfigurationChange(addr.Subsystem)
	case node.EventNodeConnect:
		nm.SubscribeToPeerConfiguration(wire.NodeManagerOf(addr.Subsystem, addr.Node))
	case node.EventNodeDisconnect:
		nm.scMgr.HandleProviderDisconnect(addr)
		nm.events.CancelAllFor(addr)
	}
}
