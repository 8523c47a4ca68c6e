// Package wire implements the JAUS-style four-byte Address and 16-byte
// Header wire codec (spec.md §4.A), plus the cursor-based Stream buffer
// (spec.md §4.B) that sits beneath the opaque message codec.
//
// Grounded on the teacher's fixed-size binary header framing
// (transport/pdu.go, transport/api.go's unsafe.Sizeof-measured ObjHdr),
// generalized from an HTTP object header to the JAUS wire header.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package wire

import "fmt"

// Broadcast is the wildcard value for any address field.
const Broadcast = 0xff

// Address is the four-part JAUS address: (subsystem, node, component,
// instance). Zero in any field means unset/invalid; 255 means broadcast
// at that level.
type Address struct {
	Subsystem byte
	Node      byte
	Component byte
	Instance  byte
}

// NodeManagerComponent and NodeManagerInstance are the fixed component and
// instance IDs of the node manager at any node: S.N.1.1 (spec.md §6).
const (
	NodeManagerComponent = 1
	NodeManagerInstance  = 1
)

// NewAddress constructs an Address, useful at call sites that build one
// inline.
func NewAddress(subsystem, node, component, instance byte) Address {
	return Address{subsystem, node, component, instance}
}

// NodeManagerOf returns the node manager address S.N.1.1 for the given
// (subsystem, node).
func NodeManagerOf(subsystem, node byte) Address {
	return Address{subsystem, node, NodeManagerComponent, NodeManagerInstance}
}

// IntraSubsystemHeartbeatTarget returns S.255.1.1, the intra-subsystem
// discovery heartbeat destination.
func IntraSubsystemHeartbeatTarget(subsystem byte) Address {
	return Address{subsystem, Broadcast, NodeManagerComponent, NodeManagerInstance}
}

// CrossSubsystemHeartbeatTarget returns 255.255.1.1, the cross-subsystem
// discovery heartbeat destination.
func CrossSubsystemHeartbeatTarget() Address {
	return Address{Broadcast, Broadcast, NodeManagerComponent, NodeManagerInstance}
}

// IsValid reports whether no field is zero (unset).
func (a Address) IsValid() bool {
	return a.Subsystem != 0 && a.Node != 0 && a.Component != 0 && a.Instance != 0
}

// IsBroadcast reports whether any field is the broadcast wildcard.
func (a Address) IsBroadcast() bool {
	return a.Subsystem == Broadcast || a.Node == Broadcast || a.Component == Broadcast || a.Instance == Broadcast
}

// Equal reports field-by-field equality.
func (a Address) Equal(b Address) bool { return a == b }

// SameNode reports whether a and b name the same (subsystem, node).
func (a Address) SameNode(b Address) bool {
	return a.Subsystem == b.Subsystem && a.Node == b.Node
}

// DestinationMatch reports whether dest addresses mine: field-by-field,
// each dest byte must be either 255 (broadcast at that level) or equal to
// the corresponding mine byte.
func DestinationMatch(dest, mine Address) bool {
	return matchByte(dest.Subsystem, mine.Subsystem) &&
		matchByte(dest.Node, mine.Node) &&
		matchByte(dest.Component, mine.Component) &&
		matchByte(dest.Instance, mine.Instance)
}

func matchByte(d, m byte) bool { return d == Broadcast || d == m }

// Uint32 packs the address into a big-endian uint32 (subsystem in the high
// byte), the canonical in-memory key form used by maps throughout the
// routing core.
func (a Address) Uint32() uint32 {
	return uint32(a.Subsystem)<<24 | uint32(a.Node)<<16 | uint32(a.Component)<<8 | uint32(a.Instance)
}

// AddressFromUint32 is the inverse of Uint32.
func AddressFromUint32(v uint32) Address {
	return Address{
		Subsystem: byte(v >> 24),
		Node:      byte(v >> 16),
		Component: byte(v >> 8),
		Instance:  byte(v),
	}
}

// String renders the zero-padded dotted form used both in log lines and in
// shared-memory region names (spec.md §6): "001.002.003.004".
func (a Address) String() string {
	return fmt.Sprintf("%03d.%03d.%03d.%03d", a.Subsystem, a.Node, a.Component, a.Instance)
}

// NodeString renders just the (subsystem, node) prefix: "001.002", used for
// per-node shared-memory registry names.
func (a Address) NodeString() string {
	return fmt.Sprintf("%03d.%03d", a.Subsystem, a.Node)
}
