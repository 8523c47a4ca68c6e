package wire

import (
	"encoding/binary"

	"github.com/jausmesh/nodemgr/cmn/cos"
)

// HeaderSize is the fixed on-wire size of a Header, in bytes (spec.md §3):
// command code (2) + source address (4) + destination address (4) +
// data size (2) + sequence number (2) + packed flags (2).
const HeaderSize = 16

// AckNack is the two-bit acknowledge/negative-acknowledge request field.
type AckNack byte

const (
	AckNackNone AckNack = iota
	AckNackRequest
	AckNackAck
	AckNackNack
)

// DataControl is the three-bit fragmentation-state field.
type DataControl byte

const (
	DataControlSingle DataControl = iota
	DataControlFirst
	DataControlMiddle
	DataControlLast
	DataControlRetransmit
)

// DefaultPriority is the priority value used when a sender does not
// otherwise specify one (spec.md §3).
const DefaultPriority byte = 6

// WireVersion is the version value this implementation writes and expects.
const WireVersion byte = 2

// Header is the 16-byte JAUS message header (spec.md §3). Source and
// Destination carry full four-part Addresses; Flags packs priority,
// ack/nack, service-connection, data-control, and version into one 16-bit
// field so the struct round-trips exactly to HeaderSize bytes.
type Header struct {
	Code        uint16
	Source      Address
	Destination Address
	DataSize    uint16
	Seq         uint16

	Priority    byte
	AckNack     AckNack
	SCFlag      bool
	DataControl DataControl
	Version     byte
}

// bit layout of the packed flags field, LSB first:
//
//	bits 0-3   priority     (4 bits, 0-15)
//	bits 4-5   ack/nack     (2 bits)
//	bit  6     sc flag      (1 bit)
//	bits 7-9   data control (3 bits)
//	bits 10-11 version      (2 bits)
//	bits 12-15 reserved
const (
	shiftPriority    = 0
	shiftAckNack     = 4
	shiftSC          = 6
	shiftDataControl = 7
	shiftVersion     = 10

	maskPriority    = 0xf
	maskAckNack     = 0x3
	maskDataControl = 0x7
	maskVersion     = 0x3
)

func packFlags(h *Header) uint16 {
	var f uint16
	f |= uint16(h.Priority&maskPriority) << shiftPriority
	f |= uint16(byte(h.AckNack)&maskAckNack) << shiftAckNack
	if h.SCFlag {
		f |= 1 << shiftSC
	}
	f |= uint16(byte(h.DataControl)&maskDataControl) << shiftDataControl
	f |= uint16(h.Version&maskVersion) << shiftVersion
	return f
}

func unpackFlags(f uint16, h *Header) {
	h.Priority = byte(f>>shiftPriority) & maskPriority
	h.AckNack = AckNack(byte(f>>shiftAckNack) & maskAckNack)
	h.SCFlag = (f>>shiftSC)&1 != 0
	h.DataControl = DataControl(byte(f>>shiftDataControl) & maskDataControl)
	h.Version = byte(f>>shiftVersion) & maskVersion
}

// NewHeader returns a Header populated with spec defaults (priority 6,
// version 2, no ack/nack, not an SC message, single/unfragmented).
func NewHeader(code uint16, src, dst Address) Header {
	return Header{
		Code:        code,
		Source:      src,
		Destination: dst,
		Priority:    DefaultPriority,
		Version:     WireVersion,
		DataControl: DataControlSingle,
	}
}

// MarshalBinary encodes the header to exactly HeaderSize bytes,
// little-endian, satisfying encoding.BinaryMarshaler.
func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	h.Encode(b)
	return b, nil
}

// Encode writes the header into b, which must be at least HeaderSize bytes.
func (h *Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint16(b[0:2], h.Code)
	b[2], b[3], b[4], b[5] = h.Source.Subsystem, h.Source.Node, h.Source.Component, h.Source.Instance
	b[6], b[7], b[8], b[9] = h.Destination.Subsystem, h.Destination.Node, h.Destination.Component, h.Destination.Instance
	binary.LittleEndian.PutUint16(b[10:12], h.DataSize)
	binary.LittleEndian.PutUint16(b[12:14], h.Seq)
	binary.LittleEndian.PutUint16(b[14:16], packFlags(h))
}

// UnmarshalBinary decodes exactly HeaderSize bytes into h, satisfying
// encoding.BinaryUnmarshaler.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return cos.ErrInvalidHeader
	}
	h.Code = binary.LittleEndian.Uint16(b[0:2])
	h.Source = Address{b[2], b[3], b[4], b[5]}
	h.Destination = Address{b[6], b[7], b[8], b[9]}
	h.DataSize = binary.LittleEndian.Uint16(b[10:12])
	h.Seq = binary.LittleEndian.Uint16(b[12:14])
	unpackFlags(binary.LittleEndian.Uint16(b[14:16]), h)
	return nil
}

// DecodeHeader is a convenience constructor wrapping UnmarshalBinary.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	err := h.UnmarshalBinary(b)
	return h, err
}

// IsFragment reports whether this header is part of a multi-fragment Large
// Data Set transfer (spec.md §4.C): any data-control value other than
// Single or Retransmit.
func (h *Header) IsFragment() bool {
	return h.DataControl == DataControlFirst || h.DataControl == DataControlMiddle || h.DataControl == DataControlLast
}

// AsRetransmit returns a copy of h with DataControl set to Retransmit and a
// fresh Seq, used by component.SendAndWait when a retry is needed. All
// other fields, including the original payload framing, are preserved.
func (h Header) AsRetransmit(seq uint16) Header {
	h.DataControl = DataControlRetransmit
	h.Seq = seq
	return h
}
