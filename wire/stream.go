package wire

import (
	"encoding/binary"
	"io"

	"github.com/jausmesh/nodemgr/cmn/cos"
)

// MaxDatagram is the largest single wire frame this implementation sends or
// accepts (spec.md §4.B): HeaderSize plus a payload bounded so the whole
// frame fits comfortably under a typical Ethernet-plus-fragmentation MTU.
const MaxDatagram = 4096

// Stream is a growable byte buffer with independent write and read cursors.
// It underlies every transport in package xport and the reassembly buffer
// in package lds: senders Append a Header then the payload bytes; readers
// decode the Header once with ReadHeader and then consume the remaining
// payload with Read/ReadUint16/ReadUint32.
type Stream struct {
	buf []byte
	r   int // read cursor
}

// NewStream returns an empty Stream with the given initial capacity.
func NewStream(capacity int) *Stream {
	return &Stream{buf: make([]byte, 0, capacity)}
}

// WrapStream returns a Stream over an existing byte slice, read cursor at
// zero, for decoding an already-received frame.
func WrapStream(b []byte) *Stream {
	return &Stream{buf: b}
}

// Bytes returns the full written slice (does not advance the read cursor).
func (s *Stream) Bytes() []byte { return s.buf }

// Len returns the number of bytes written so far.
func (s *Stream) Len() int { return len(s.buf) }

// Remaining returns the number of unread bytes.
func (s *Stream) Remaining() int { return len(s.buf) - s.r }

// Reset empties the stream for reuse, retaining the underlying array.
func (s *Stream) Reset() {
	s.buf = s.buf[:0]
	s.r = 0
}

// Write appends p to the stream, satisfying io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// WriteByte appends a single byte.
func (s *Stream) WriteByte(b byte) error {
	s.buf = append(s.buf, b)
	return nil
}

// WriteUint16 appends a little-endian uint16.
func (s *Stream) WriteUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

// WriteUint32 appends a little-endian uint32.
func (s *Stream) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

// WriteHeader appends the encoded header, reserving HeaderSize bytes at the
// current write position. Returns the offset the header was written at, so
// callers can later OverwriteHeader once DataSize/Seq are known (used by
// lds when building a fragment whose final size isn't known up front).
func (s *Stream) WriteHeader(h *Header) (offset int) {
	offset = len(s.buf)
	var hb [HeaderSize]byte
	h.Encode(hb[:])
	s.buf = append(s.buf, hb[:]...)
	return offset
}

// OverwriteHeader re-encodes h in place at offset, used to patch in a final
// DataSize/Seq after the payload has been appended.
func (s *Stream) OverwriteHeader(offset int, h *Header) error {
	if offset < 0 || offset+HeaderSize > len(s.buf) {
		return cos.ErrInvalidValue
	}
	h.Encode(s.buf[offset : offset+HeaderSize])
	return nil
}

// Read copies up to len(p) unread bytes into p, satisfying io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if s.r >= len(s.buf) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[s.r:])
	s.r += n
	return n, nil
}

// ReadByte consumes and returns one byte.
func (s *Stream) ReadByte() (byte, error) {
	if s.r >= len(s.buf) {
		return 0, io.EOF
	}
	b := s.buf[s.r]
	s.r++
	return b, nil
}

// ReadUint16 consumes a little-endian uint16.
func (s *Stream) ReadUint16() (uint16, error) {
	if s.r+2 > len(s.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint16(s.buf[s.r : s.r+2])
	s.r += 2
	return v, nil
}

// ReadUint32 consumes a little-endian uint32.
func (s *Stream) ReadUint32() (uint32, error) {
	if s.r+4 > len(s.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(s.buf[s.r : s.r+4])
	s.r += 4
	return v, nil
}

// ReadHeader consumes and decodes the leading HeaderSize bytes.
func (s *Stream) ReadHeader() (Header, error) {
	if s.r+HeaderSize > len(s.buf) {
		return Header{}, cos.ErrInvalidHeader
	}
	h, err := DecodeHeader(s.buf[s.r : s.r+HeaderSize])
	if err != nil {
		return h, err
	}
	s.r += HeaderSize
	return h, nil
}

// Payload returns the unread remainder as a slice (no copy, no cursor
// advance) — used after ReadHeader to hand the body to a callback without
// an extra allocation.
func (s *Stream) Payload() []byte { return s.buf[s.r:] }

// Frame encodes a complete header+payload frame into a freshly allocated
// Stream, setting h.DataSize to len(payload) before encoding.
func Frame(h Header, payload []byte) *Stream {
	h.DataSize = uint16(len(payload))
	s := NewStream(HeaderSize + len(payload))
	s.WriteHeader(&h)
	s.Write(payload)
	return s
}
