package lds

import "github.com/jausmesh/nodemgr/wire"

// MaxFragmentBody is the largest payload carried by one fragment: the MTU
// minus the 16-byte header.
const MaxFragmentBody = wire.MaxDatagram - wire.HeaderSize

// Split breaks an oversized message (header h, body payload) into an
// ordered sequence of fragment frames, each at most wire.MaxDatagram bytes
// including its own header. The first fragment carries DataControlFirst,
// the last DataControlLast, and any in between DataControlMiddle. Sequence
// numbers start at startSeq and increment by one per fragment.
//
// Callers (the node connection handler's outgoing dispatch, spec.md §4.H)
// invoke this only when len(payload) > MaxFragmentBody for a single frame;
// smaller messages go out as DataControlSingle without involving this
// package at all.
func Split(h wire.Header, payload []byte, startSeq uint16) []*wire.Stream {
	if len(payload) == 0 {
		return nil
	}
	n := (len(payload) + MaxFragmentBody - 1) / MaxFragmentBody
	frames := make([]*wire.Stream, 0, n)

	seq := startSeq
	for off := 0; off < len(payload); off += MaxFragmentBody {
		end := off + MaxFragmentBody
		if end > len(payload) {
			end = len(payload)
		}
		fh := h
		fh.Seq = seq
		switch {
		case off == 0:
			fh.DataControl = wire.DataControlFirst
		case end == len(payload):
			fh.DataControl = wire.DataControlLast
		default:
			fh.DataControl = wire.DataControlMiddle
		}
		frames = append(frames, wire.Frame(fh, payload[off:end]))
		seq++
	}
	return frames
}
