package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(0x4202, Address{1, 2, 3, 1}, Address{1, 2, 1, 1})
	h.DataSize = 128
	h.Seq = 7
	h.AckNack = AckNackRequest
	h.SCFlag = true
	h.DataControl = DataControlFirst

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != HeaderSize {
		t.Fatalf("len(b) = %d, want %d", len(b), HeaderSize)
	}

	var got Header
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, h)
	}
}

func TestHeaderDefaults(t *testing.T) {
	h := NewHeader(1, Address{1, 1, 1, 1}, Address{1, 1, 1, 1})
	if h.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", h.Priority, DefaultPriority)
	}
	if h.Version != WireVersion {
		t.Errorf("Version = %d, want %d", h.Version, WireVersion)
	}
	if h.DataControl != DataControlSingle {
		t.Errorf("DataControl = %v, want Single", h.DataControl)
	}
}

func TestHeaderUnmarshalTooShort(t *testing.T) {
	var h Header
	if err := h.UnmarshalBinary(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error decoding truncated header")
	}
}

func TestAsRetransmit(t *testing.T) {
	h := NewHeader(1, Address{1, 1, 1, 1}, Address{1, 1, 2, 1})
	h.Seq = 5
	r := h.AsRetransmit(6)
	if r.DataControl != DataControlRetransmit {
		t.Errorf("DataControl = %v, want Retransmit", r.DataControl)
	}
	if r.Seq != 6 {
		t.Errorf("Seq = %d, want 6", r.Seq)
	}
	if h.Seq != 5 || h.DataControl != DataControlSingle {
		t.Errorf("original header mutated: %+v", h)
	}
}

func TestFlagsPackingIsolated(t *testing.T) {
	// exercise every field independently to catch shift/mask overlap bugs
	base := NewHeader(1, Address{1, 1, 1, 1}, Address{1, 1, 1, 1})
	for p := byte(0); p <= 15; p++ {
		h := base
		h.Priority = p
		b, _ := h.MarshalBinary()
		var got Header
		got.UnmarshalBinary(b)
		if got.Priority != p || got.AckNack != base.AckNack || got.SCFlag != base.SCFlag {
			t.Fatalf("priority %d leaked into other fields: %+v", p, got)
		}
	}
}

func TestFrame(t *testing.T) {
	h := NewHeader(7, Address{1, 1, 1, 1}, Address{1, 1, 2, 1})
	payload := []byte("hello jaus")
	s := Frame(h, payload)
	if s.Len() != HeaderSize+len(payload) {
		t.Fatalf("Len() = %d, want %d", s.Len(), HeaderSize+len(payload))
	}
	got, err := s.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if int(got.DataSize) != len(payload) {
		t.Errorf("DataSize = %d, want %d", got.DataSize, len(payload))
	}
	if !bytes.Equal(s.Payload(), payload) {
		t.Errorf("Payload() = %q, want %q", s.Payload(), payload)
	}
}
