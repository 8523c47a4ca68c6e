package shm

import (
	"fmt"
	"testing"
	"time"
)

func withTempBaseDir(t *testing.T) {
	t.Helper()
	old := BaseDir
	BaseDir = t.TempDir()
	t.Cleanup(func() { BaseDir = old })
}

func TestInboxEnqueueDrainFIFO(t *testing.T) {
	withTempBaseDir(t)
	ib, err := OpenInbox("test-inbox-1", 4096)
	if err != nil {
		t.Fatalf("OpenInbox: %v", err)
	}
	defer ib.Close()
	if !ib.Created() {
		t.Fatal("expected Created() true for a fresh region")
	}

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		if err := ib.Enqueue(m); err != nil {
			t.Fatalf("Enqueue(%q): %v", m, err)
		}
	}

	got := ib.Drain()
	if len(got) != len(msgs) {
		t.Fatalf("Drain() returned %d messages, want %d", len(got), len(msgs))
	}
	for i, m := range msgs {
		if string(got[i]) != string(m) {
			t.Errorf("message %d = %q, want %q", i, got[i], m)
		}
	}
	if !ib.Empty() {
		t.Error("Empty() should be true after full drain")
	}
}

func TestInboxWraparoundDoesNotSplitMessage(t *testing.T) {
	withTempBaseDir(t)
	// small ring forces several wraps
	ib, err := OpenInbox("test-inbox-wrap", 64)
	if err != nil {
		t.Fatalf("OpenInbox: %v", err)
	}
	defer ib.Close()

	for i := 0; i < 50; i++ {
		msg := []byte(fmt.Sprintf("m%02d", i))
		if err := ib.Enqueue(msg); err != nil {
			t.Fatalf("Enqueue #%d: %v", i, err)
		}
		got := ib.Drain()
		if len(got) != 1 || string(got[0]) != string(msg) {
			t.Fatalf("iteration %d: got %v, want [%q]", i, got, msg)
		}
	}
}

func TestInboxRejectsOversizedMessage(t *testing.T) {
	withTempBaseDir(t)
	ib, err := OpenInbox("test-inbox-oversize", 32)
	if err != nil {
		t.Fatalf("OpenInbox: %v", err)
	}
	defer ib.Close()

	if err := ib.Enqueue(make([]byte, 1024)); err == nil {
		t.Fatal("expected error enqueueing a message larger than the ring")
	}
}

func TestInboxProbeActiveRequiresTouch(t *testing.T) {
	withTempBaseDir(t)
	ib, err := OpenInbox("test-inbox-probe", 256)
	if err != nil {
		t.Fatalf("OpenInbox: %v", err)
	}
	defer ib.Close()

	if ib.ProbeActive(5 * time.Millisecond) {
		t.Error("fresh inbox with no reader should probe inactive")
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ib.Touch()
			}
		}
	}()
	defer close(stop)

	if !ib.ProbeActive(20 * time.Millisecond) {
		t.Error("inbox with an active toucher should probe active")
	}
}

func TestOpenInboxReopenSharesState(t *testing.T) {
	withTempBaseDir(t)
	a, err := OpenInbox("test-inbox-shared", 4096)
	if err != nil {
		t.Fatalf("OpenInbox a: %v", err)
	}
	defer a.Close()

	b, err := OpenInbox("test-inbox-shared", 4096)
	if err != nil {
		t.Fatalf("OpenInbox b: %v", err)
	}
	defer b.Close()
	if b.Created() {
		t.Error("second OpenInbox of the same name should not report Created")
	}

	if err := a.Enqueue([]byte("cross-handle")); err != nil {
		t.Fatalf("Enqueue via a: %v", err)
	}
	got := b.Drain()
	if len(got) != 1 || string(got[0]) != "cross-handle" {
		t.Fatalf("Drain via b = %v, want one message", got)
	}
}
