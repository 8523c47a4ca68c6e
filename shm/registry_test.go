package shm

import (
	"testing"
	"time"

	"github.com/jausmesh/nodemgr/cmn/cos"
	"github.com/jausmesh/nodemgr/wire"
)

func TestRegistryClaimAndRelease(t *testing.T) {
	withTempBaseDir(t)
	rg, err := OpenRegistry("test-registry-1")
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer rg.Close()

	addr := wire.Address{1, 2, 3, 1}
	if rg.Contains(addr) {
		t.Fatal("fresh registry should not contain any address")
	}
	if err := rg.Claim(addr, nil); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !rg.Contains(addr) {
		t.Error("Contains should be true after Claim")
	}

	rg.Release(addr)
	if rg.Contains(addr) {
		t.Error("Contains should be false after Release")
	}
}

func TestRegistryConflictDetection(t *testing.T) {
	withTempBaseDir(t)
	rg, err := OpenRegistry("test-registry-conflict")
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer rg.Close()

	addr := wire.Address{1, 2, 3, 1}
	if err := rg.Claim(addr, nil); err != nil {
		t.Fatalf("first Claim: %v", err)
	}

	ib, err := OpenInbox("test-registry-conflict-inbox", 256)
	if err != nil {
		t.Fatalf("OpenInbox: %v", err)
	}
	defer ib.Close()
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
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

	origWait := DefaultConflictProbeWait
	DefaultConflictProbeWait = 10 * time.Millisecond
	defer func() { DefaultConflictProbeWait = origWait }()

	if err := rg.Claim(addr, ib); err == nil {
		t.Fatal("expected AddressConflict when the existing claimant is live")
	} else if err != cos.ErrAddressConflict {
		t.Errorf("Claim error = %v, want ErrAddressConflict", err)
	}
}

func TestRegistryReclaimsStaleClaim(t *testing.T) {
	withTempBaseDir(t)
	rg, err := OpenRegistry("test-registry-stale")
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer rg.Close()

	addr := wire.Address{1, 2, 3, 1}
	if err := rg.Claim(addr, nil); err != nil {
		t.Fatalf("first Claim: %v", err)
	}

	ib, err := OpenInbox("test-registry-stale-inbox", 256)
	if err != nil {
		t.Fatalf("OpenInbox: %v", err)
	}
	defer ib.Close()

	origWait := DefaultConflictProbeWait
	DefaultConflictProbeWait = 5 * time.Millisecond
	defer func() { DefaultConflictProbeWait = origWait }()

	// nobody touches ib: claimant is stale, reclaim should succeed.
	if err := rg.Claim(addr, ib); err != nil {
		t.Fatalf("Claim over stale owner: %v", err)
	}
}

func TestRegistrySnapshot(t *testing.T) {
	withTempBaseDir(t)
	rg, err := OpenRegistry("test-registry-snapshot")
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer rg.Close()

	addrs := []wire.Address{{1, 1, 1, 1}, {1, 1, 2, 1}, {1, 2, 1, 1}}
	for _, a := range addrs {
		if err := rg.Claim(a, nil); err != nil {
			t.Fatalf("Claim(%v): %v", a, err)
		}
	}
	snap := rg.Snapshot()
	if len(snap) != len(addrs) {
		t.Fatalf("Snapshot() returned %d addresses, want %d", len(snap), len(addrs))
	}
}
