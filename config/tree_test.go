package config

import (
	"testing"

	"github.com/jausmesh/nodemgr/wire"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tr, err := NewTree()
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestComponentsOnNodeScansByPrefix(t *testing.T) {
	tr := newTestTree(t)
	a := wire.NewAddress(1, 2, 1, 1)
	b := wire.NewAddress(1, 2, 3, 1)
	other := wire.NewAddress(1, 3, 1, 1)

	for _, addr := range []wire.Address{a, b, other} {
		if err := tr.RegisterComponent(addr); err != nil {
			t.Fatalf("RegisterComponent: %v", err)
		}
	}

	got, err := tr.ComponentsOnNode(1, 2)
	if err != nil {
		t.Fatalf("ComponentsOnNode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 components on node 1.2, got %d", len(got))
	}
	for _, addr := range got {
		if addr.Node != 2 {
			t.Fatalf("leaked component from a different node: %v", addr)
		}
	}
}

func TestUnregisterComponentRemovesFromIndex(t *testing.T) {
	tr := newTestTree(t)
	addr := wire.NewAddress(4, 5, 1, 1)
	if err := tr.RegisterComponent(addr); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}
	if err := tr.UnregisterComponent(addr); err != nil {
		t.Fatalf("UnregisterComponent: %v", err)
	}
	got, err := tr.ComponentsOnNode(4, 5)
	if err != nil {
		t.Fatalf("ComponentsOnNode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no components after unregister, got %d", len(got))
	}
}

func TestUnregisterComponentUnknownIsNotAnError(t *testing.T) {
	tr := newTestTree(t)
	if err := tr.UnregisterComponent(wire.NewAddress(9, 9, 9, 9)); err != nil {
		t.Fatalf("expected no error unregistering an unknown component, got %v", err)
	}
}

func TestIdentificationRoundTrips(t *testing.T) {
	tr := newTestTree(t)
	ident := Identification{Authority: 200, Type: "ground-vehicle", Name: "rover-1"}
	if err := tr.SetIdentification(7, ident); err != nil {
		t.Fatalf("SetIdentification: %v", err)
	}
	got, ok := tr.Identification(7)
	if !ok {
		t.Fatal("expected identification to be found")
	}
	if got != ident {
		t.Fatalf("expected %+v, got %+v", ident, got)
	}
}

func TestIdentificationUnknownSubsystem(t *testing.T) {
	tr := newTestTree(t)
	if _, ok := tr.Identification(42); ok {
		t.Fatal("expected no identification for an unknown subsystem")
	}
}

func TestSubsystemListCombinesComponentsAndIdentification(t *testing.T) {
	tr := newTestTree(t)
	if err := tr.RegisterComponent(wire.NewAddress(2, 1, 1, 1)); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}
	if err := tr.SetIdentification(9, Identification{Name: "x"}); err != nil {
		t.Fatalf("SetIdentification: %v", err)
	}
	got, err := tr.SubsystemList()
	if err != nil {
		t.Fatalf("SubsystemList: %v", err)
	}
	want := []byte{2, 9}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
