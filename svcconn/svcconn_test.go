package svcconn_test

import (
	"encoding/binary"
	"sync"

	"github.com/jausmesh/nodemgr/svcconn"
	"github.com/jausmesh/nodemgr/wire"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeRouter records every control/forward send so specs can assert on the
// sequence of outgoing traffic without a real node/component stack.
type fakeRouter struct {
	mu   sync.Mutex
	sent []wire.Header
}

func (r *fakeRouter) SendStream(h wire.Header, payload []byte, localOrigin bool) error {
	r.mu.Lock()
	r.sent = append(r.sent, h)
	r.mu.Unlock()
	return nil
}

func (r *fakeRouter) snapshot() []wire.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Header(nil), r.sent...)
}

func (r *fakeRouter) countTo(dest wire.Address) int {
	n := 0
	for _, h := range r.snapshot() {
		if h.Destination == dest {
			n++
		}
	}
	return n
}

// encodeTestBody mirrors svcconn's unexported wire sub-header so specs can
// construct inbound SC payloads without depending on package internals.
func encodeTestBody(op svcconn.Op, pv uint32, rateOrAuthority byte, refused bool, instanceID byte) []byte {
	out := make([]byte, 8)
	out[0] = byte(op)
	binary.LittleEndian.PutUint32(out[1:5], pv)
	out[5] = rateOrAuthority
	if refused {
		out[6] = 1
	}
	out[7] = instanceID
	return out
}

var _ = Describe("Inform service connections", func() {
	var (
		router   *fakeRouter
		mgr      *svcconn.Manager
		provider wire.Address
		subA     wire.Address
		subB     wire.Address
		code     uint16
	)

	BeforeEach(func() {
		router = &fakeRouter{}
		mgr = svcconn.New(router)
		provider = wire.NewAddress(1, 1, 1, 1)
		subA = wire.NewAddress(1, 1, 2, 1)
		subB = wire.NewAddress(1, 1, 3, 1)
		code = 0x1000
	})

	It("puts a fresh Create into pending and forwards a Create to the provider", func() {
		h := wire.NewHeader(code, subA, provider)
		h.SCFlag = true
		mgr.HandleSC(h, encodeTestBody(svcconn.OpCreate, 0, 5, false, 0))

		Expect(router.countTo(provider)).To(BeNumerically(">=", 1))
	})

	It("activates on Confirm and echoes the lower rate back to a later equal-rate Create", func() {
		h := wire.NewHeader(code, subA, provider)
		h.SCFlag = true
		mgr.HandleSC(h, encodeTestBody(svcconn.OpCreate, 0, 5, false, 0))

		confirm := wire.NewHeader(code, provider, subA)
		confirm.SCFlag = true
		mgr.HandleSC(confirm, encodeTestBody(svcconn.OpConfirm, 0, 5, false, 7))

		before := len(router.snapshot())
		createB := wire.NewHeader(code, subA, provider)
		createB.SCFlag = true
		mgr.HandleSC(createB, encodeTestBody(svcconn.OpCreate, 0, 5, false, 0))
		after := router.snapshot()[before:]

		found := false
		for _, h := range after {
			if h.Source == provider && h.Destination == subA {
				found = true
			}
		}
		Expect(found).To(BeTrue(), "expected an auto-confirm reply back to the re-requesting subscriber")
	})

	It("moves a subscriber from active to suspended on Suspend and notifies the provider", func() {
		create := wire.NewHeader(code, subA, provider)
		create.SCFlag = true
		mgr.HandleSC(create, encodeTestBody(svcconn.OpCreate, 0, 5, false, 0))

		confirm := wire.NewHeader(code, provider, subA)
		confirm.SCFlag = true
		mgr.HandleSC(confirm, encodeTestBody(svcconn.OpConfirm, 0, 5, false, 1))

		before := len(router.snapshot())
		suspend := wire.NewHeader(code, subA, provider)
		suspend.SCFlag = true
		mgr.HandleSC(suspend, encodeTestBody(svcconn.OpSuspend, 0, 0, false, 0))

		sentSuspendToProvider := false
		for _, h := range router.snapshot()[before:] {
			if h.Source == provider && h.Destination == provider {
				sentSuspendToProvider = true
			}
		}
		Expect(sentSuspendToProvider).To(BeTrue(), "last active subscriber suspending should notify the provider")
	})

	It("tears down and frees the SC once every subscriber terminates", func() {
		create := wire.NewHeader(code, subA, provider)
		create.SCFlag = true
		mgr.HandleSC(create, encodeTestBody(svcconn.OpCreate, 0, 5, false, 0))

		confirm := wire.NewHeader(code, provider, subA)
		confirm.SCFlag = true
		mgr.HandleSC(confirm, encodeTestBody(svcconn.OpConfirm, 0, 5, false, 1))

		terminate := wire.NewHeader(code, subA, provider)
		terminate.SCFlag = true
		mgr.HandleSC(terminate, encodeTestBody(svcconn.OpTerminate, 0, 0, false, 0))

		// A subsequent disconnect of the provider should find nothing left
		// to tear down a second time (no panic, no further sends required).
		Expect(func() { mgr.HandleProviderDisconnect(provider) }).NotTo(Panic())
	})

	It("auto-confirms a brand-new lower-rate subscriber locally instead of round-tripping to the provider", func() {
		create := wire.NewHeader(code, subA, provider)
		create.SCFlag = true
		mgr.HandleSC(create, encodeTestBody(svcconn.OpCreate, 0, 5, false, 0))

		confirm := wire.NewHeader(code, provider, subA)
		confirm.SCFlag = true
		mgr.HandleSC(confirm, encodeTestBody(svcconn.OpConfirm, 0, 5, false, 7))

		before := len(router.snapshot())
		createB := wire.NewHeader(code, subB, provider)
		createB.SCFlag = true
		mgr.HandleSC(createB, encodeTestBody(svcconn.OpCreate, 0, 3, false, 0))
		after := router.snapshot()[before:]

		toProvider, toSubB := false, false
		for _, h := range after {
			if h.Destination == provider {
				toProvider = true
			}
			if h.Source == provider && h.Destination == subB {
				toSubB = true
			}
		}
		Expect(toProvider).To(BeFalse(), "an already-Active SC must auto-confirm a new lower-rate subscriber locally, not forward Create to the provider")
		Expect(toSubB).To(BeTrue(), "expected an immediate local Confirm back to the new subscriber")
	})

	It("supports multiple independent subscribers on the same provider/code", func() {
		for _, sub := range []wire.Address{subA, subB} {
			create := wire.NewHeader(code, sub, provider)
			create.SCFlag = true
			mgr.HandleSC(create, encodeTestBody(svcconn.OpCreate, 0, 5, false, 0))
		}
		Expect(router.countTo(provider)).To(BeNumerically(">=", 2))
	})
})

var _ = Describe("Command service connections", func() {
	var (
		router   *fakeRouter
		mgr      *svcconn.Manager
		provider wire.Address
		cmdLow   wire.Address
		cmdHigh  wire.Address
		code     uint16
		key      svcconn.Key
	)

	BeforeEach(func() {
		router = &fakeRouter{}
		mgr = svcconn.New(router)
		provider = wire.NewAddress(1, 1, 1, 1)
		cmdLow = wire.NewAddress(1, 1, 4, 1)
		cmdHigh = wire.NewAddress(1, 1, 5, 1)
		code = 0x2000
		key = svcconn.Key{Provider: provider, Code: code}
	})

	confirmFor := func(requester wire.Address, authority byte) {
		h := wire.NewHeader(code, provider, requester)
		h.SCFlag = true
		mgr.HandleSC(h, encodeTestBody(svcconn.OpConfirm, 0, authority, false, 1))
	}

	createFrom := func(requester wire.Address, authority byte) {
		h := wire.NewHeader(code, requester, provider)
		h.SCFlag = true
		mgr.HandleSC(h, encodeTestBody(svcconn.OpCreate, 0, authority, false, 0))
	}

	It("elects the higher-authority commander as lead", func() {
		createFrom(cmdLow, 10)
		confirmFor(cmdLow, 10)
		Expect(mgr.IsLeadCommander(key, cmdLow)).To(BeTrue())

		createFrom(cmdHigh, 50)
		confirmFor(cmdHigh, 50)
		Expect(mgr.IsLeadCommander(key, cmdHigh)).To(BeTrue())
		Expect(mgr.IsLeadCommander(key, cmdLow)).To(BeFalse())
	})

	It("refuses a Create below the connection's required authority", func() {
		createFrom(cmdHigh, 50)
		confirmFor(cmdHigh, 50)

		before := len(router.snapshot())
		createFrom(cmdLow, 1)
		sent := router.snapshot()[before:]

		refused := false
		for _, h := range sent {
			if h.Source == provider && h.Destination == cmdLow {
				refused = true
			}
		}
		Expect(refused).To(BeTrue(), "expected a Confirm/Refused reply to the under-authority requester")
	})

	It("demotes the previous lead to suspended when a higher-authority commander takes over", func() {
		createFrom(cmdLow, 10)
		confirmFor(cmdLow, 10)
		Expect(mgr.IsLeadCommander(key, cmdLow)).To(BeTrue())

		before := len(router.snapshot())
		createFrom(cmdHigh, 50)
		confirmFor(cmdHigh, 50)
		sent := router.snapshot()[before:]

		suspendedLow := false
		for _, h := range sent {
			if h.Source == provider && h.Destination == cmdLow {
				suspendedLow = true
			}
		}
		Expect(suspendedLow).To(BeTrue(), "expected the displaced lead to receive a Suspend")
		Expect(mgr.IsLeadCommander(key, cmdHigh)).To(BeTrue())
	})
})
