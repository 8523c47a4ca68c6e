package handler

import (
	"sync"
	"testing"
	"time"

	"github.com/jausmesh/nodemgr/wire"
)

func TestAntiStarvation(t *testing.T) {
	h := New()
	var mu sync.Mutex
	var order []string

	h.SetDefaultRaw(func(m Message) bool {
		mu.Lock()
		if m.Header.Priority == wire.DefaultPriority {
			order = append(order, "p")
		} else {
			order = append(order, "d")
		}
		mu.Unlock()
		return true
	})

	h.Start()
	defer h.Stop()

	for i := 0; i < 6; i++ {
		h.Submit(Message{Header: wire.Header{Priority: wire.DefaultPriority}}, true)
	}
	h.Submit(Message{Header: wire.Header{Priority: 0}}, false)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 7 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 7 {
		t.Fatalf("only dispatched %d of 7 messages: %v", len(order), order)
	}
	// the lone default message must appear within the first 3 dispatches
	// (after at most two consecutive priority dispatches).
	idx := -1
	for i, v := range order[:3] {
		if v == "d" {
			idx = i
		}
	}
	if idx == -1 {
		t.Errorf("default message not dispatched within first 3: %v", order[:3])
	}
}

func TestCallbackResolutionOrder(t *testing.T) {
	h := New()
	var got []string
	record := func(tag string) Callback {
		return func(Message) bool {
			got = append(got, tag)
			return true
		}
	}
	h.RegisterCategory(CategoryQuery, record("category"))
	h.SetDefaultRaw(record("raw"))
	h.SetDefaultDecoded(record("decoded"))
	h.RegisterCode(0x2001, record("code"))

	h.Start()
	defer h.Stop()

	// code-registered message: should hit "code" only
	h.Submit(Message{Header: wire.Header{Code: 0x2001}}, true)
	time.Sleep(20 * time.Millisecond)
	if len(got) != 1 || got[0] != "code" {
		t.Fatalf("got %v, want [code]", got)
	}

	got = nil
	// decoded message with no code registration: should hit "decoded"
	h.Submit(Message{Header: wire.Header{Code: 0x3000}, Decoded: "x"}, true)
	time.Sleep(20 * time.Millisecond)
	if len(got) != 1 || got[0] != "decoded" {
		t.Fatalf("got %v, want [decoded]", got)
	}
}

func TestStopDrainsQueues(t *testing.T) {
	h := New()
	blocked := make(chan struct{})
	h.SetDefaultRaw(func(Message) bool {
		<-blocked
		return true
	})
	h.Start()
	h.Submit(Message{}, false)
	time.Sleep(10 * time.Millisecond) // let the worker pick up the blocking message
	close(blocked)
	h.Stop() // must return once the worker notices quit and drains
}

func TestCategoryOf(t *testing.T) {
	cases := []struct {
		code uint16
		ack  wire.AckNack
		want Category
	}{
		{0x0001, wire.AckNackNone, CategoryCommand},
		{0x2001, wire.AckNackNone, CategoryQuery},
		{0x4001, wire.AckNackNone, CategoryInform},
		{0x0001, wire.AckNackAck, CategoryAckNack},
	}
	for _, c := range cases {
		if got := CategoryOf(c.code, c.ack); got != c.want {
			t.Errorf("CategoryOf(%x, %v) = %v, want %v", c.code, c.ack, got, c.want)
		}
	}
}
