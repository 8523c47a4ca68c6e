package shm

import (
	"encoding/binary"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/jausmesh/nodemgr/cmn/cos"
	"github.com/jausmesh/nodemgr/cmn/mono"
)

// Default inbox sizes (spec.md §4.D): 4 MiB for nodes, 2 MiB for components.
const (
	DefaultNodeInboxSize      = 4 << 20
	DefaultComponentInboxSize = 2 << 20
)

// inbox header layout, at the start of the mapped region. All fields are
// plain words accessed via atomic operations so that writers (possibly
// several, across processes) and the single reader never tear a read.
//
//	offset 0:  lock            (0 = free, 1 = held; spinlock guarding enqueue)
//	offset 4:  writeCursor     (monotonically increasing byte count, never wraps logically)
//	offset 8:  readCursor      (monotonically increasing byte count)
//	offset 12: activitySeq    (incremented every time the reader advances readCursor)
//	offset 16: lastActiveNanos (8 bytes; reader's poll loop touches this every iteration, even when idle)
const inboxHeaderSize = 24

// skipMarker is written as a length prefix to mean "ignore the rest of the
// buffer from here to the end; the next message starts at offset 0 of the
// data area" — used when a message doesn't fit contiguously before wrap.
const skipMarker uint32 = 0xffffffff

// lengthPrefixSize is the size of the length prefix preceding every
// enqueued message body.
const lengthPrefixSize = 4

// Inbox is a single named ring buffer: a length-prefixed FIFO of whole
// messages. Enqueue is atomic with respect to Drain; wraparound never
// splits a message (spec.md §4.D).
type Inbox struct {
	region   *Region
	data     []byte // data area, i.e. region.Bytes()[inboxHeaderSize:]
	capacity uint32
}

// OpenInbox creates or opens the named inbox region, sized capacity bytes
// of message data (plus the fixed header).
func OpenInbox(name string, capacity int) (*Inbox, error) {
	r, err := OpenRegion(name, inboxHeaderSize+capacity)
	if err != nil {
		return nil, err
	}
	return &Inbox{region: r, data: r.Bytes()[inboxHeaderSize:], capacity: uint32(capacity)}, nil
}

func (ib *Inbox) header() []byte { return ib.region.Bytes()[:inboxHeaderSize] }

func (ib *Inbox) lockWord() *uint32        { return (*uint32)(unsafe.Pointer(&ib.header()[0])) }
func (ib *Inbox) writeCursorWord() *uint32 { return (*uint32)(unsafe.Pointer(&ib.header()[4])) }
func (ib *Inbox) readCursorWord() *uint32  { return (*uint32)(unsafe.Pointer(&ib.header()[8])) }
func (ib *Inbox) activitySeqWord() *uint32 { return (*uint32)(unsafe.Pointer(&ib.header()[12])) }
func (ib *Inbox) lastActiveWord() *uint64  { return (*uint64)(unsafe.Pointer(&ib.header()[16])) }

// Touch records that the owning reader's poll loop is alive, whether or
// not it found any message to dequeue this iteration. The message handler
// (§4.F) calls this once per poll cycle.
func (ib *Inbox) Touch() {
	atomic.StoreUint64(ib.lastActiveWord(), uint64(mono.NanoTime()))
}

// Created reports whether this process created (vs. opened an existing)
// backing region.
func (ib *Inbox) Created() bool { return ib.region.Created() }

// Close releases the mapping. Does not unlink the backing file.
func (ib *Inbox) Close() error { return ib.region.Close() }

// Unlink removes the backing file; call at owner shutdown only.
func (ib *Inbox) Unlink() error { return ib.region.Unlink() }

func (ib *Inbox) lock() {
	for !atomic.CompareAndSwapUint32(ib.lockWord(), 0, 1) {
		// bounded spin; shared-memory critical sections here are a handful
		// of memmoves, never a blocking call.
		for i := 0; i < 64; i++ {
		}
	}
}

func (ib *Inbox) unlock() { atomic.StoreUint32(ib.lockWord(), 0) }

// Enqueue appends msg to the ring, atomically with respect to concurrent
// Drain and concurrent Enqueue from another writer. Returns
// cos.ErrInvalidValue if msg would never fit (larger than the whole ring).
func (ib *Inbox) Enqueue(msg []byte) error {
	entrySize := uint32(lengthPrefixSize + len(msg))
	if entrySize > ib.capacity {
		return cos.ErrInvalidValue
	}

	ib.lock()
	defer ib.unlock()

	wc := atomic.LoadUint32(ib.writeCursorWord())
	rc := atomic.LoadUint32(ib.readCursorWord())
	used := wc - rc // unsigned wraparound-safe distance

	pos := wc % ib.capacity
	if pos+entrySize > ib.capacity {
		// two-phase reserve-and-write: can't fit before the physical end of
		// the buffer, so mark the remainder as skip and restart at 0.
		skipLen := ib.capacity - pos
		if used+skipLen+entrySize > ib.capacity {
			return cos.ErrInvalidValue // ring full
		}
		binary.LittleEndian.PutUint32(ib.data[pos:], skipMarker)
		wc += skipLen
		pos = 0
		used += skipLen
	}
	if used+entrySize > ib.capacity {
		return cos.ErrInvalidValue // ring full
	}

	binary.LittleEndian.PutUint32(ib.data[pos:], uint32(len(msg)))
	copy(ib.data[pos+lengthPrefixSize:], msg)
	atomic.StoreUint32(ib.writeCursorWord(), wc+entrySize)
	return nil
}

// Drain removes and returns every currently-enqueued message, in FIFO
// order. Only the single reader (the owning component or node manager)
// calls this.
func (ib *Inbox) Drain() [][]byte {
	var out [][]byte
	for {
		msg, ok := ib.dequeueOne()
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out
}

func (ib *Inbox) dequeueOne() ([]byte, bool) {
	rc := atomic.LoadUint32(ib.readCursorWord())
	wc := atomic.LoadUint32(ib.writeCursorWord())
	if rc == wc {
		return nil, false
	}

	pos := rc % ib.capacity
	length := binary.LittleEndian.Uint32(ib.data[pos:])
	if length == skipMarker {
		rc += ib.capacity - pos
		atomic.StoreUint32(ib.readCursorWord(), rc)
		atomic.AddUint32(ib.activitySeqWord(), 1)
		pos = 0
		wc = atomic.LoadUint32(ib.writeCursorWord())
		if rc == wc {
			return nil, false
		}
		length = binary.LittleEndian.Uint32(ib.data[pos:])
	}

	msg := make([]byte, length)
	copy(msg, ib.data[pos+lengthPrefixSize:pos+lengthPrefixSize+length])
	atomic.StoreUint32(ib.readCursorWord(), rc+lengthPrefixSize+length)
	atomic.AddUint32(ib.activitySeqWord(), 1)
	return msg, true
}

// Empty reports whether there are no messages pending.
func (ib *Inbox) Empty() bool {
	return atomic.LoadUint32(ib.readCursorWord()) == atomic.LoadUint32(ib.writeCursorWord())
}

// ProbeActive implements the liveness check from spec.md §4.D: read the
// reader's last-active timestamp twice, interval apart, and report whether
// it advanced. A freshly-created inbox (lastActive still zero) with no
// reader yet is reported inactive, since a fresh Touch can't have happened.
// Unlike a dequeue-count probe, this is reliable even when the owning
// reader's queue has been empty the whole interval: its poll loop touches
// the timestamp every cycle regardless of whether it found work.
func (ib *Inbox) ProbeActive(interval time.Duration) bool {
	before := atomic.LoadUint64(ib.lastActiveWord())
	time.Sleep(interval)
	after := atomic.LoadUint64(ib.lastActiveWord())
	return before != 0 && after != before
}
