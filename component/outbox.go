package component

import (
	"sync"

	"github.com/jausmesh/nodemgr/shm"
)

// Outbox wraps the node manager's inbox as seen by one component: the
// component enqueues outgoing frames into it directly (spec.md §4.G). If
// the cached handle turns out stale (the node manager restarted and
// recreated its inbox), Outbox re-opens by name and retries once.
type Outbox struct {
	mu   sync.Mutex
	name string
	size int
	ib   *shm.Inbox
}

// NewOutbox opens (or lazily will open) the node manager inbox named
// name, sized size bytes.
func NewOutbox(name string, size int) (*Outbox, error) {
	ib, err := shm.OpenInbox(name, size)
	if err != nil {
		return nil, err
	}
	return &Outbox{name: name, size: size, ib: ib}, nil
}

// Enqueue writes frame to the node manager's inbox, reopening once on
// failure (spec.md §7: "Shared-memory write failures cause the sender to
// close and reopen the outbox once before giving up on the send").
func (o *Outbox) Enqueue(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ib.Enqueue(frame); err == nil {
		return nil
	}

	o.ib.Close()
	ib, err := shm.OpenInbox(o.name, o.size)
	if err != nil {
		return err
	}
	o.ib = ib
	return o.ib.Enqueue(frame)
}

// Close releases the mapping without unlinking (the node manager owns the
// backing file).
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ib.Close()
}
