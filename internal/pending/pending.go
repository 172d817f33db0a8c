// Package pending matches wire replies to the calls that are waiting on
// them. Both halves of the relay use it: the hub correlates replies from the
// extension, and the client library correlates replies from the hub.
package pending

import (
	"sync"

	"tabnerd/internal/protocol"
)

// Table hands out monotonically increasing call ids and routes each reply to
// the waiter that registered the id. Every id resolves at most once: Resolve
// removes the entry before delivering, so a duplicate or late reply finds
// nothing and is reported as unknown.
type Table struct {
	mu     sync.Mutex
	nextID uint64
	wait   map[uint64]chan protocol.Reply
}

func NewTable() *Table {
	return &Table{wait: make(map[uint64]chan protocol.Reply)}
}

// Next allocates the next call id and registers a waiter for it. The channel
// is buffered so Resolve never blocks on a waiter that already gave up.
func (t *Table) Next() (uint64, <-chan protocol.Reply) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	ch := make(chan protocol.Reply, 1)
	t.wait[id] = ch
	return id, ch
}

// Resolve delivers a reply to its waiter. It reports false when the id is
// unknown, which covers replies arriving after a timeout as well as ids the
// table never issued.
func (t *Table) Resolve(reply protocol.Reply) bool {
	t.mu.Lock()
	ch, ok := t.wait[reply.ID]
	if ok {
		delete(t.wait, reply.ID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply
	return true
}

// Forget drops a waiter without resolving it. Callers defer this so
// timed-out and cancelled calls leave no entry behind.
func (t *Table) Forget(id uint64) {
	t.mu.Lock()
	delete(t.wait, id)
	t.mu.Unlock()
}

// Len reports how many calls are still waiting.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.wait)
}
