package transport

import (
	"sync"

	"github.com/MrWong99/devecho/pkg/ipc"
)

type result struct {
	msg ipc.Message
	err error
}

// waiter is one outstanding request. ch has capacity one so resolution never
// blocks the dispatch loop.
type waiter struct {
	id   uint64
	kind ipc.Kind
	pair ipc.Pair
	ch   chan result
}

func newWaiter(id uint64, kind ipc.Kind, pair ipc.Pair) *waiter {
	return &waiter{id: id, kind: kind, pair: pair, ch: make(chan result, 1)}
}

func (w *waiter) resolve(msg ipc.Message) { w.ch <- result{msg: msg} }

func (w *waiter) reject(err error) { w.ch <- result{err: err} }

// pendingTable holds the waiters of one connection. Every waiter leaves the
// table exactly once, so each is resolved or rejected at most once.
type pendingTable struct {
	mu      sync.Mutex
	closed  bool
	waiters map[uint64]*waiter
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[uint64]*waiter)}
}

// add registers w. It fails with ErrConnectionClosed once the table was
// failed.
func (p *pendingTable) add(w *waiter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrConnectionClosed
	}
	p.waiters[w.id] = w
	return nil
}

// take removes and returns the waiter for id, or nil.
func (p *pendingTable) take(id uint64) *waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.waiters[id]
	delete(p.waiters, id)
	return w
}

// takeOldest removes and returns the longest-waiting waiter that accepts
// kind. Ids are allocated monotonically, so the smallest id is the oldest.
func (p *pendingTable) takeOldest(kind ipc.Kind) *waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	var oldest *waiter
	for _, w := range p.waiters {
		if w.pair.Matches(kind) && (oldest == nil || w.id < oldest.id) {
			oldest = w
		}
	}
	if oldest != nil {
		delete(p.waiters, oldest.id)
	}
	return oldest
}

// failAll rejects every waiter with err and refuses further adds.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	ws := p.waiters
	p.waiters = make(map[uint64]*waiter)
	p.closed = true
	p.mu.Unlock()

	for _, w := range ws {
		w.reject(err)
	}
	return len(ws)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
