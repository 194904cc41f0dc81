package engine

import (
	"sync"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/slot"
)

// shareThreshold is the local stack depth past which a worker hands half of
// its work to the pool.
const shareThreshold = 1024

type packetKind uint8

const (
	// processSlots traces the references in slots and updates the slots.
	processSlots packetKind = iota
	// scanNodes scans objects that are already marked or copied.
	scanNodes
	// pinNodes keeps the nodes in place; their children may move.
	pinNodes
	// tpinNodes keeps the nodes and everything reachable from them in place.
	tpinNodes
)

func (k packetKind) String() string {
	switch k {
	case processSlots:
		return "slots"
	case scanNodes:
		return "nodes"
	case pinNodes:
		return "pinning-nodes"
	default:
		return "tpinning-nodes"
	}
}

type packet struct {
	kind  packetKind
	slots []slot.Slot
	nodes []memory.Address
}

// Pool is the work queue of a collection. Worker goroutines are started by
// the caller and call Run; the goroutine driving a collection works too while
// it waits, so a collection completes even without workers.
type Pool struct {
	e *Engine

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []packet
	busy   int
	closed bool

	workers    []*worker
	controller *worker
}

func newPool(e *Engine, n int) *Pool {
	p := &Pool{e: e}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, newWorker(e, i))
	}
	p.controller = newWorker(e, n)
	return p
}

// Workers returns the number of worker goroutines the pool expects.
func (p *Pool) Workers() int {
	return len(p.workers)
}

func (p *Pool) push(pk packet) {
	if len(pk.slots) == 0 && len(pk.nodes) == 0 {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, pk)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// pop takes the next packet. The caller holds p.mu.
func (p *Pool) pop() packet {
	pk := p.queue[len(p.queue)-1]
	p.queue[len(p.queue)-1] = packet{}
	p.queue = p.queue[:len(p.queue)-1]
	p.busy++
	return pk
}

// done finishes a packet taken with pop. The caller holds p.mu.
func (p *Pool) done() {
	p.busy--
	if p.busy == 0 && len(p.queue) == 0 {
		p.cond.Broadcast()
	}
}

// Run executes packets as the worker with the given ordinal until Close.
func (p *Pool) Run(ordinal int) {
	w := p.workers[ordinal]
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			return
		}
		p.exec(w, p.pop())
	}
}

// exec runs pk with p.mu released. p.mu is held again when exec returns,
// also when pk panics.
func (p *Pool) exec(w *worker, pk packet) {
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.done()
	}()
	w.do(pk)
}

// Close stops the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// drain helps with the queued work and returns once all of it completed.
func (p *Pool) drain() {
	w := p.controller
	w.closure()
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.queue) > 0 {
			p.exec(w, p.pop())
			continue
		}
		if p.busy == 0 {
			return
		}
		p.cond.Wait()
	}
}

// resetCopyCursors makes every worker start a new block for its next copy.
func (p *Pool) resetCopyCursors() {
	for _, w := range p.workers {
		w.copy = bumpCursor{}
	}
	p.controller.copy = bumpCursor{}
}
