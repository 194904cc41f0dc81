package scan

import (
	"log/slog"
	"sync"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/space"
)

// GuardBytes is the guard region at the low end of a task stack. It is never
// mapped and is skipped by ScanTaskStack.
const GuardBytes = 4096 * 8

// ObjectFinder resolves interior pointers into the movable space.
type ObjectFinder interface {
	// FindObject returns the object that contains addr, if any.
	FindObject(addr memory.Address) (memory.Address, bool)
}

// Pinner pins objects for the duration of a collection.
type Pinner interface {
	// Pin pins ref and reports whether it was not pinned before.
	Pin(ref memory.Address) bool
	Unpin(ref memory.Address) bool
	IsLive(ref memory.Address) bool
}

// ConservativeRoots collects the objects found by scanning memory without type
// information: native stacks and saved registers. Every word that points into
// a movable object keeps that object alive and in place.
//
// The set is filled before the world is stopped or while it is stopped, and
// emptied by Unpin at the end of the collection.
type ConservativeRoots struct {
	mem    *memory.Memory
	space  *space.Classifier
	finder ObjectFinder
	log    *slog.Logger

	mu     sync.Mutex
	roots  map[memory.Address]struct{}
	pinned []memory.Address
}

func NewConservativeRoots(mem *memory.Memory, cls *space.Classifier, finder ObjectFinder, log *slog.Logger) *ConservativeRoots {
	return &ConservativeRoots{
		mem:    mem,
		space:  cls,
		finder: finder,
		log:    log,
		roots:  map[memory.Address]struct{}{},
	}
}

// ScanRange scans the words of [lo, hi), highest first.
func (c *ConservativeRoots) ScanRange(lo, hi memory.Address) {
	if hi.IsAligned(memory.WordSize) {
		hi = hi.Sub(memory.WordSize)
	} else {
		hi = hi.AlignDown(memory.WordSize)
	}
	lo = lo.AlignUp(memory.WordSize)
	var found []memory.Address
	for cur := hi; cur >= lo && !cur.IsZero(); cur = cur.Sub(memory.WordSize) {
		if obj, ok := c.potentialObject(c.mem.LoadAddress(cur)); ok {
			found = append(found, obj)
		}
	}
	if len(found) == 0 {
		return
	}
	c.mu.Lock()
	for _, obj := range found {
		c.roots[obj] = struct{}{}
	}
	c.mu.Unlock()
}

// ScanTaskStack scans the active part of a task stack, skipping its guard
// region.
func (c *ConservativeRoots) ScanTaskStack(lo, hi memory.Address) {
	if lo.IsZero() {
		c.log.Warn("skip task stack without range")
		return
	}
	c.log.Debug("conservatively scan task stack", "lo", lo, "hi", hi)
	c.ScanRange(lo.Add(GuardBytes), hi)
}

// potentialObject returns the object a word may point to. Objects outside the
// movable space are never moved, so they need no pinning.
func (c *ConservativeRoots) potentialObject(v memory.Address) (memory.Address, bool) {
	if !c.space.IsMovable(v) {
		return 0, false
	}
	return c.finder.FindObject(v)
}

// Add records ref as a conservative root.
func (c *ConservativeRoots) Add(ref memory.Address) {
	c.mu.Lock()
	c.roots[ref] = struct{}{}
	c.mu.Unlock()
}

// Len returns the number of roots found so far.
func (c *ConservativeRoots) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.roots)
}

// Pin pins every root and returns all of them, to be reported as pinning
// roots. Only roots that were not pinned already are unpinned later.
func (c *ConservativeRoots) Pin(p Pinner) []memory.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := make([]memory.Address, 0, len(c.roots))
	for obj := range c.roots {
		all = append(all, obj)
		if p.Pin(obj) {
			c.pinned = append(c.pinned, obj)
		}
	}
	c.log.Debug("conservative roots", "roots", len(all), "pinned", len(c.pinned))
	return all
}

// Unpin unpins the roots pinned by Pin that survived the collection and
// empties the set. Dead roots are dropped without unpinning them.
func (c *ConservativeRoots) Unpin(p Pinner) (live int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, obj := range c.pinned {
		if p.IsLive(obj) {
			live++
			p.Unpin(obj)
		}
	}
	c.log.Debug("conservative roots unpinned", "pinned", len(c.pinned), "live", live)
	c.pinned = c.pinned[:0]
	clear(c.roots)
	return live
}
