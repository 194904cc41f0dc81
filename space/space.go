// Package space classifies addresses into the heap regions of the collector.
//
// Region bounds are fixed when the Classifier is created. The only bound that
// may be established later is the VM space, and only once.
package space

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/internal/memory"
)

// Kind is the region an address belongs to.
type Kind uint8

const (
	Unmapped Kind = iota
	LargeObject
	Movable
	NonMoving
	Immortal
	VM
)

func (k Kind) String() string {
	switch k {
	case LargeObject:
		return "large-object"
	case Movable:
		return "movable"
	case NonMoving:
		return "non-moving"
	case Immortal:
		return "immortal"
	case VM:
		return "vm"
	default:
		return "unmapped"
	}
}

// Bounds is a half open address range.
type Bounds struct {
	Start, End memory.Address
}

func (b Bounds) Contains(a memory.Address) bool {
	return a >= b.Start && a < b.End
}

func (b Bounds) Size() uint64 {
	return b.End.Diff(b.Start)
}

func (b Bounds) overlaps(o Bounds) bool {
	return b.Start < o.End && o.Start < b.End
}

// Layout holds the bounds of every space. The VM space is not part of it, see
// Classifier.SetVMSpace.
type Layout struct {
	Movable     Bounds
	Immortal    Bounds
	LargeObject Bounds
	NonMoving   Bounds
}

// DefaultLayout is the address layout the host runtime is built against.
var DefaultLayout = Layout{
	Movable:     Bounds{0x200_0000_0000, 0x400_0000_0000},
	Immortal:    Bounds{0x400_0000_0000, 0x600_0000_0000},
	LargeObject: Bounds{0x600_0000_0000, 0x800_0000_0000},
	NonMoving:   Bounds{0x800_0000_0000, 0xa00_0000_0000},
}

// NativeLimit is the end of the region used for memory that the collector does
// not manage (host malloc, stacks, thread state).
const NativeLimit memory.Address = 0x100_0000_0000

var ErrVMSpaceSet = errors.New("space: vm space already set")

// Classifier maps addresses to spaces.
type Classifier struct {
	layout Layout
	heap   Bounds
	vm     atomic.Pointer[Bounds]
}

// NewClassifier validates l and returns a classifier for it.
func NewClassifier(l Layout) (*Classifier, error) {
	all := []Bounds{l.Movable, l.Immortal, l.LargeObject, l.NonMoving}
	for i, b := range all {
		if b.End <= b.Start {
			return nil, errors.Errorf("space: empty bounds %v..%v", b.Start, b.End)
		}
		if b.Start < NativeLimit {
			return nil, errors.Errorf("space: bounds %v..%v overlap native memory", b.Start, b.End)
		}
		for _, o := range all[i+1:] {
			if b.overlaps(o) {
				return nil, errors.Errorf("space: bounds %v..%v and %v..%v overlap", b.Start, b.End, o.Start, o.End)
			}
		}
	}
	c := &Classifier{layout: l, heap: all[0]}
	for _, b := range all[1:] {
		c.heap.Start = min(c.heap.Start, b.Start)
		c.heap.End = max(c.heap.End, b.End)
	}
	return c, nil
}

// Layout returns the bounds the classifier was created with.
func (c *Classifier) Layout() Layout {
	return c.layout
}

// SetVMSpace records the region of the host's boot image. It can only be set
// once.
func (c *Classifier) SetVMSpace(start memory.Address, size uint64) error {
	b := &Bounds{start, start.Add(size)}
	if b.overlaps(c.heap) {
		return errors.Errorf("space: vm space %v..%v overlaps the heap", b.Start, b.End)
	}
	if !c.vm.CompareAndSwap(nil, b) {
		return ErrVMSpaceSet
	}
	return nil
}

// VMSpace returns the VM space bounds, if set.
func (c *Classifier) VMSpace() (Bounds, bool) {
	b := c.vm.Load()
	if b == nil {
		return Bounds{}, false
	}
	return *b, true
}

// Classify returns the space of a.
func (c *Classifier) Classify(a memory.Address) Kind {
	l := &c.layout
	switch {
	case l.Movable.Contains(a):
		return Movable
	case l.LargeObject.Contains(a):
		return LargeObject
	case l.NonMoving.Contains(a):
		return NonMoving
	case l.Immortal.Contains(a):
		return Immortal
	}
	if vm := c.vm.Load(); vm != nil && vm.Contains(a) {
		return VM
	}
	return Unmapped
}

func (c *Classifier) IsMovable(a memory.Address) bool {
	return c.layout.Movable.Contains(a)
}

func (c *Classifier) IsLargeObject(a memory.Address) bool {
	return c.layout.LargeObject.Contains(a)
}

func (c *Classifier) IsNonMoving(a memory.Address) bool {
	return c.layout.NonMoving.Contains(a)
}

// IsManaged reports whether a is inside the collector's heap range (any space
// except the VM space).
func (c *Classifier) IsManaged(a memory.Address) bool {
	return c.heap.Contains(a)
}

// HeapStart and HeapEnd bound all collector-owned spaces.
func (c *Classifier) HeapStart() memory.Address { return c.heap.Start }
func (c *Classifier) HeapEnd() memory.Address   { return c.heap.End }
