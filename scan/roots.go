package scan

import (
	"fmt"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/slot"
)

// PacketSize is the number of roots handed to the collector in one work
// packet.
const PacketSize = 4096

// RootsWorkFactory turns batches of roots into collector work. It takes
// ownership of the slices passed to it.
type RootsWorkFactory interface {
	// CreateProcessRootsWork traces from slots whose referents may move.
	CreateProcessRootsWork(slots []slot.Slot)
	// CreateProcessPinningRootsWork keeps nodes in place for this collection.
	// Their children may move.
	CreateProcessPinningRootsWork(nodes []memory.Address)
	// CreateProcessTPinningRootsWork keeps nodes and everything reachable
	// from them in place.
	CreateProcessTPinningRootsWork(nodes []memory.Address)
}

// InvalidRootError is the panic value for a root that cannot be a reference.
type InvalidRootError struct {
	Slot memory.Address // 0 for node roots
	Ref  memory.Address
	// NotObject is set when Ref is aligned but no object starts there.
	NotObject bool
}

func (e *InvalidRootError) Error() string {
	what := "is not aligned to 8 or 16"
	if e.NotObject {
		what = "is not a valid object"
	}
	if e.Slot.IsZero() {
		return fmt.Sprintf("scan: root %v %s", e.Ref, what)
	}
	return fmt.Sprintf("scan: object %v in slot %v %s", e.Ref, e.Slot, what)
}

type packet[T any] struct {
	buf  []T
	emit func([]T)
}

func (p *packet[T]) add(v T) {
	if p.buf == nil {
		p.buf = make([]T, 0, PacketSize)
	}
	p.buf = append(p.buf, v)
	if len(p.buf) == PacketSize {
		p.flush()
	}
}

func (p *packet[T]) flush() {
	if len(p.buf) == 0 {
		return
	}
	p.emit(p.buf)
	p.buf = nil
}

// Roots batches the roots of a collection into packets of PacketSize entries.
// It is used by one goroutine at a time; call Flush when done.
type Roots struct {
	mem      *memory.Memory
	valid    func(ref memory.Address) bool
	slots    packet[slot.Slot]
	pinning  packet[memory.Address]
	tpinning packet[memory.Address]
}

func NewRoots(mem *memory.Memory, f RootsWorkFactory) *Roots {
	r := &Roots{mem: mem}
	r.slots.emit = f.CreateProcessRootsWork
	r.pinning.emit = f.CreateProcessPinningRootsWork
	r.tpinning.emit = f.CreateProcessTPinningRootsWork
	return r
}

// CheckWith makes AddSlot verify root references with valid in builds with
// memory.Asserts.
func (r *Roots) CheckWith(valid func(ref memory.Address) bool) {
	r.valid = valid
}

// AddSlot reports a root slot. Empty slots are dropped.
func (r *Roots) AddSlot(s slot.Slot) {
	ref := s.Load(r.mem)
	if ref.IsZero() {
		return
	}
	if !s.Address().IsAligned(memory.WordSize) || !ref.IsAligned(memory.WordSize) {
		panic(&InvalidRootError{Slot: s.Address(), Ref: ref})
	}
	if memory.Asserts && r.valid != nil && !r.valid(ref) {
		panic(&InvalidRootError{Slot: s.Address(), Ref: ref, NotObject: true})
	}
	r.slots.add(s)
}

// AddPinning reports an object that must not move in this collection.
func (r *Roots) AddPinning(ref memory.Address) {
	if checkNode(ref) {
		r.pinning.add(ref)
	}
}

// AddTPinning reports an object that must not move, together with everything
// it reaches.
func (r *Roots) AddTPinning(ref memory.Address) {
	if checkNode(ref) {
		r.tpinning.add(ref)
	}
}

func checkNode(ref memory.Address) bool {
	if ref.IsZero() {
		return false
	}
	if !ref.IsAligned(memory.WordSize) {
		panic(&InvalidRootError{Ref: ref})
	}
	return true
}

// Flush hands the remaining partial packets to the factory. Pinning roots
// go first.
func (r *Roots) Flush() {
	r.tpinning.flush()
	r.pinning.flush()
	r.slots.flush()
}

// SlotVisitor reports visited slots as root slots.
func (r *Roots) SlotVisitor() Visitor {
	return VisitorFunc(r.AddSlot)
}

// PinningVisitor reports the referents of visited slots as pinning roots.
func (r *Roots) PinningVisitor() Visitor {
	return VisitorFunc(func(s slot.Slot) {
		r.AddPinning(s.Load(r.mem))
	})
}

// ScanThreadRoots reports the roots held by the thread-local state block tls
// of a mutator: its tasks, pending tasks, backtrace buffer, previous exception
// and the shadow stack of the running task.
func (s *Scanner) ScanThreadRoots(tls memory.Address, r *Roots) error {
	sv := r.SlotVisitor()
	for _, off := range []uint64{
		objmodel.TLSRootTask,
		objmodel.TLSCurrentTask,
		objmodel.TLSNextTask,
		objmodel.TLSPreviousTask,
	} {
		r.AddSlot(slot.Simple(tls.Add(off)))
	}

	n := s.mem.LoadWord(tls.Add(objmodel.TLSHeapLen))
	if items := s.mem.LoadAddress(tls.Add(objmodel.TLSHeapItems)); !items.IsZero() {
		slot.MemorySlice{Start: items, Count: n}.Each(r.AddSlot)
	}

	btSize := s.mem.LoadWord(tls.Add(objmodel.TLSBtSize))
	if data := s.mem.LoadAddress(tls.Add(objmodel.TLSBtData)); !data.IsZero() {
		s.ScanBacktrace(data, btSize, sv)
	}
	r.AddSlot(slot.Simple(tls.Add(objmodel.TLSPreviousException)))

	if task := s.mem.LoadAddress(tls.Add(objmodel.TLSCurrentTask)); !task.IsZero() {
		if err := s.ScanGCStack(task, sv, r.PinningVisitor()); err != nil {
			return err
		}
	}
	return nil
}
