package binding

import (
	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/engine"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/mutator"
	"github.com/tinygo-org/gcbind/slot"
)

// Alloc reserves size bytes for a new object such that (result+offset) is a
// multiple of align. The memory is zeroed. It is a safepoint: the calling
// mutator may park in a collection, or start one when the trigger says so.
//
// When the heap cannot satisfy the request even after a full collection the
// host is told through OutOfMemory and ErrOutOfMemory is returned.
func (b *Binding) Alloc(m *mutator.Mutator, size, align, offset uint64, sem engine.Semantics) (memory.Address, error) {
	b.world.Safepoint()
	if b.trigger.IsGCRequired(b.engine.ReservedBytes(), false) {
		b.collect(m, Auto, nil)
	}

	ref, err := b.engine.Alloc(&m.Alloc, size, align, offset, sem)
	if errors.Is(err, engine.ErrSpaceFull) {
		b.trigger.OnPendingAllocation(size)
		b.collect(m, Full, nil)
		ref, err = b.engine.Alloc(&m.Alloc, size, align, offset, sem)
	}
	if err != nil {
		if errors.Is(err, engine.ErrSpaceFull) {
			b.upcalls.OutOfMemory(m.Tid, size)
			return 0, errors.Wrapf(ErrOutOfMemory, "%d bytes on thread %d", size, m.Tid)
		}
		return 0, err
	}
	b.trigger.NoteAllocation(size)
	return ref, nil
}

// PostAlloc is called once the host wrote the object header.
func (b *Binding) PostAlloc(m *mutator.Mutator, ref memory.Address, sem engine.Semantics) {
	b.engine.PostAlloc(ref, sem)
}

// NeedsWriteBarrier reports whether the host must call WriteBarrier after
// storing a reference into an object. Only generational plans need it.
func (b *Binding) NeedsWriteBarrier() bool {
	return b.engine.NeedsWriteBarrier()
}

// WriteBarrier is called after a reference to target was stored into src.
func (b *Binding) WriteBarrier(m *mutator.Mutator, src, target memory.Address) {
	if !b.engine.NeedsWriteBarrier() || target.IsZero() {
		return
	}
	if b.engine.IsUnlogged(src) {
		b.WriteBarrierSlow(m, src)
	}
}

// WriteBarrierSlow records src without checking its state first. Generated
// code calls it after an inline unlogged check.
func (b *Binding) WriteBarrierSlow(m *mutator.Mutator, src memory.Address) {
	b.engine.WriteBarrier(&m.Alloc, src)
}

// MemoryRegionCopy copies references between two slices of owner's storage
// and applies the barrier to owner.
func (b *Binding) MemoryRegionCopy(m *mutator.Mutator, owner memory.Address, src, dst slot.MemorySlice) {
	slot.Copy(b.mem, src, dst)
	if b.engine.NeedsWriteBarrier() {
		b.engine.WriteBarrier(&m.Alloc, owner)
	}
}

// PinObject keeps ref in place across collections. It reports whether ref
// was not pinned before. Objects outside movable memory never move and
// cannot be pinned.
func (b *Binding) PinObject(ref memory.Address) bool {
	return b.engine.Pin(ref)
}

func (b *Binding) UnpinObject(ref memory.Address) bool {
	return b.engine.Unpin(ref)
}

func (b *Binding) IsPinned(ref memory.Address) bool {
	return b.engine.IsPinned(ref)
}

// PinPointer pins the object that contains addr, which may point into the
// middle of it.
func (b *Binding) PinPointer(addr memory.Address) bool {
	ref, ok := b.engine.FindObject(addr)
	return ok && b.engine.Pin(ref)
}

func (b *Binding) UnpinPointer(addr memory.Address) bool {
	ref, ok := b.engine.FindObject(addr)
	return ok && b.engine.Unpin(ref)
}

func (b *Binding) IsPointerPinned(addr memory.Address) bool {
	ref, ok := b.engine.FindObject(addr)
	return ok && b.engine.IsPinned(ref)
}

// ObjectHash returns the identity hash of ref. It stays the same when the
// object moves.
func (b *Binding) ObjectHash(ref memory.Address) uint64 {
	return b.model.ObjectHash(ref)
}

// PtrHash hashes an address that may point into an object. Addresses outside
// any object hash to themselves.
func (b *Binding) PtrHash(addr memory.Address) uint64 {
	ref, ok := b.engine.FindObject(addr)
	if !ok {
		return uint64(addr)
	}
	return b.model.PtrHash(addr, ref)
}

// RegisterWeakRef makes wr a weak reference: its value field is cleared once
// the referent dies.
func (b *Binding) RegisterWeakRef(wr memory.Address) {
	b.weak.Register(wr)
}
