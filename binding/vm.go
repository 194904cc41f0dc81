package binding

import (
	"github.com/tinygo-org/gcbind/engine"
	"github.com/tinygo-org/gcbind/finalizer"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/mutator"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/scan"
)

// The engine sees the host's objects through these methods.

func (b *Binding) ObjectStart(ref memory.Address) memory.Address {
	return b.model.ObjectStart(ref)
}

func (b *Binding) CurrentSize(ref memory.Address) (uint64, error) {
	return b.model.CurrentSize(ref)
}

func (b *Binding) Copy(from memory.Address, ctx objmodel.CopyContext) (memory.Address, error) {
	return b.model.Copy(from, ctx)
}

func (b *Binding) ScanObject(ref memory.Address, v engine.SlotVisitor) error {
	return b.scanner.ScanObject(ref, v)
}

// ScanRoots reports the roots of every mutator, the host roots, the objects
// of running finalizers and the conservative roots.
func (b *Binding) ScanRoots(f engine.RootsFactory) error {
	r := scan.NewRoots(b.mem, f)
	r.CheckWith(b.engine.IsValidRef)
	var err error
	b.registry.ForEach(func(m *mutator.Mutator) {
		if err != nil {
			return
		}
		err = b.scanner.ScanThreadRoots(m.TLS, r)
		if err == nil && m.Ready() && b.conservativeScanning() {
			b.conservative.ScanTaskStack(m.StackLo, m.StackHi)
		}
	})
	if err != nil {
		return err
	}
	b.upcalls.ScanVMRoots(r)
	b.finalizers.ForEachRoot(r.AddPinning)
	if b.conservativeScanning() {
		for _, ref := range b.conservative.Pin(b.engine) {
			r.AddPinning(ref)
		}
	}
	r.Flush()
	return nil
}

// finalizerLists returns the lists of every thread and of exited threads.
func (b *Binding) finalizerLists() []*finalizer.List {
	return append(b.registry.FinalizerLists(), &b.orphans)
}

func (b *Binding) ProcessFinalizers(full bool, t engine.ObjectTracer) {
	b.finalizers.Scan(b.finalizerLists(), full, t)
}

func (b *Binding) ProcessWeakRefs(l engine.Liveness) {
	cleared := b.weak.Process(b.mem, l, b.types.Nothing)
	b.upcalls.SweepMalloced(l)
	if cleared > 0 {
		b.log.Debug("weak references cleared", "count", cleared)
	}
}

func (b *Binding) ForEachMutator(fn func(a *engine.Allocators)) {
	b.registry.ForEach(func(m *mutator.Mutator) {
		fn(&m.Alloc)
	})
}

// RunFinalizer implements finalizer.Invoker.
func (b *Binding) RunFinalizer(obj, fin memory.Address, isPtr bool) {
	b.upcalls.RunFinalizer(obj, fin, isPtr)
}
