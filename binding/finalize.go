package binding

import (
	"github.com/tinygo-org/gcbind/finalizer"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/mutator"
)

// RegisterFinalizer adds a finalizer for obj to the list of the calling
// thread. fin is a host function object, or a native function when isPtr is
// set.
func (b *Binding) RegisterFinalizer(m *mutator.Mutator, obj, fin memory.Address, isPtr bool) {
	m.Finalizers.Add(finalizer.Entry{Object: obj, Finalizer: fin, IsPtr: isPtr})
}

// RegisterQuiescentFinalizer schedules fn(data) for the next collection.
// data is not an object and is not traced.
func (b *Binding) RegisterQuiescentFinalizer(m *mutator.Mutator, data, fn memory.Address) {
	m.Finalizers.Add(finalizer.Entry{Object: data, Finalizer: fn, IsPtr: true, Quiescent: true})
}

// RunFinalizers runs the finalizers that became due. At exit every
// registered finalizer runs. It returns how many ran.
func (b *Binding) RunFinalizers(atExit bool) int {
	return b.finalizers.Run(atExit, b.finalizerLists())
}

// RunFinalizersForObject runs the finalizers of obj now.
func (b *Binding) RunFinalizersForObject(obj memory.Address) int {
	return b.finalizers.RunFor(obj, b.finalizerLists())
}

// PendingFinalizers reports whether finalizers are waiting to run.
func (b *Binding) PendingFinalizers() bool {
	return b.finalizers.HavePending()
}

// Finalizers returns the finalizer state.
func (b *Binding) Finalizers() *finalizer.Finalizers {
	return b.finalizers
}
