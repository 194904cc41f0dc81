package scan

import (
	"sync"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
)

// Tracer answers liveness questions after the transitive closure.
type Tracer interface {
	IsLive(ref memory.Address) bool
	// Forwarded returns the new address of a live object that moved, or ref.
	Forwarded(ref memory.Address) memory.Address
}

// WeakRefs holds the host weak reference objects. Their value field is not
// traced; after tracing, values that died are replaced by nothing.
type WeakRefs struct {
	mu   sync.Mutex
	refs []memory.Address
}

// Register adds a weak reference object.
func (w *WeakRefs) Register(ref memory.Address) {
	w.mu.Lock()
	w.refs = append(w.refs, ref)
	w.mu.Unlock()
}

func (w *WeakRefs) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.refs)
}

// Process updates every live weak reference and forgets the dead ones. It
// returns the number of references that were cleared.
func (w *WeakRefs) Process(mem *memory.Memory, t Tracer, nothing memory.Address) (cleared int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.refs[:0]
	for _, wr := range w.refs {
		if !t.IsLive(wr) {
			continue
		}
		wr = t.Forwarded(wr)
		kept = append(kept, wr)

		field := wr.Add(objmodel.WeakRefValue)
		v := mem.LoadAddress(field)
		if v.IsZero() || v == nothing {
			continue
		}
		if t.IsLive(v) {
			mem.StoreAddress(field, t.Forwarded(v))
		} else {
			mem.StoreAddress(field, nothing)
			cleared++
		}
	}
	clear(w.refs[len(kept):])
	w.refs = kept
	return cleared
}
