package engine

import (
	"runtime"

	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/slot"
	"github.com/tinygo-org/gcbind/space"
)

type item struct {
	ref memory.Address
	// inPlace objects are scanned without moving their children.
	inPlace bool
}

// worker is the tracing state of one GC thread.
type worker struct {
	e       *Engine
	ordinal int
	copy    bumpCursor
	stack   []item
}

func newWorker(e *Engine, ordinal int) *worker {
	return &worker{e: e, ordinal: ordinal}
}

func (w *worker) do(pk packet) {
	if gcDebug {
		println("worker", w.ordinal, "packet", pk.kind.String(), len(pk.slots)+len(pk.nodes))
	}
	switch pk.kind {
	case processSlots:
		for _, s := range pk.slots {
			w.processSlot(s)
		}
	case scanNodes:
		for _, ref := range pk.nodes {
			w.scan(item{ref: ref})
		}
	case pinNodes:
		for _, ref := range pk.nodes {
			if w.markInPlace(ref) {
				w.push(item{ref: ref})
			}
		}
	case tpinNodes:
		for _, ref := range pk.nodes {
			if w.markInPlace(ref) {
				w.push(item{ref: ref, inPlace: true})
			}
		}
	}
	w.closure()
}

// closure scans everything reachable from the local stack.
func (w *worker) closure() {
	for len(w.stack) > 0 {
		it := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]
		w.scan(it)
	}
}

func (w *worker) push(it item) {
	w.stack = append(w.stack, it)
	if len(w.stack) < shareThreshold || it.inPlace {
		return
	}
	// Hand the older half to the pool. In place items stay local.
	half := w.stack[:len(w.stack)/2]
	var nodes []memory.Address
	kept := w.stack[:0:0]
	for _, it := range half {
		if it.inPlace {
			kept = append(kept, it)
		} else {
			nodes = append(nodes, it.ref)
		}
	}
	w.stack = append(kept, w.stack[len(half):]...)
	w.e.pool.push(packet{kind: scanNodes, nodes: nodes})
}

// VisitSlot implements SlotVisitor for objects traced normally.
func (w *worker) VisitSlot(s slot.Slot) {
	w.processSlot(s)
}

type inPlaceVisitor struct{ w *worker }

func (v inPlaceVisitor) VisitSlot(s slot.Slot) {
	ref := s.Load(v.w.e.mem)
	if ref != 0 && v.w.markInPlace(ref) {
		v.w.push(item{ref: ref, inPlace: true})
	}
}

func (w *worker) scan(it item) {
	var v SlotVisitor = w
	if it.inPlace {
		v = inPlaceVisitor{w}
	}
	if err := w.e.vm.ScanObject(it.ref, v); err != nil {
		panic(err)
	}
}

func (w *worker) processSlot(s slot.Slot) {
	mem := w.e.mem
	ref := s.Load(mem)
	if ref.IsZero() {
		return
	}
	if memory.Asserts && !w.e.IsValidRef(ref) {
		panic(&InvalidRefError{Slot: s.Address(), Ref: ref, Space: w.e.space.Classify(ref)})
	}
	if to := w.trace(ref); to != ref {
		s.Store(mem, to)
	}
}

// markInPlace marks ref without moving it and reports whether it was newly
// marked. Objects outside the spaces are never scanned.
func (w *worker) markInPlace(ref memory.Address) bool {
	e := w.e
	if e.space.Classify(ref) == space.Unmapped {
		return false
	}
	return e.meta.Set(ref, sidemeta.Mark)
}

// trace keeps ref alive and returns where it lives now.
func (w *worker) trace(ref memory.Address) memory.Address {
	e := w.e
	switch e.space.Classify(ref) {
	case space.Movable:
		return w.traceMovable(ref)
	case space.Unmapped:
		return ref
	}
	if e.meta.Set(ref, sidemeta.Mark) {
		w.push(item{ref: ref})
	}
	return ref
}

// traceMovable copies ref unless it is pinned or already live in place. The
// first worker to claim the forwarding bits copies; the others wait for the
// forwarding pointer.
func (w *worker) traceMovable(ref memory.Address) memory.Address {
	e := w.e
	meta := e.meta
	if meta.Test(ref, sidemeta.Mark) {
		return ref
	}
	if meta.Test(ref, sidemeta.Pin) {
		if meta.Set(ref, sidemeta.Mark) {
			w.push(item{ref: ref})
		}
		return ref
	}
	for {
		switch meta.Field(ref, sidemeta.ForwardingMask, sidemeta.ForwardingShift) {
		case sidemeta.Forwarded:
			return e.mem.LoadAddress(objmodel.RefToHeader(ref))
		case sidemeta.BeingForwarded:
			runtime.Gosched()
			continue
		}
		if meta.CompareAndSwapField(ref, sidemeta.ForwardingMask, sidemeta.ForwardingShift, sidemeta.NotForwarded, sidemeta.BeingForwarded) {
			break
		}
	}

	to, err := e.vm.Copy(ref, w)
	if err != nil {
		panic(err)
	}
	e.mem.StoreAddress(objmodel.RefToHeader(ref), to)
	meta.Update(ref, sidemeta.ForwardingMask, sidemeta.Forwarded<<sidemeta.ForwardingShift)
	w.push(item{ref: to})
	return to
}

// AllocCopy implements objmodel.CopyContext.
func (w *worker) AllocCopy(from memory.Address, size, align, offset uint64) memory.Address {
	return w.e.movable.allocCopy(&w.copy, size, align, offset)
}

// PostCopy implements objmodel.CopyContext. Copies are live in place for the
// rest of the collection.
func (w *worker) PostCopy(to memory.Address, size uint64) {
	w.e.meta.Set(to, sidemeta.ValidObject|sidemeta.Mark)
}

// finalTracer traces objects for the finalizer stage on the controller.
type finalTracer struct{ w *worker }

func (t finalTracer) IsLive(ref memory.Address) bool {
	return t.w.e.IsLive(ref)
}

func (t finalTracer) TraceObject(ref memory.Address) memory.Address {
	if ref.IsZero() {
		return ref
	}
	return t.w.trace(ref)
}
