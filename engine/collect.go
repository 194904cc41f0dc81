package engine

import (
	"time"

	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/slot"
)

// Result summarizes one collection.
type Result struct {
	Full          bool
	FreedBlocks   int // movable blocks returned to the free list
	FreedLarge    int // large objects freed
	ReservedAfter uint64
	Duration      time.Duration
}

// rootsFactory buffers the root packets reported during ScanRoots, so that
// they can be released stage by stage.
type rootsFactory struct {
	slots    []packet
	pinning  []packet
	tpinning []packet
}

func (f *rootsFactory) CreateProcessRootsWork(slots []slot.Slot) {
	f.slots = append(f.slots, packet{kind: processSlots, slots: slots})
}

func (f *rootsFactory) CreateProcessPinningRootsWork(nodes []memory.Address) {
	f.pinning = append(f.pinning, packet{kind: pinNodes, nodes: nodes})
}

func (f *rootsFactory) CreateProcessTPinningRootsWork(nodes []memory.Address) {
	f.tpinning = append(f.tpinning, packet{kind: tpinNodes, nodes: nodes})
}

// Collect runs one collection while the world is stopped. Non generational
// plans always collect the full heap. Under NoGC nothing happens.
//
// Roots are processed in stages: transitively pinning roots first, then
// pinning roots, then plain root slots, so that nothing that must stay in
// place was moved by an earlier stage. Errors from the VM abort the
// collection with a panic.
func (e *Engine) Collect(full bool) Result {
	if e.plan == config.NoGC {
		return Result{Full: true, ReservedAfter: e.ReservedBytes()}
	}
	start := time.Now()
	if !e.plan.Generational() {
		full = true
	}
	e.gcMu.Lock()
	e.collecting = true
	e.gcMu.Unlock()

	e.prepare(full)

	f := &rootsFactory{}
	if err := e.vm.ScanRoots(f); err != nil {
		panic(err)
	}
	e.stage(f.tpinning)
	e.stage(f.pinning)
	if !full {
		e.processModBufs()
	}
	e.stage(f.slots)

	ctl := e.pool.controller
	e.vm.ProcessFinalizers(full, finalTracer{ctl})
	e.pool.drain()

	e.vm.ProcessWeakRefs(e)

	res := e.release(full)
	res.Duration = time.Since(start)
	e.log.Debug("collection done",
		"full", full,
		"freed_blocks", res.FreedBlocks,
		"freed_large", res.FreedLarge,
		"reserved", res.ReservedAfter,
		"duration", res.Duration)
	return res
}

func (e *Engine) stage(pks []packet) {
	for _, pk := range pks {
		e.pool.push(pk)
	}
	e.pool.drain()
}

func (e *Engine) prepare(full bool) {
	e.vm.ForEachMutator(func(a *Allocators) {
		a.Reset()
		if full {
			// A full collection traces everything; the logged objects only
			// need their barrier armed again.
			for _, ref := range a.modbuf {
				e.meta.Set(ref, sidemeta.Unlogged)
			}
			a.modbuf = a.modbuf[:0]
		}
	})
	e.pool.resetCopyCursors()
	if !full {
		return
	}
	e.movable.prepare()
	e.nonMoving.prepare()
	e.los.prepare()
	e.immortal.prepare()
	e.prepareVMSpace()
}

// processModBufs treats the slots of every logged old object as roots.
func (e *Engine) processModBufs() {
	var slots []slot.Slot
	flush := func() {
		if len(slots) > 0 {
			e.pool.push(packet{kind: processSlots, slots: slots})
			slots = nil
		}
	}
	v := slotCollector(func(s slot.Slot) {
		slots = append(slots, s)
		if len(slots) >= shareThreshold {
			flush()
		}
	})
	e.vm.ForEachMutator(func(a *Allocators) {
		for _, ref := range a.modbuf {
			e.meta.Set(ref, sidemeta.Unlogged)
			if err := e.vm.ScanObject(ref, v); err != nil {
				panic(err)
			}
		}
		a.modbuf = a.modbuf[:0]
	})
	flush()
}

type slotCollector func(s slot.Slot)

func (f slotCollector) VisitSlot(s slot.Slot) { f(s) }

func (e *Engine) release(full bool) Result {
	log := e.plan.Generational()
	res := Result{Full: full}
	res.FreedBlocks = e.movable.release(log)
	e.nonMoving.release(log)
	res.FreedLarge = e.los.release(log)
	e.pool.resetCopyCursors()
	res.ReservedAfter = e.ReservedBytes()

	e.gcMu.Lock()
	e.collecting = false
	e.collections++
	if full {
		e.fullHeapCount++
	}
	e.lastFull = full
	e.gcMu.Unlock()
	return res
}
