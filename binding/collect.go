package binding

import (
	"time"

	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/engine"
	"github.com/tinygo-org/gcbind/mutator"
)

// Mode selects the kind of collection requested by the program.
type Mode uint8

const (
	// Auto lets the trigger choose between a nursery and a full heap
	// collection.
	Auto Mode = iota
	Full
	// Incremental collects the nursery only, under generational plans.
	Incremental
)

func (m Mode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	default:
		return "invalid"
	}
}

// HandleUserCollectionRequest runs a collection requested by the program.
// While collection is disabled the request is dropped.
func (b *Binding) HandleUserCollectionRequest(m *mutator.Mutator, mode Mode) {
	req := &userRequest{mode: mode}
	b.userRequests.Add(1)
	if mode == Full {
		req.wasFull = b.userFull.Swap(true)
	}
	b.collect(m, mode, req)
}

// userRequest is a pending collection request of the program.
type userRequest struct {
	mode    Mode
	wasFull bool
}

// drop withdraws req from the pending user requests. A nil req is a
// collection asked for by the collector itself.
func (b *Binding) drop(req *userRequest) {
	if req == nil {
		return
	}
	for {
		n := b.userRequests.Load()
		if n <= 0 || b.userRequests.CompareAndSwap(n, n-1) {
			break
		}
	}
	if req.mode == Full {
		b.userFull.Store(req.wasFull)
	}
}

// DisableCollection stops collections until EnableCollection is called as
// many times. A collection in progress finishes before it returns.
func (b *Binding) DisableCollection(m *mutator.Mutator) {
	b.disabled.Add(1)
	b.world.Safepoint()
}

func (b *Binding) EnableCollection(m *mutator.Mutator) {
	if b.disabled.Add(-1) < 0 {
		panic("binding: EnableCollection without DisableCollection")
	}
}

// CollectionEnabled reports whether collections can run.
func (b *Binding) CollectionEnabled() bool {
	return b.disabled.Load() == 0
}

// GCPoll is a safepoint that also starts a collection when the trigger asks
// for one.
func (b *Binding) GCPoll(m *mutator.Mutator) {
	if b.world.Safepoint() {
		return
	}
	if b.trigger.IsGCRequired(b.engine.ReservedBytes(), false) {
		b.collect(m, Auto, nil)
	}
}

// collect stops the world and collects. It returns false when no collection
// ran, or when the caller parked in a collection started by another thread.
func (b *Binding) collect(m *mutator.Mutator, mode Mode, req *userRequest) bool {
	if b.opts.Plan == config.NoGC || b.disabled.Load() > 0 {
		b.drop(req)
		return false
	}
	if !b.world.Stop() {
		return false
	}
	// DisableCollection may have been called while Stop waited for the other
	// mutators.
	if b.disabled.Load() > 0 {
		b.drop(req)
		b.world.Resume()
		return false
	}
	b.registry.LockForPause()

	user := b.userRequests.Swap(0) > 0
	// Nursery requests leave a pending full heap collection for the next one.
	full := false
	if mode != Incremental {
		userFull := b.userFull.Swap(false)
		forced := b.trigger.TakeFullHeap()
		full = mode == Full || userFull || forced
	}

	start := time.Now()
	b.trigger.OnGCStart(b.engine.ReservedBytes(), b.engine.LastCollectionFullHeap())
	var res engine.Result
	b.collector.Run(func() {
		res = b.engine.Collect(full)
	})
	pinned := 0
	if b.conservativeScanning() {
		pinned = b.conservative.Unpin(b.engine)
	}
	end := time.Now()
	b.stats.Record(start, end, res.Full)
	b.trigger.OnGCEnd(res.ReservedAfter, res.ReservedAfter, b.registry.Len(), user)

	b.log.Debug("collection",
		"tid", m.Tid,
		"mode", mode,
		"full", res.Full,
		"freed_blocks", res.FreedBlocks,
		"freed_large", res.FreedLarge,
		"reserved", res.ReservedAfter,
		"conservative_pinned", pinned,
		"pause", end.Sub(start))

	b.registry.UnlockAfterPause()
	b.world.Resume()

	if b.finalizers.HavePending() {
		b.RunFinalizers(false)
	}
	return true
}
