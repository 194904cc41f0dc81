package collector

import (
	"sync"
	"sync/atomic"
)

// If true, print verbose debug logs.
const verbose = false

// State is the phase of the stop-the-world protocol.
type State int32

const (
	Running State = iota
	GCRequested
	WorldStopped
	Collecting
	WorldResuming
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case GCRequested:
		return "gc-requested"
	case WorldStopped:
		return "world-stopped"
	case Collecting:
		return "collecting"
	default:
		return "world-resuming"
	}
}

// World tracks which mutators run managed code and stops them for a
// collection.
//
// A mutator is active between Enter and Leave. Active mutators must call
// Safepoint regularly; once a collection is requested they park there. The
// world has stopped when no mutator is active. Threads blocked in native code
// Leave first and Enter again afterwards, so they never hold up a pause.
type World struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state atomic.Int32

	blockForGC atomic.Bool
	stopped    atomic.Bool

	active int
	// epoch counts completed pauses. Parked mutators wait for it to change.
	epoch uint64
}

func NewWorld() *World {
	w := &World{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// State returns the current phase.
func (w *World) State() State {
	return State(w.state.Load())
}

func (w *World) setState(s State) {
	if verbose {
		println("world:", w.State().String(), "->", s.String())
	}
	w.state.Store(int32(s))
}

// BlockForGC reports whether a collection was requested. It is cheap enough
// for allocation fast paths.
func (w *World) BlockForGC() bool {
	return w.blockForGC.Load()
}

// HasStopped reports whether every mutator is parked.
func (w *World) HasStopped() bool {
	return w.stopped.Load()
}

// Active returns the number of mutators running managed code.
func (w *World) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Enter marks the calling thread as running managed code. It waits for a
// pause in progress to finish.
func (w *World) Enter() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.blockForGC.Load() {
		w.cond.Wait()
	}
	w.active++
}

// Leave marks the calling thread as no longer touching managed memory.
func (w *World) Leave() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active--
	w.cond.Broadcast()
}

// Safepoint parks the calling mutator while a collection is requested or
// running. It reports whether it parked.
func (w *World) Safepoint() bool {
	if !w.blockForGC.Load() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.blockForGC.Load() {
		return false
	}
	w.park()
	return true
}

// park waits for the current pause to end. The caller holds w.mu.
func (w *World) park() {
	w.active--
	w.cond.Broadcast()
	epoch := w.epoch
	for w.epoch == epoch {
		w.cond.Wait()
	}
	w.active++
}

// Stop requests a pause and waits until every other mutator parked. When
// another thread requested a pause first, the caller parks in it instead and
// Stop returns false: that pause already did the work.
func (w *World) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.blockForGC.Load() {
		w.park()
		return false
	}
	w.blockForGC.Store(true)
	w.setState(GCRequested)

	// The requester is stopped too.
	w.active--
	for w.active > 0 {
		w.cond.Wait()
	}
	w.stopped.Store(true)
	w.setState(WorldStopped)
	return true
}

// Resume ends a pause started by Stop and wakes every parked mutator.
func (w *World) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setState(WorldResuming)
	w.stopped.Store(false)
	w.blockForGC.Store(false)
	w.epoch++
	w.active++
	w.setState(Running)
	w.cond.Broadcast()
}
