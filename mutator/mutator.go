// Package mutator keeps track of the threads that allocate in the heap.
//
// A host thread is bound to a Mutator when it starts (Bind), finishes its
// setup (PostBind) and is destroyed when it exits (Destroy). Registration and
// unregistration block while the world is stopped, so iteration during a
// pause always sees a stable set.
package mutator

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/engine"
	"github.com/tinygo-org/gcbind/finalizer"
	"github.com/tinygo-org/gcbind/internal/memory"
)

// ErrNotRegistered is returned when destroying a mutator twice.
var ErrNotRegistered = errors.New("mutator: not registered")

// Mutator is the collector state of one host thread.
type Mutator struct {
	// Tid is the host thread id.
	Tid int16
	// TLS is the address of the thread-local state block.
	TLS memory.Address

	// StackLo and StackHi bound the native stack, scanned conservatively.
	StackLo, StackHi memory.Address

	Alloc      engine.Allocators
	Finalizers finalizer.List

	ready bool
}

// Ready reports whether PostBind completed.
func (m *Mutator) Ready() bool { return m.ready }

// Registry is the process wide mutator table.
type Registry struct {
	// stw is held for the whole stop-the-world pause.
	stw sync.Mutex

	mu       sync.RWMutex
	mutators map[int16]*Mutator
}

func NewRegistry() *Registry {
	return &Registry{mutators: map[int16]*Mutator{}}
}

// Bind creates the mutator of a starting thread. It blocks while the world
// is stopped.
func (r *Registry) Bind(tid int16, tls memory.Address) (*Mutator, error) {
	r.stw.Lock()
	defer r.stw.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mutators[tid]; ok {
		return nil, errors.Errorf("mutator: thread %d already bound", tid)
	}
	m := &Mutator{Tid: tid, TLS: tls}
	r.mutators[tid] = m
	return m, nil
}

// PostBind records the native stack bounds once the thread set them up.
func (r *Registry) PostBind(m *Mutator, stackLo, stackHi memory.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.StackLo, m.StackHi = stackLo, stackHi
	m.ready = true
}

// Destroy unregisters an exiting thread. Its finalizers move to adopt, which
// is usually the list of another thread, so they are not lost.
func (r *Registry) Destroy(m *Mutator, adopt *finalizer.List) error {
	r.stw.Lock()
	defer r.stw.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutators[m.Tid] != m {
		return errors.Wrapf(ErrNotRegistered, "thread %d", m.Tid)
	}
	delete(r.mutators, m.Tid)
	m.Alloc.Reset()
	if adopt != nil {
		for _, e := range m.Finalizers.Entries() {
			adopt.Add(e)
		}
	}
	return nil
}

// Lookup returns the mutator of a thread.
func (r *Registry) Lookup(tid int16) (*Mutator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mutators[tid]
	return m, ok
}

// Len returns the number of registered mutators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mutators)
}

// ForEach calls fn for every mutator, in thread id order.
func (r *Registry) ForEach(fn func(m *Mutator)) {
	r.mu.RLock()
	ms := make([]*Mutator, 0, len(r.mutators))
	for _, m := range r.mutators {
		ms = append(ms, m)
	}
	r.mu.RUnlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].Tid < ms[j].Tid })
	for _, m := range ms {
		fn(m)
	}
}

// FinalizerLists returns the finalizer list of every mutator.
func (r *Registry) FinalizerLists() []*finalizer.List {
	var lists []*finalizer.List
	r.ForEach(func(m *Mutator) {
		lists = append(lists, &m.Finalizers)
	})
	return lists
}

// LockForPause blocks registration until UnlockAfterPause.
func (r *Registry) LockForPause() {
	r.stw.Lock()
}

func (r *Registry) UnlockAfterPause() {
	r.stw.Unlock()
}
