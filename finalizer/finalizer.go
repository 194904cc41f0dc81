// Package finalizer keeps the finalizers registered by the host and decides,
// once per collection, which of them are due.
//
// An entry lives in exactly one place at a time:
//
//	thread-local list -> marked list     (object survived a collection)
//	thread-local list -> to-finalize     (object died)
//	marked list       -> to-finalize     (object died, full heap collections only)
//	to-finalize       -> running         (protected while its callback runs)
//
// Marked entries are skipped by nursery collections until the next full heap
// collection.
package finalizer

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tinygo-org/gcbind/internal/memory"
)

// If true, print verbose debug logs.
const verbose = false

// Entry is an object with its finalizer.
type Entry struct {
	Object memory.Address
	// Finalizer is a host function object, or a native function pointer when
	// IsPtr is set.
	Finalizer memory.Address
	IsPtr     bool
	// Quiescent entries hold native data rather than an object and are due
	// at the next collection.
	Quiescent bool
}

// List is the finalizer list of one mutator.
type List struct {
	mu      sync.Mutex
	entries []Entry
}

// Add registers a finalizer.
func (l *List) Add(e Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the list.
func (l *List) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Tracer is the collector's view during finalizer scanning, after the
// transitive closure.
type Tracer interface {
	IsLive(ref memory.Address) bool
	// TraceObject keeps ref alive and returns its (possibly new) address.
	TraceObject(ref memory.Address) memory.Address
}

// Invoker calls a finalizer.
type Invoker interface {
	RunFinalizer(obj, fin memory.Address, isPtr bool)
}

// Finalizers is the process wide finalizer state.
type Finalizers struct {
	log       *slog.Logger
	invoker   Invoker
	isManaged func(a memory.Address) bool

	mu         sync.RWMutex
	marked     []Entry
	toFinalize []Entry

	pending atomic.Bool
	running atomic.Bool

	rootsMu  sync.RWMutex
	roots    map[uint64]Entry
	nextRoot uint64
}

func New(invoker Invoker, isManaged func(a memory.Address) bool, log *slog.Logger) *Finalizers {
	return &Finalizers{
		log:       log,
		invoker:   invoker,
		isManaged: isManaged,
		roots:     map[uint64]Entry{},
	}
}

// HavePending reports whether to-finalize has entries, without locking.
func (f *Finalizers) HavePending() bool {
	return f.pending.Load()
}

// Running reports whether finalizers are being run.
func (f *Finalizers) Running() bool {
	return f.running.Load()
}

// Counts returns the length of the marked and to-finalize lists.
func (f *Finalizers) Counts() (marked, toFinalize int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.marked), len(f.toFinalize)
}

// Scan sweeps the finalizer lists after the transitive closure and traces
// every object they still reference, so the caller must close over the
// traced objects again. The thread-local lists are always swept; the marked
// list only when full is set.
func (f *Finalizers) Scan(lists []*List, full bool, t Tracer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	origMarked := len(f.marked)
	for _, l := range lists {
		l.mu.Lock()
		l.entries = f.sweep(l.entries, true, t)
		l.mu.Unlock()
	}
	if full {
		f.marked = f.sweep(f.marked, false, t)
		origMarked = 0
	}

	for _, l := range lists {
		l.mu.Lock()
		f.markList(l.entries, t)
		l.mu.Unlock()
	}
	f.markList(f.marked[min(origMarked, len(f.marked)):], t)
	f.markList(f.toFinalize, t)
}

// sweep moves dead entries to to-finalize and, when toMarked is set, entries
// whose object and finalizer are both alive to the marked list. The rest is
// compacted in place.
func (f *Finalizers) sweep(list []Entry, toMarked bool, t Tracer) []Entry {
	kept := list[:0]
	for _, e := range list {
		if e.Object.IsZero() {
			continue
		}
		var freed, old bool
		if e.Quiescent {
			freed = true
		} else {
			freed = !t.IsLive(e.Object)
			old = toMarked && !freed && (e.IsPtr || !f.isManaged(e.Finalizer) || t.IsLive(e.Finalizer))
		}
		switch {
		case freed:
			f.toFinalize = append(f.toFinalize, e)
			f.pending.Store(true)
		case old:
			f.marked = append(f.marked, e)
		default:
			kept = append(kept, e)
		}
	}
	clear(list[len(kept):])
	return kept
}

// markList traces the objects of entries and records where they are now.
func (f *Finalizers) markList(list []Entry, t Tracer) {
	for i := range list {
		e := &list[i]
		if e.Object.IsZero() || e.Quiescent {
			continue
		}
		e.Object = t.TraceObject(e.Object)
		if !e.IsPtr && f.isManaged(e.Finalizer) {
			e.Finalizer = t.TraceObject(e.Finalizer)
		}
	}
}

// ForEachRoot calls fn for every object protected because its finalizer is
// running. They must be reported as pinning roots.
func (f *Finalizers) ForEachRoot(fn func(ref memory.Address)) {
	f.rootsMu.RLock()
	defer f.rootsMu.RUnlock()
	for _, e := range f.roots {
		if !e.Quiescent {
			fn(e.Object)
		}
		if !e.IsPtr && f.isManaged(e.Finalizer) {
			fn(e.Finalizer)
		}
	}
}

// Run runs the due finalizers. Incremental runs call them in the order they
// became due; at exit every registered finalizer is due and they run last
// registered first. A call made while finalizers run (from a finalizer)
// returns immediately.
func (f *Finalizers) Run(atExit bool, lists []*List) int {
	if !f.running.CompareAndSwap(false, true) {
		return 0
	}
	defer f.running.Store(false)

	f.mu.Lock()
	if atExit {
		f.toFinalize = append(f.toFinalize, f.marked...)
		f.marked = nil
		for _, l := range lists {
			l.mu.Lock()
			f.toFinalize = append(f.toFinalize, l.entries...)
			l.entries = nil
			l.mu.Unlock()
		}
	}
	due := f.toFinalize
	f.toFinalize = nil
	f.pending.Store(false)
	f.mu.Unlock()

	if atExit {
		slices.Reverse(due)
	}
	return f.runProtected(due)
}

// RunFor runs the finalizers registered for obj right away.
func (f *Finalizers) RunFor(obj memory.Address, lists []*List) int {
	var due []Entry
	take := func(list []Entry) []Entry {
		kept := list[:0]
		for _, e := range list {
			if e.Object == obj && !e.Quiescent {
				due = append(due, e)
			} else {
				kept = append(kept, e)
			}
		}
		clear(list[len(kept):])
		return kept
	}

	f.mu.Lock()
	for _, l := range lists {
		l.mu.Lock()
		l.entries = take(l.entries)
		l.mu.Unlock()
	}
	f.marked = take(f.marked)
	f.toFinalize = take(f.toFinalize)
	f.pending.Store(len(f.toFinalize) != 0)
	f.mu.Unlock()

	// Most recently registered first.
	slices.Reverse(due)
	return f.runProtected(due)
}

// runProtected runs due in order. Every entry stays in the root set until its
// callback returned, so a collection started by a callback cannot free it.
func (f *Finalizers) runProtected(due []Entry) int {
	if len(due) == 0 {
		return 0
	}
	f.rootsMu.Lock()
	first := f.nextRoot
	for _, e := range due {
		f.roots[f.nextRoot] = e
		f.nextRoot++
	}
	f.rootsMu.Unlock()

	for i, e := range due {
		if verbose {
			println("finalizer: run", e.Object.String())
		}
		f.invoker.RunFinalizer(e.Object, e.Finalizer, e.IsPtr)
		f.rootsMu.Lock()
		delete(f.roots, first+uint64(i))
		f.rootsMu.Unlock()
	}
	f.log.Debug("ran finalizers", "count", len(due))
	return len(due)
}

// RootCount returns the number of protected entries.
func (f *Finalizers) RootCount() int {
	f.rootsMu.RLock()
	defer f.rootsMu.RUnlock()
	return len(f.roots)
}
