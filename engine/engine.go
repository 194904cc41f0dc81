// Package engine is the memory manager under the binding: it owns the heap
// spaces, allocates, and runs collections for one of the plans NoGC,
// MarkSweep, Immix and StickyImmix.
//
// The engine knows nothing about host objects. Sizes, copying and scanning go
// through the VM interface, implemented by the binding.
//
// Spaces:
//
//   - movable: 32 KiB blocks, bump allocated per mutator. Collections
//     evacuate live objects into fresh blocks unless they are pinned. Blocks
//     left without live objects are freed.
//   - non-moving: a block heap with free range lists and a mark/sweep cycle.
//   - large objects: page aligned, never moved, freed individually.
//   - immortal: bump allocated, never freed.
//
// Liveness and forwarding use the side metadata: the valid-object bit marks
// object references, the mark bit marks objects that are live in place and
// the forwarding bits claim an object for copying.
package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/slot"
	"github.com/tinygo-org/gcbind/space"
)

const gcDebug = false

var (
	// ErrSpaceFull is returned by Alloc when the heap budget or a space is
	// exhausted. A collection may help.
	ErrSpaceFull = errors.New("engine: space full")
	// ErrTooLarge is returned for a request no space can hold.
	ErrTooLarge = errors.New("engine: allocation too large")
)

// Semantics selects the space of an allocation.
type Semantics uint8

const (
	Default Semantics = iota
	NonMoving
	Large
	Immortal
)

func (s Semantics) String() string {
	switch s {
	case Default:
		return "default"
	case NonMoving:
		return "non-moving"
	case Large:
		return "large"
	default:
		return "immortal"
	}
}

// SlotVisitor receives the slots of a scanned object.
type SlotVisitor interface {
	VisitSlot(s slot.Slot)
}

// RootsFactory receives the roots of a collection.
type RootsFactory interface {
	CreateProcessRootsWork(slots []slot.Slot)
	CreateProcessPinningRootsWork(nodes []memory.Address)
	CreateProcessTPinningRootsWork(nodes []memory.Address)
}

// ObjectTracer keeps objects alive after the transitive closure, for
// finalizers.
type ObjectTracer interface {
	IsLive(ref memory.Address) bool
	TraceObject(ref memory.Address) memory.Address
}

// Liveness answers questions about the result of a collection.
type Liveness interface {
	IsLive(ref memory.Address) bool
	Forwarded(ref memory.Address) memory.Address
}

// VM is what the engine needs from the binding.
type VM interface {
	ObjectStart(ref memory.Address) memory.Address
	CurrentSize(ref memory.Address) (uint64, error)
	Copy(from memory.Address, ctx objmodel.CopyContext) (memory.Address, error)
	ScanObject(ref memory.Address, v SlotVisitor) error

	// ScanRoots reports every root. The world is stopped.
	ScanRoots(f RootsFactory) error
	// ProcessFinalizers runs after the transitive closure. Objects traced
	// through t are closed over again afterwards.
	ProcessFinalizers(full bool, t ObjectTracer)
	// ProcessWeakRefs runs once liveness is final.
	ProcessWeakRefs(l Liveness)

	// ForEachMutator visits the allocation state of every mutator.
	ForEachMutator(fn func(a *Allocators))
}

// Options configures an Engine.
type Options struct {
	Plan    config.Plan
	Threads int
	// MaxHeap bounds the reserved bytes of all spaces together. 0 means
	// only the space bounds limit the heap.
	MaxHeap uint64
	Logger  *slog.Logger
}

// Engine is one heap.
type Engine struct {
	plan    config.Plan
	mem     *memory.Memory
	meta    *sidemeta.Table
	space   *space.Classifier
	vm      VM
	log     *slog.Logger
	maxHeap uint64

	movable   *movableSpace
	nonMoving *blockHeap
	los       *largeObjectSpace
	immortal  *immortalSpace

	pool *Pool

	// State of the collection in progress.
	gcMu          sync.Mutex
	collecting    bool
	lastFull      bool
	collections   uint64
	fullHeapCount uint64
}

func New(mem *memory.Memory, meta *sidemeta.Table, cls *space.Classifier, vm VM, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	l := cls.Layout()
	e := &Engine{
		plan:     opts.Plan,
		mem:      mem,
		meta:     meta,
		space:    cls,
		vm:       vm,
		log:      opts.Logger.With("component", "engine"),
		maxHeap:  opts.MaxHeap,
		lastFull: true,
	}
	e.movable = newMovableSpace(e, l.Movable)
	e.nonMoving = newBlockHeap(e, l.NonMoving)
	e.los = newLargeObjectSpace(e, l.LargeObject)
	e.immortal = newImmortalSpace(e, l.Immortal)
	e.pool = newPool(e, opts.Threads)
	return e
}

// Plan returns the collection plan.
func (e *Engine) Plan() config.Plan { return e.plan }

// Pool returns the work queue run by the collector's worker goroutines.
func (e *Engine) Pool() *Pool { return e.pool }

// Allocators is the allocation state of one mutator.
type Allocators struct {
	movable bumpCursor
	// modbuf holds old objects written since the last collection.
	modbuf []memory.Address
}

// Reset drops the mutator's current block, for example when it exits.
func (a *Allocators) Reset() {
	a.movable = bumpCursor{}
}

// ModBufLen returns the number of logged objects.
func (a *Allocators) ModBufLen() int {
	return len(a.modbuf)
}

// defaultSpace returns where Default allocations go.
func (e *Engine) defaultSemantics() Semantics {
	switch e.plan {
	case config.Immix, config.StickyImmix:
		return Default
	case config.NoGC:
		return Immortal
	default:
		return NonMoving
	}
}

// Alloc reserves size bytes such that (result+offset)%align == 0. The memory
// is zeroed. ErrSpaceFull means the caller should collect and retry.
func (e *Engine) Alloc(a *Allocators, size, align, offset uint64, sem Semantics) (memory.Address, error) {
	if align == 0 {
		align = memory.WordSize
	}
	if sem == Default {
		sem = e.defaultSemantics()
	}
	if size > MaxMovableBytes && (sem == Default || sem == NonMoving) {
		return 0, errors.Wrapf(ErrTooLarge, "%d bytes with %v semantics", size, sem)
	}
	switch sem {
	case Default:
		return e.movable.alloc(&a.movable, size, align, offset)
	case NonMoving:
		return e.nonMoving.alloc(size, align, offset)
	case Large:
		return e.los.alloc(size, align, offset)
	default:
		return e.immortal.alloc(size, align, offset)
	}
}

// PostAlloc marks ref as an object once the host initialized its header.
func (e *Engine) PostAlloc(ref memory.Address, sem Semantics) {
	e.meta.Set(ref, sidemeta.ValidObject)
	if sem == Immortal && e.plan.Generational() {
		// Immortal objects are old from the start.
		e.meta.Set(ref, sidemeta.Unlogged)
	}
}

// checkBudget reports ErrSpaceFull when reserving n more bytes would pass
// the heap budget.
func (e *Engine) checkBudget(n uint64) error {
	if e.maxHeap != 0 && e.ReservedBytes()+n > e.maxHeap {
		return ErrSpaceFull
	}
	return nil
}

// mapRange makes [start, start+size) usable, with side metadata.
func (e *Engine) mapRange(start memory.Address, size uint64) error {
	if err := e.mem.Map(start, size); err != nil {
		return err
	}
	e.meta.Ensure(start, size)
	return nil
}

// ReservedBytes returns the bytes held by all spaces.
func (e *Engine) ReservedBytes() uint64 {
	return e.movable.reservedBytes() + e.nonMoving.reservedBytes() + e.los.reservedBytes() + e.immortal.reservedBytes()
}

// TotalBytes returns the heap budget, or the reserved bytes without one.
func (e *Engine) TotalBytes() uint64 {
	if e.maxHeap != 0 {
		return e.maxHeap
	}
	return e.ReservedBytes()
}

// FreeBytes returns what can still be reserved under the budget.
func (e *Engine) FreeBytes() uint64 {
	total, used := e.TotalBytes(), e.ReservedBytes()
	if used > total {
		return 0
	}
	return total - used
}

// Collections returns the number of collections run, and how many of them
// were full heap collections.
func (e *Engine) Collections() (all, full uint64) {
	e.gcMu.Lock()
	defer e.gcMu.Unlock()
	return e.collections, e.fullHeapCount
}

// LastCollectionFullHeap reports whether the last collection was a full heap
// one. Non generational plans always collect the full heap.
func (e *Engine) LastCollectionFullHeap() bool {
	e.gcMu.Lock()
	defer e.gcMu.Unlock()
	return e.lastFull
}

// IsLive reports whether ref survived the current (or last) collection.
// Objects outside the collected spaces are always live.
func (e *Engine) IsLive(ref memory.Address) bool {
	switch e.space.Classify(ref) {
	case space.Movable:
		return e.meta.Test(ref, sidemeta.Mark) || e.isForwarded(ref)
	case space.NonMoving, space.LargeObject:
		return e.meta.Test(ref, sidemeta.Mark)
	}
	return true
}

// IsLiveObject reports whether ref is an object that has not been freed:
// outside of a collection every valid object is live.
func (e *Engine) IsLiveObject(ref memory.Address) bool {
	if !e.space.IsManaged(ref) || !e.mem.IsMapped(ref) {
		return false
	}
	e.gcMu.Lock()
	collecting := e.collecting
	e.gcMu.Unlock()
	if collecting {
		return e.IsLive(ref)
	}
	return e.meta.Test(ref, sidemeta.ValidObject)
}

// IsValidRef reports whether ref may be stored in a traced slot: an object
// in the VM space, or the start of an object allocated in one of the spaces.
func (e *Engine) IsValidRef(ref memory.Address) bool {
	switch e.space.Classify(ref) {
	case space.Unmapped:
		return false
	case space.VM:
		return true
	}
	return e.meta.Test(ref, sidemeta.ValidObject)
}

// InvalidRefError is the panic value for a traced slot holding something
// that is not an object reference.
type InvalidRefError struct {
	Slot  memory.Address
	Ref   memory.Address
	Space space.Kind
}

func (e *InvalidRefError) Error() string {
	return fmt.Sprintf("engine: slot %v holds %v (%v space), which is not a valid object", e.Slot, e.Ref, e.Space)
}

func (e *Engine) isForwarded(ref memory.Address) bool {
	return e.meta.Field(ref, sidemeta.ForwardingMask, sidemeta.ForwardingShift) == sidemeta.Forwarded
}

// Forwarded returns the new address of a moved object, or ref.
func (e *Engine) Forwarded(ref memory.Address) memory.Address {
	if e.space.IsMovable(ref) && e.isForwarded(ref) {
		return e.mem.LoadAddress(objmodel.RefToHeader(ref))
	}
	return ref
}

// Pin keeps ref in place across collections. It reports whether ref was not
// pinned before. Objects outside the movable space never move and cannot be
// pinned.
func (e *Engine) Pin(ref memory.Address) bool {
	if !e.space.IsMovable(ref) {
		return false
	}
	return e.meta.Set(ref, sidemeta.Pin)
}

// Unpin undoes Pin. It reports whether ref was pinned.
func (e *Engine) Unpin(ref memory.Address) bool {
	if !e.space.IsMovable(ref) {
		return false
	}
	return e.meta.Clear(ref, sidemeta.Pin)
}

func (e *Engine) IsPinned(ref memory.Address) bool {
	if !e.space.IsMovable(ref) {
		return false
	}
	return e.meta.Test(ref, sidemeta.Pin)
}

// FindObject returns the object containing addr, which may be an interior
// pointer. Only movable objects are found.
func (e *Engine) FindObject(addr memory.Address) (memory.Address, bool) {
	if !e.space.IsMovable(addr) || !e.mem.IsMapped(addr) {
		return 0, false
	}
	return e.movable.findObject(addr)
}

// IsMapped reports whether a is backed by memory.
func (e *Engine) IsMapped(a memory.Address) bool {
	return e.mem.IsMapped(a)
}
