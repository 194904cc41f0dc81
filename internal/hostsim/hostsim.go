// Package hostsim is a small host runtime built on the binding. It lays out
// objects the way the host does, keeps a boot image with its type table,
// allocates native memory for thread state and stacks and implements the
// upcalls.
//
// Addresses handed out by the simulator are only valid until the next
// collection unless they are kept in a shadow frame or a global.
package hostsim

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tinygo-org/gcbind/abi"
	"github.com/tinygo-org/gcbind/binding"
	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/scan"
	"github.com/tinygo-org/gcbind/slot"
)

// Native memory and the boot image live below the heap.
const (
	NativeStart memory.Address = 0x10_0000_0000
	NativeEnd   memory.Address = 0x80_0000_0000
	BootStart   memory.Address = 0x80_0000_0000
	BootBytes                  = 4 << 20
)

// Runtime is a simulated host.
type Runtime struct {
	B     *binding.Binding
	Types *objmodel.Types
	mem   *memory.Memory
	log   *slog.Logger
	start time.Time

	boot   bumpRegion
	native bumpRegion

	// Datatypes of the boot image.
	typeNameType *Type
	anyType      *Type
	arrayAny     *Type
	weakRefType  *Type
	nothingType  *Type
	bufferType   *Type
	moduleType   *Type
	taskType     *Type

	nextTid atomic.Int32
	mu      sync.Mutex
	threads map[int16]*Thread

	globals      []memory.Address // native slots holding roots
	pinnedRoots  []memory.Address
	tpinnedRoots []memory.Address
	malloced     map[memory.Address]mallocInfo
	callbacks    map[memory.Address]func(obj memory.Address)
	finalized    []memory.Address

	freedMalloc atomic.Int64
	oom         atomic.Int64
}

type mallocInfo struct {
	data  memory.Address
	bytes uint64
}

// New boots a host runtime with the given collector options.
func New(opts config.Options, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	rt := &Runtime{
		mem:       memory.New(),
		log:       log.With("component", "hostsim"),
		start:     time.Now(),
		threads:   map[int16]*Thread{},
		malloced:  map[memory.Address]mallocInfo{},
		callbacks: map[memory.Address]func(memory.Address){},
	}
	rt.boot = bumpRegion{mem: rt.mem, next: BootStart, mapped: BootStart, end: BootStart.Add(BootBytes)}
	rt.native = bumpRegion{mem: rt.mem, next: NativeStart, mapped: NativeStart, end: NativeEnd}
	if err := rt.mem.Map(BootStart, BootBytes); err != nil {
		return nil, errors.Wrap(err, "hostsim: boot image")
	}
	rt.boot.mapped = rt.boot.end
	rt.bootTypes()

	b, err := binding.Init(binding.Params{
		Options:  opts,
		Memory:   rt.mem,
		Types:    rt.Types,
		Upcalls:  rt,
		Checksum: abi.Expected(),
		Structs:  abi.Shared,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	if err := b.SetVMSpace(BootStart, BootBytes); err != nil {
		b.Close()
		return nil, err
	}
	rt.B = b
	return rt, nil
}

// Close stops the collector.
func (rt *Runtime) Close() {
	rt.B.Close()
}

// Memory returns the shared address space.
func (rt *Runtime) Memory() *memory.Memory { return rt.mem }

// bumpRegion hands out never freed memory, mapping it chunk by chunk.
type bumpRegion struct {
	mu     sync.Mutex
	mem    *memory.Memory
	next   memory.Address
	mapped memory.Address
	end    memory.Address
}

func (r *bumpRegion) alloc(size, align uint64) memory.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.next.AlignUp(align)
	end := start.Add(size)
	if end > r.end {
		panic("hostsim: region exhausted")
	}
	if end > r.mapped {
		n := memory.AlignUp(end.Diff(r.mapped), memory.ChunkBytes)
		if err := r.mem.Map(r.mapped, n); err != nil {
			panic(err)
		}
		r.mapped = r.mapped.Add(n)
	}
	r.next = end
	return start
}

// Malloc returns zeroed native memory.
func (rt *Runtime) Malloc(size uint64) memory.Address {
	return rt.native.alloc(max(size, memory.WordSize), 16)
}

// NewGlobal stores ref in a new native root slot and returns the slot.
func (rt *Runtime) NewGlobal(ref memory.Address) memory.Address {
	s := rt.Malloc(memory.WordSize)
	rt.mem.StoreAddress(s, ref)
	rt.mu.Lock()
	rt.globals = append(rt.globals, s)
	rt.mu.Unlock()
	return s
}

// Global loads a root slot returned by NewGlobal.
func (rt *Runtime) Global(s memory.Address) memory.Address {
	return rt.mem.LoadAddress(s)
}

// SetGlobal stores into a root slot.
func (rt *Runtime) SetGlobal(s, ref memory.Address) {
	rt.mem.StoreAddress(s, ref)
}

// PinRoot keeps ref alive and in place. With transitive set, everything
// reachable from it stays in place too.
func (rt *Runtime) PinRoot(ref memory.Address, transitive bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if transitive {
		rt.tpinnedRoots = append(rt.tpinnedRoots, ref)
	} else {
		rt.pinnedRoots = append(rt.pinnedRoots, ref)
	}
}

// OnFinalize registers a host callback for the finalizer object fin.
func (rt *Runtime) OnFinalize(fin memory.Address, fn func(obj memory.Address)) {
	rt.mu.Lock()
	rt.callbacks[fin] = fn
	rt.mu.Unlock()
}

// Finalized returns the objects whose finalizers ran, in order.
func (rt *Runtime) Finalized() []memory.Address {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]memory.Address(nil), rt.finalized...)
}

// FreedMalloc returns how many malloc'd arrays were freed by collections.
func (rt *Runtime) FreedMalloc() int64 { return rt.freedMalloc.Load() }

// OutOfMemoryCount returns how often the collector reported out of memory.
func (rt *Runtime) OutOfMemoryCount() int64 { return rt.oom.Load() }

// Run starts n threads and calls fn on each of them. The first error cancels
// ctx for the others.
func (rt *Runtime) Run(ctx context.Context, n int, fn func(ctx context.Context, t *Thread) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			t, err := rt.StartThread()
			if err != nil {
				return err
			}
			defer t.Exit()
			return fn(ctx, t)
		})
	}
	return g.Wait()
}

// Upcalls.

func (rt *Runtime) BufferSize(ref memory.Address) uint64 {
	return rt.mem.LoadWord(ref.Sub(objmodel.BufferHeaderSize))
}

func (rt *Runtime) UpdateInlinedArray(from, to memory.Address) {
	if rt.mem.LoadAddress(to.Add(objmodel.ArrayData)) == from.Add(objmodel.ArrayHeaderBytes) {
		rt.mem.StoreAddress(to.Add(objmodel.ArrayData), to.Add(objmodel.ArrayHeaderBytes))
	}
}

func (rt *Runtime) StackBase(tid int16) memory.Address {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t, ok := rt.threads[tid]; ok {
		return t.stackHi
	}
	return 0
}

func (rt *Runtime) ScanVMRoots(r *scan.Roots) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, s := range rt.globals {
		r.AddSlot(slot.Simple(s))
	}
	for _, ref := range rt.pinnedRoots {
		r.AddPinning(ref)
	}
	for _, ref := range rt.tpinnedRoots {
		r.AddTPinning(ref)
	}
}

func (rt *Runtime) SweepMalloced(l scan.Tracer) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	kept := make(map[memory.Address]mallocInfo, len(rt.malloced))
	for ref, mi := range rt.malloced {
		if !l.IsLive(ref) {
			rt.freedMalloc.Add(1)
			continue
		}
		kept[l.Forwarded(ref)] = mi
	}
	rt.malloced = kept
}

func (rt *Runtime) RunFinalizer(obj, fin memory.Address, isPtr bool) {
	rt.mu.Lock()
	rt.finalized = append(rt.finalized, obj)
	fn := rt.callbacks[fin]
	rt.mu.Unlock()
	if fn != nil {
		fn(obj)
	}
}

func (rt *Runtime) OutOfMemory(tid int16, size uint64) {
	rt.oom.Add(1)
	rt.log.Warn("out of memory", "tid", tid, "size", size)
}

func (rt *Runtime) Nanotime() int64 {
	return int64(time.Since(rt.start))
}
