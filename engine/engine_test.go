package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/slot"
	"github.com/tinygo-org/gcbind/space"
)

const rootBase memory.Address = 0x40_0000

// testVM is a minimal object format: one header word holding the number of
// reference slots, followed by the slots.
type testVM struct {
	mem    *memory.Memory
	e      *Engine
	a      *Allocators
	nroots int

	pinning  []memory.Address
	tpinning []memory.Address
	weak     []memory.Address
	// corrupt objects fail to scan.
	corrupt map[memory.Address]bool
}

func newTestVM(t *testing.T, opts Options) *testVM {
	t.Helper()
	mem := memory.New()
	require.NoError(t, mem.Map(rootBase, memory.ChunkBytes))
	cls, err := space.NewClassifier(space.DefaultLayout)
	require.NoError(t, err)
	vm := &testVM{mem: mem, a: &Allocators{}, corrupt: map[memory.Address]bool{}}
	vm.e = New(mem, sidemeta.New(), cls, vm, opts)
	return vm
}

func (vm *testVM) object(t *testing.T, n int, sem Semantics) memory.Address {
	t.Helper()
	size := uint64(memory.WordSize * (1 + n))
	start, err := vm.e.Alloc(vm.a, size, 16, 8, sem)
	require.NoError(t, err)
	vm.mem.StoreWord(start, uint64(n))
	ref := start.Add(memory.WordSize)
	vm.e.PostAlloc(ref, sem)
	return ref
}

func (vm *testVM) field(ref memory.Address, i int) memory.Address {
	return vm.mem.LoadAddress(ref.Add(uint64(i) * memory.WordSize))
}

func (vm *testVM) setField(ref memory.Address, i int, v memory.Address) {
	vm.mem.StoreAddress(ref.Add(uint64(i)*memory.WordSize), v)
}

// addRoot appends a root slot holding ref and returns its index.
func (vm *testVM) addRoot(ref memory.Address) int {
	vm.mem.StoreAddress(rootBase.Add(uint64(vm.nroots)*memory.WordSize), ref)
	vm.nroots++
	return vm.nroots - 1
}

func (vm *testVM) root(i int) memory.Address {
	return vm.mem.LoadAddress(rootBase.Add(uint64(i) * memory.WordSize))
}

func (vm *testVM) ObjectStart(ref memory.Address) memory.Address {
	return ref.Sub(memory.WordSize)
}

func (vm *testVM) CurrentSize(ref memory.Address) (uint64, error) {
	return memory.WordSize * (1 + vm.mem.LoadWord(ref.Sub(memory.WordSize))), nil
}

func (vm *testVM) Copy(from memory.Address, ctx objmodel.CopyContext) (memory.Address, error) {
	size, _ := vm.CurrentSize(from)
	dst := ctx.AllocCopy(from, size, 16, 8)
	vm.mem.Copy(dst, vm.ObjectStart(from), size)
	to := dst.Add(memory.WordSize)
	ctx.PostCopy(to, size)
	return to, nil
}

func (vm *testVM) ScanObject(ref memory.Address, v SlotVisitor) error {
	if vm.corrupt[ref] {
		return fmt.Errorf("corrupt object %v", ref)
	}
	n := vm.mem.LoadWord(ref.Sub(memory.WordSize))
	for i := uint64(0); i < n; i++ {
		v.VisitSlot(slot.Simple(ref.Add(i * memory.WordSize)))
	}
	return nil
}

func (vm *testVM) ScanRoots(f RootsFactory) error {
	var slots []slot.Slot
	for i := 0; i < vm.nroots; i++ {
		slots = append(slots, slot.Simple(rootBase.Add(uint64(i)*memory.WordSize)))
	}
	f.CreateProcessRootsWork(slots)
	f.CreateProcessPinningRootsWork(vm.pinning)
	f.CreateProcessTPinningRootsWork(vm.tpinning)
	return nil
}

func (vm *testVM) ProcessFinalizers(full bool, t ObjectTracer) {}

func (vm *testVM) ProcessWeakRefs(l Liveness) {
	for i, ref := range vm.weak {
		if l.IsLive(ref) {
			vm.weak[i] = l.Forwarded(ref)
		} else {
			vm.weak[i] = 0
		}
	}
}

func (vm *testVM) ForEachMutator(fn func(a *Allocators)) {
	fn(vm.a)
}

func TestAllocSemantics(t *testing.T) {
	tests := []struct {
		plan config.Plan
		sem  Semantics
		want space.Kind
	}{
		{config.Immix, Default, space.Movable},
		{config.StickyImmix, Default, space.Movable},
		{config.MarkSweep, Default, space.NonMoving},
		{config.NoGC, Default, space.Immortal},
		{config.Immix, NonMoving, space.NonMoving},
		{config.Immix, Large, space.LargeObject},
		{config.MarkSweep, Immortal, space.Immortal},
	}
	for _, tc := range tests {
		t.Run(tc.plan.String()+"/"+tc.sem.String(), func(t *testing.T) {
			vm := newTestVM(t, Options{Plan: tc.plan})
			ref := vm.object(t, 2, tc.sem)
			assert.Equal(t, tc.want, vm.e.space.Classify(ref))
			assert.Zero(t, ref%16)
			assert.True(t, vm.e.IsLiveObject(ref))
			assert.NotZero(t, vm.e.ReservedBytes())
		})
	}
}

func TestAllocTooLarge(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.Immix})
	_, err := vm.e.Alloc(vm.a, MaxMovableBytes+8, 16, 8, Default)
	assert.ErrorIs(t, err, ErrTooLarge)
	_, err = vm.e.Alloc(vm.a, MaxMovableBytes+8, 16, 8, NonMoving)
	assert.ErrorIs(t, err, ErrTooLarge)

	ref, err := vm.e.Alloc(vm.a, 4*MaxMovableBytes, 16, 8, Large)
	require.NoError(t, err)
	assert.True(t, vm.e.space.IsLargeObject(ref))
	assert.Equal(t, 1, vm.e.LargeObjectCount())
}

func TestHeapBudget(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.Immix, MaxHeap: 2 * BlockBytes})
	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		_, err = vm.e.Alloc(vm.a, 1024, 16, 8, Default)
	}
	assert.ErrorIs(t, err, ErrSpaceFull)
	assert.Equal(t, uint64(2*BlockBytes), vm.e.ReservedBytes())
	assert.Equal(t, uint64(2*BlockBytes), vm.e.TotalBytes())
	assert.Zero(t, vm.e.FreeBytes())

	_, err = vm.e.Alloc(vm.a, 2*MaxMovableBytes, 16, 8, Large)
	assert.ErrorIs(t, err, ErrSpaceFull)
}

func TestCollectNoGC(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.NoGC})
	ref := vm.object(t, 1, Default)
	res := vm.e.Collect(false)
	assert.True(t, res.Full)
	all, full := vm.e.Collections()
	assert.Zero(t, all)
	assert.Zero(t, full)
	assert.True(t, vm.e.IsLiveObject(ref))
	assert.False(t, vm.e.NeedsWriteBarrier())
}

func TestImmixEvacuates(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.Immix})
	a := vm.object(t, 2, Default)
	b := vm.object(t, 0, Default)
	garbage := vm.object(t, 1, Default)
	vm.setField(a, 0, b)
	vm.addRoot(a)
	vm.weak = []memory.Address{b, garbage}
	require.Equal(t, 1, vm.e.BlockCount())

	res := vm.e.Collect(false)
	assert.True(t, res.Full, "immix always collects the full heap")
	assert.Equal(t, 1, res.FreedBlocks)
	assert.Equal(t, 1, vm.e.BlockCount())
	assert.Equal(t, uint64(BlockBytes), res.ReservedAfter)

	a2 := vm.root(0)
	require.NotEqual(t, a, a2)
	b2 := vm.field(a2, 0)
	assert.NotEqual(t, b, b2)
	assert.Zero(t, vm.field(a2, 1))
	assert.True(t, vm.e.IsLiveObject(a2))
	assert.True(t, vm.e.IsLiveObject(b2))
	assert.False(t, vm.e.IsLiveObject(garbage))
	assert.Equal(t, []memory.Address{b2, 0}, vm.weak)

	all, full := vm.e.Collections()
	assert.Equal(t, uint64(1), all)
	assert.Equal(t, uint64(1), full)
	assert.True(t, vm.e.LastCollectionFullHeap())
}

func TestPinning(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.Immix})
	a := vm.object(t, 1, Default)
	vm.addRoot(a)

	assert.True(t, vm.e.Pin(a))
	assert.False(t, vm.e.Pin(a))
	assert.True(t, vm.e.IsPinned(a))
	vm.e.Collect(true)
	assert.Equal(t, a, vm.root(0))
	assert.True(t, vm.e.IsLiveObject(a))

	assert.True(t, vm.e.Unpin(a))
	assert.False(t, vm.e.Unpin(a))
	vm.e.Collect(true)
	assert.NotEqual(t, a, vm.root(0))

	other := vm.object(t, 0, NonMoving)
	assert.False(t, vm.e.Pin(other), "only movable objects can be pinned")
	assert.False(t, vm.e.IsPinned(other))
}

func TestPinningRoots(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.Immix})
	pinned := vm.object(t, 1, Default)
	child := vm.object(t, 0, Default)
	vm.setField(pinned, 0, child)
	tpinned := vm.object(t, 1, Default)
	tchild := vm.object(t, 0, Default)
	vm.setField(tpinned, 0, tchild)
	vm.pinning = []memory.Address{pinned}
	vm.tpinning = []memory.Address{tpinned}

	vm.e.Collect(true)
	assert.True(t, vm.e.IsLiveObject(pinned))
	assert.NotEqual(t, child, vm.field(pinned, 0), "pinning roots do not pin their children")
	assert.Equal(t, tchild, vm.field(tpinned, 0))
	assert.True(t, vm.e.IsLiveObject(tchild))
}

func TestMarkSweep(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.MarkSweep})
	a := vm.object(t, 1, Default)
	b := vm.object(t, 0, Default)
	garbage := vm.object(t, 3, Default)
	vm.setField(a, 0, b)
	vm.addRoot(a)
	big := vm.object(t, 3*MaxMovableBytes/memory.WordSize, Large)
	require.Equal(t, 1, vm.e.LargeObjectCount())
	before := vm.e.NonMovingStats()
	assert.Equal(t, uint64(3), before.Objects)
	assert.Equal(t, uint64(3), before.Mallocs)

	res := vm.e.Collect(false)
	assert.True(t, res.Full)
	assert.Equal(t, 1, res.FreedLarge)
	assert.Zero(t, vm.e.LargeObjectCount())
	assert.Equal(t, a, vm.root(0))
	assert.Equal(t, b, vm.field(a, 0))
	assert.True(t, vm.e.IsLiveObject(b))
	assert.False(t, vm.e.IsLiveObject(garbage))
	assert.False(t, vm.e.IsLiveObject(big))

	after := vm.e.NonMovingStats()
	assert.Equal(t, uint64(2), after.Objects)
	assert.Equal(t, uint64(1), after.Frees)
	assert.Less(t, after.HeapInuse, before.HeapInuse)

	// The freed range is reused.
	again := vm.object(t, 3, Default)
	assert.Equal(t, garbage, again)
}

func TestStickyNursery(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.StickyImmix})
	require.True(t, vm.e.NeedsWriteBarrier())
	old := vm.object(t, 1, Default)
	vm.addRoot(old)
	vm.e.Collect(true)
	old = vm.root(0)
	require.True(t, vm.e.IsUnlogged(old))

	young := vm.object(t, 0, Default)
	vm.setField(old, 0, young)
	vm.e.WriteBarrier(vm.a, old)
	vm.e.WriteBarrier(vm.a, old)
	assert.Equal(t, 1, vm.a.ModBufLen())
	assert.False(t, vm.e.IsUnlogged(old))

	res := vm.e.Collect(false)
	assert.False(t, res.Full)
	assert.False(t, vm.e.LastCollectionFullHeap())
	assert.Equal(t, old, vm.root(0), "old objects stay in place in a nursery collection")
	moved := vm.field(old, 0)
	assert.NotEqual(t, young, moved)
	assert.True(t, vm.e.IsLiveObject(moved))
	assert.Zero(t, vm.a.ModBufLen())
	assert.True(t, vm.e.IsUnlogged(old))
	assert.True(t, vm.e.IsUnlogged(moved))

	all, full := vm.e.Collections()
	assert.Equal(t, uint64(2), all)
	assert.Equal(t, uint64(1), full)
}

func TestFindObject(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.Immix})
	vm.object(t, 1, Default)
	ref := vm.object(t, 4, Default)
	vm.object(t, 1, Default)

	for _, addr := range []memory.Address{ref, ref.Sub(memory.WordSize), ref.Add(8), ref.Add(31)} {
		got, ok := vm.e.FindObject(addr)
		if assert.True(t, ok, "%v", addr) {
			assert.Equal(t, ref, got, "%v", addr)
		}
	}

	_, ok := vm.e.FindObject(ref.AlignDown(BlockBytes).Add(BlockBytes - 8))
	assert.False(t, ok, "past the last object")
	_, ok = vm.e.FindObject(ref.AlignDown(BlockBytes).Add(4 * BlockBytes))
	assert.False(t, ok, "unused block")
	_, ok = vm.e.FindObject(vm.object(t, 1, NonMoving))
	assert.False(t, ok, "non-moving objects are not found")
}

func TestParallelTrace(t *testing.T) {
	if memory.Asserts {
		t.Skip("leaves keep integers in reference slots")
	}
	vm := newTestVM(t, Options{Plan: config.Immix, Threads: 4})
	pool := vm.e.Pool()
	var wg sync.WaitGroup
	for i := 0; i < pool.Workers(); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pool.Run(i)
		}(i)
	}
	defer func() {
		pool.Close()
		wg.Wait()
	}()

	const n = 1500
	wide := vm.object(t, n, Default)
	vm.addRoot(wide)
	for i := 0; i < n; i++ {
		// Small integers lie outside every space and are left alone.
		leaf := vm.object(t, 1, Default)
		vm.mem.StoreWord(leaf, uint64(i))
		vm.setField(vm.root(0), i, leaf)
	}

	for round := 0; round < 2; round++ {
		vm.e.Collect(true)
		wide = vm.root(0)
		seen := map[memory.Address]bool{}
		for i := 0; i < n; i++ {
			leaf := vm.field(wide, i)
			require.True(t, vm.e.IsLiveObject(leaf))
			require.Equal(t, uint64(i), vm.mem.LoadWord(leaf), "leaf %d", i)
			require.False(t, seen[leaf])
			seen[leaf] = true
		}
	}
}

// runRecovered calls fn and returns what it panicked with.
func runRecovered(fn func()) (v interface{}) {
	defer func() { v = recover() }()
	fn()
	return nil
}

func TestPanickingPacketReleasesPool(t *testing.T) {
	vm := newTestVM(t, Options{Plan: config.MarkSweep, Threads: 1})
	pool := vm.e.Pool()
	bad := vm.object(t, 0, Default)
	vm.corrupt[bad] = true

	pool.push(packet{kind: scanNodes, nodes: []memory.Address{bad}})
	done := make(chan interface{})
	go func() { done <- runRecovered(func() { pool.Run(0) }) }()
	err, ok := (<-done).(error)
	require.True(t, ok)
	assert.ErrorContains(t, err, "corrupt object")

	pool.push(packet{kind: scanNodes, nodes: []memory.Address{bad}})
	err, ok = runRecovered(pool.drain).(error)
	require.True(t, ok)
	assert.ErrorContains(t, err, "corrupt object")

	require.True(t, pool.mu.TryLock(), "pool lock released after the panics")
	assert.Zero(t, pool.busy)
	assert.Empty(t, pool.queue)
	pool.mu.Unlock()
	pool.Close()
}
