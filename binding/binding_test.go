package binding_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/gcbind/abi"
	"github.com/tinygo-org/gcbind/binding"
	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/diagnostics"
	"github.com/tinygo-org/gcbind/engine"
	"github.com/tinygo-org/gcbind/internal/hostsim"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/stats"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func options(plan config.Plan) config.Options {
	opts := config.Default()
	opts.Plan = plan
	opts.Threads = 2
	opts.Conservative = false
	return opts
}

func boot(t *testing.T, opts config.Options) (*hostsim.Runtime, *hostsim.Thread) {
	t.Helper()
	rt, err := hostsim.New(opts, quiet)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	th, err := rt.StartThread()
	require.NoError(t, err)
	t.Cleanup(th.Exit)
	return rt, th
}

func TestInitChecksABI(t *testing.T) {
	var code int
	diagnostics.SetOutput(io.Discard)
	diagnostics.Abort = func(c int) { code = c }
	t.Cleanup(func() {
		diagnostics.SetOutput(os.Stderr)
		diagnostics.Abort = func(c int) { os.Exit(c) }
	})

	_, err := binding.Init(binding.Params{Options: config.Default(), Checksum: abi.Expected() - 8})
	var mismatch *abi.MismatchError
	assert.True(t, errors.As(err, &mismatch))
	assert.Equal(t, diagnostics.ExitCode, code)

	reordered := append([]abi.Struct{abi.Shared[len(abi.Shared)-1]}, abi.Shared[:len(abi.Shared)-1]...)
	_, err = binding.Init(binding.Params{Options: config.Default(), Checksum: abi.Expected(), Structs: reordered})
	assert.ErrorContains(t, err, "host layout")

	_, err = binding.Init(binding.Params{Options: config.Default(), Checksum: abi.Expected()})
	assert.ErrorContains(t, err, "upcalls and types are required")
}

func TestUserCollectionRequest(t *testing.T) {
	rt, th := boot(t, options(config.Immix))
	b := rt.B

	b.HandleUserCollectionRequest(th.M, binding.Full)
	all, full := b.Collections()
	assert.Equal(t, uint64(1), all)
	assert.Equal(t, uint64(1), full)

	b.DisableCollection(th.M)
	b.DisableCollection(th.M)
	assert.False(t, b.CollectionEnabled())
	b.HandleUserCollectionRequest(th.M, binding.Full)
	b.EnableCollection(th.M)
	b.HandleUserCollectionRequest(th.M, binding.Auto)
	all, _ = b.Collections()
	assert.Equal(t, uint64(1), all, "requests are dropped while disabled")

	b.EnableCollection(th.M)
	assert.True(t, b.CollectionEnabled())
	b.HandleUserCollectionRequest(th.M, binding.Auto)
	all, _ = b.Collections()
	assert.Equal(t, uint64(2), all)

	assert.Panics(t, func() { b.EnableCollection(th.M) })
}

func TestDisableWhileStopping(t *testing.T) {
	rt, th := boot(t, options(config.StickyImmix))
	b := rt.B

	done := make(chan error)
	go func() {
		other, err := rt.StartThread()
		if err != nil {
			done <- err
			return
		}
		b.HandleUserCollectionRequest(other.M, binding.Full)
		other.Exit()
		close(done)
	}()
	// The request waits for th to reach a safepoint, which it does in
	// DisableCollection.
	require.Eventually(t, b.World().BlockForGC, 10*time.Second, time.Millisecond)
	b.DisableCollection(th.M)
	require.NoError(t, <-done)

	all, _ := b.Collections()
	assert.Zero(t, all, "no collection once disabled")
	assert.False(t, b.CollectionEnabled())

	b.EnableCollection(th.M)
	b.HandleUserCollectionRequest(th.M, binding.Auto)
	all, full := b.Collections()
	assert.Equal(t, uint64(1), all)
	assert.Zero(t, full, "the dropped request does not linger")
}

func TestIncrementalKeepsPendingFullHeap(t *testing.T) {
	opts := options(config.StickyImmix)
	opts.MaxHeap = 64 << 20
	rt, th := boot(t, opts)
	b := rt.B

	// Live data over the budget asks for a full heap collection.
	b.Trigger().OnGCStart(0, true)
	b.Trigger().OnGCEnd(0, 128<<20, 1, false)

	b.HandleUserCollectionRequest(th.M, binding.Incremental)
	all, full := b.Collections()
	assert.Equal(t, uint64(1), all)
	assert.Zero(t, full)

	b.HandleUserCollectionRequest(th.M, binding.Auto)
	all, full = b.Collections()
	assert.Equal(t, uint64(2), all)
	assert.Equal(t, uint64(1), full)

	b.HandleUserCollectionRequest(th.M, binding.Full)
	b.HandleUserCollectionRequest(th.M, binding.Auto)
	all, full = b.Collections()
	assert.Equal(t, uint64(4), all)
	assert.Equal(t, uint64(2), full, "a full request is taken by its own collection")
}

func TestCorruptObjectIsFatal(t *testing.T) {
	var buf bytes.Buffer
	aborted := make(chan int, 1)
	diagnostics.SetOutput(&buf)
	diagnostics.Abort = func(c int) {
		select {
		case aborted <- c:
		default:
		}
		runtime.Goexit()
	}
	t.Cleanup(func() {
		diagnostics.SetOutput(os.Stderr)
		diagnostics.Abort = func(c int) { os.Exit(c) }
	})

	// The pause never ends, so the runtime is not closed.
	rt, err := hostsim.New(options(config.MarkSweep), quiet)
	require.NoError(t, err)
	th, err := rt.StartThread()
	require.NoError(t, err)
	ref, err := th.NewRecord(rt.NewType("Cell", 1))
	require.NoError(t, err)
	rt.NewGlobal(ref)
	rt.Memory().StoreWord(objmodel.RefToHeader(ref), 0xf00_0000_0000)

	go rt.B.HandleUserCollectionRequest(th.M, binding.Full)
	select {
	case code := <-aborted:
		assert.Equal(t, diagnostics.ExitCode, code)
	case <-time.After(10 * time.Second):
		t.Fatal("collection did not abort")
	}
	out := buf.String()
	assert.Contains(t, out, "fatal error in GC thread gc-")
	assert.Contains(t, out, "corruption:")
	assert.Contains(t, out, "type pointer is not mapped")
}

func TestNoGCNeverCollects(t *testing.T) {
	rt, th := boot(t, options(config.NoGC))
	rt.B.HandleUserCollectionRequest(th.M, binding.Full)
	all, _ := rt.B.Collections()
	assert.Zero(t, all)
	assert.False(t, rt.B.NeedsWriteBarrier())

	ref, err := th.NewInt64(1)
	require.NoError(t, err)
	assert.False(t, rt.B.PinObject(ref), "immortal objects never move")
}

func TestOutOfMemory(t *testing.T) {
	opts := options(config.Immix)
	opts.MaxHeap = 1 << 20
	opts.MinHeap = 256 << 10
	rt, th := boot(t, opts)

	f := th.PushFrame(32, false)
	defer f.Pop()
	var err error
	n := 0
	for ; n < 32; n++ {
		var arr memory.Address
		if arr, err = th.NewArray(8192); err != nil {
			break
		}
		f.Set(n, arr)
	}
	assert.ErrorIs(t, err, binding.ErrOutOfMemory)
	assert.Less(t, n, 32)
	assert.Equal(t, int64(1), rt.OutOfMemoryCount())
	assert.LessOrEqual(t, rt.B.UsedBytes(), opts.MaxHeap)

	_, err = th.NewRecordWith(rt.NewType("Huge", 4096), engine.Default)
	assert.ErrorIs(t, err, engine.ErrTooLarge)
}

func TestPinning(t *testing.T) {
	rt, th := boot(t, options(config.Immix))
	b := rt.B
	f := th.PushFrame(1, false)
	defer f.Pop()
	ref, err := th.NewRecord(rt.NewType("Cell", 4))
	require.NoError(t, err)
	f.Set(0, ref)

	assert.True(t, b.PinObject(ref))
	assert.False(t, b.PinPointer(ref.Add(16)), "already pinned")
	assert.True(t, b.IsPointerPinned(ref.Add(24)))
	b.HandleUserCollectionRequest(th.M, binding.Full)
	assert.Equal(t, ref, f.Get(0))

	assert.True(t, b.UnpinPointer(ref.Add(8)))
	assert.False(t, b.IsPinned(ref))
	b.HandleUserCollectionRequest(th.M, binding.Full)
	assert.NotEqual(t, ref, f.Get(0))

	fixed, err := th.NewRecordWith(rt.NewType("Fixed", 1), engine.NonMoving)
	require.NoError(t, err)
	assert.False(t, b.PinObject(fixed))
	assert.False(t, b.PinPointer(0x1234), "not an object")
}

func TestHashPinsWithoutAddressHashing(t *testing.T) {
	opts := options(config.Immix)
	opts.AddressHashing = false
	rt, th := boot(t, opts)
	ref, err := th.NewRecord(rt.NewType("Key", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(ref), rt.B.ObjectHash(ref))
	assert.True(t, rt.B.IsPinned(ref))
	assert.Equal(t, uint64(ref.Add(8)), rt.B.PtrHash(ref.Add(8)))
	assert.Equal(t, uint64(0x1234), rt.B.PtrHash(0x1234))
}

func TestWeakRefs(t *testing.T) {
	rt, th := boot(t, options(config.Immix))
	f := th.PushFrame(3, false)
	defer f.Pop()

	target, err := th.NewInt64(5)
	require.NoError(t, err)
	f.Set(0, target)
	wr, err := th.NewWeakRef(f.Get(0))
	require.NoError(t, err)
	f.Set(1, wr)
	dead, err := th.NewInt64(6)
	require.NoError(t, err)
	wr, err = th.NewWeakRef(dead)
	require.NoError(t, err)
	f.Set(2, wr)

	rt.B.HandleUserCollectionRequest(th.M, binding.Full)
	assert.NotEqual(t, target, f.Get(0))
	assert.Equal(t, f.Get(0), rt.WeakValue(f.Get(1)))
	assert.Equal(t, int64(5), rt.Int64(rt.WeakValue(f.Get(1))))
	assert.Equal(t, rt.Nothing(), rt.WeakValue(f.Get(2)))
}

func TestMallocedArrays(t *testing.T) {
	rt, th := boot(t, options(config.MarkSweep))
	f := th.PushFrame(1, false)
	defer f.Pop()
	kept, err := th.NewMallocArray(4)
	require.NoError(t, err)
	f.Set(0, kept)
	v, err := th.NewInt64(9)
	require.NoError(t, err)
	th.Store(kept, 2, v)
	_, err = th.NewMallocArray(4)
	require.NoError(t, err)

	rt.B.HandleUserCollectionRequest(th.M, binding.Full)
	assert.Equal(t, int64(1), rt.FreedMalloc())
	assert.Equal(t, int64(9), rt.Int64(rt.Field(f.Get(0), 2)))
	assert.True(t, rt.B.IsLiveObject(kept))
}

func TestFinalizersAtExit(t *testing.T) {
	rt, th := boot(t, options(config.MarkSweep))
	fin := rt.Malloc(8)
	var objs []memory.Address
	for i := 0; i < 3; i++ {
		obj, err := th.NewInt64(int64(i))
		require.NoError(t, err)
		rt.NewGlobal(obj)
		rt.B.RegisterFinalizer(th.M, obj, fin, true)
		objs = append(objs, obj)
	}
	assert.Equal(t, 1, rt.B.RunFinalizersForObject(objs[1]))
	assert.Equal(t, []memory.Address{objs[1]}, rt.Finalized())

	rt.B.HandleUserCollectionRequest(th.M, binding.Full)
	assert.False(t, rt.B.PendingFinalizers())
	assert.Equal(t, 2, rt.B.RunFinalizers(true))
	assert.Equal(t, []memory.Address{objs[1], objs[2], objs[0]}, rt.Finalized())
}

func TestQuiescentFinalizer(t *testing.T) {
	rt, th := boot(t, options(config.Immix))
	data := rt.Malloc(64)
	rt.B.RegisterQuiescentFinalizer(th.M, data, rt.Malloc(8))
	rt.B.HandleUserCollectionRequest(th.M, binding.Incremental)
	assert.Equal(t, []memory.Address{data}, rt.Finalized())
}

func TestFinalizersOfExitedThreads(t *testing.T) {
	rt, th := boot(t, options(config.Immix))
	other, err := rt.StartThread()
	require.NoError(t, err)
	obj, err := other.NewInt64(1)
	require.NoError(t, err)
	rt.B.RegisterFinalizer(other.M, obj, rt.Malloc(8), true)
	other.Exit()

	rt.B.HandleUserCollectionRequest(th.M, binding.Full)
	assert.Len(t, rt.Finalized(), 1)
}

func TestStickyWriteBarrier(t *testing.T) {
	rt, th := boot(t, options(config.StickyImmix))
	b := rt.B
	require.True(t, b.NeedsWriteBarrier())
	f := th.PushFrame(1, false)
	defer f.Pop()
	old, err := th.NewRecord(rt.NewType("Box", 1, 0))
	require.NoError(t, err)
	f.Set(0, old)
	b.HandleUserCollectionRequest(th.M, binding.Full)
	old = f.Get(0)

	young, err := th.NewInt64(7)
	require.NoError(t, err)
	th.Store(old, 0, young)
	assert.Equal(t, 1, th.M.Alloc.ModBufLen())

	b.HandleUserCollectionRequest(th.M, binding.Incremental)
	all, full := b.Collections()
	assert.Equal(t, uint64(2), all)
	assert.Equal(t, uint64(1), full)
	assert.Equal(t, old, f.Get(0), "old objects stay put in nursery collections")
	moved := rt.Field(old, 0)
	assert.NotEqual(t, young, moved)
	assert.Equal(t, int64(7), rt.Int64(moved))
}

func TestConservativeStackRoots(t *testing.T) {
	opts := options(config.Immix)
	opts.Conservative = true
	rt, th := boot(t, opts)
	ref, err := th.NewInt64(11)
	require.NoError(t, err)
	th.Spill(ref.Add(4))

	rt.B.HandleUserCollectionRequest(th.M, binding.Full)
	assert.True(t, rt.B.IsLiveObject(ref), "kept by an interior pointer on the stack")
	assert.Equal(t, int64(11), rt.Int64(ref))
	assert.False(t, rt.B.IsPinned(ref), "conservative pins last for one collection")
}

func TestStatistics(t *testing.T) {
	opts := options(config.Immix)
	opts.MaxHeap = 64 << 20
	rt, th := boot(t, opts)
	b := rt.B
	for i := 0; i < 3; i++ {
		b.HandleUserCollectionRequest(th.M, binding.Full)
	}

	var gs stats.GCStats
	b.ReadGCStats(&gs)
	assert.Equal(t, int64(3), gs.NumGC)
	assert.Equal(t, int64(3), gs.NumFullGC)
	assert.Len(t, gs.Pause, 3)

	samples := []stats.Sample{{Name: stats.CyclesTotal}, {Name: stats.HeapTotal}}
	b.ReadMetrics(samples)
	assert.Equal(t, uint64(3), samples[0].Value.Uint64())
	assert.Equal(t, opts.MaxHeap, samples[1].Value.Uint64())
	assert.Equal(t, b.TotalBytes(), b.UsedBytes()+b.FreeBytes())

	assert.Less(t, b.StartingHeapAddress(), b.LastHeapAddress())
	ref, err := th.NewInt64(1)
	require.NoError(t, err)
	assert.True(t, b.ObjectIsManaged(ref))
	assert.True(t, b.IsMappedAddress(ref))
	assert.False(t, b.ObjectIsManaged(th.TLS))
	assert.False(t, b.IsLiveObject(th.TLS))
}

func TestConcurrentMutators(t *testing.T) {
	for _, plan := range []config.Plan{config.MarkSweep, config.Immix, config.StickyImmix} {
		t.Run(plan.String(), func(t *testing.T) {
			opts := options(plan)
			opts.CollectInterval = 256 << 10
			opts.MinHeap = 256 << 10
			rt, err := hostsim.New(opts, quiet)
			require.NoError(t, err)
			defer rt.Close()

			node := rt.NewType("Node", 2, 0, 1)
			err = rt.Run(context.Background(), 4, func(ctx context.Context, th *hostsim.Thread) error {
				return churn(rt, th, node, 20000)
			})
			require.NoError(t, err)
			all, _ := rt.B.Collections()
			assert.NotZero(t, all)
		})
	}
}

// churn keeps a list of the last 64 values allocated by th and checks it
// after every allocation burst.
func churn(rt *hostsim.Runtime, th *hostsim.Thread, node *hostsim.Type, n int) error {
	f := th.PushFrame(2, false)
	defer f.Pop()
	for i := 0; i < n; i++ {
		if i%128 == 0 {
			th.Poll()
			if err := check(rt, f.Get(0), i); err != nil {
				return err
			}
		}
		p, err := th.NewRecord(node)
		if err != nil {
			return err
		}
		f.Set(1, p)
		v, err := th.NewInt64(int64(i))
		if err != nil {
			return err
		}
		p = f.Get(1)
		th.Store(p, 1, v)
		th.Store(p, 0, f.Get(0))
		f.Set(0, p)
		if i%64 == 63 {
			cut := f.Get(0)
			for j := 0; j < 63; j++ {
				cut = rt.Field(cut, 0)
			}
			th.Store(cut, 0, 0)
		}
	}
	return nil
}

// check walks the list from head, whose values count down from next-1.
func check(rt *hostsim.Runtime, head memory.Address, next int) error {
	want := int64(next - 1)
	for p := head; p != 0; p = rt.Field(p, 0) {
		if got := rt.Int64(rt.Field(p, 1)); got != want {
			return errors.New("list corrupted")
		}
		want--
	}
	return nil
}
