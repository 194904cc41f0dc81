package hostsim_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/gcbind/binding"
	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/internal/hostsim"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
)

var plans = []config.Plan{config.NoGC, config.MarkSweep, config.Immix, config.StickyImmix}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScenarios(t *testing.T) {
	for _, plan := range plans {
		for _, s := range hostsim.Scenarios {
			t.Run(plan.String()+"/"+s.Name, func(t *testing.T) {
				opts := config.Default()
				opts.Plan = plan
				opts.Threads = 2
				err := hostsim.RunScenario(context.Background(), s, opts, quiet())
				if err != nil {
					require.ErrorIs(t, err, hostsim.ErrSkipped)
				}
			})
		}
	}
}

func TestLookupScenario(t *testing.T) {
	s, ok := hostsim.LookupScenario("hash")
	assert.True(t, ok)
	assert.NotNil(t, s.Adjust)
	_, ok = hostsim.LookupScenario("nope")
	assert.False(t, ok)
}

func boot(t *testing.T, plan config.Plan) (*hostsim.Runtime, *hostsim.Thread) {
	t.Helper()
	opts := config.Default()
	opts.Plan = plan
	opts.Threads = 1
	opts.Conservative = false
	rt, err := hostsim.New(opts, quiet())
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	th, err := rt.StartThread()
	require.NoError(t, err)
	t.Cleanup(th.Exit)
	return rt, th
}

func collect(rt *hostsim.Runtime, th *hostsim.Thread) {
	rt.B.HandleUserCollectionRequest(th.M, binding.Full)
}

func TestObjectsSurviveMoves(t *testing.T) {
	rt, th := boot(t, config.Immix)
	f := th.PushFrame(3, false)
	defer f.Pop()

	s, err := th.NewString("hello")
	require.NoError(t, err)
	f.Set(0, s)

	elem := rt.NewType("Pair", 2, 1)
	arr, err := th.NewStructArray(rt.ArrayOf(elem), elem, 4)
	require.NoError(t, err)
	f.Set(1, arr)
	for i := 0; i < 4; i++ {
		v, err := th.NewInt64(int64(10 * i))
		require.NoError(t, err)
		th.StoreStructField(f.Get(1), elem, i, 1, v)
	}

	sv, err := th.NewSvec(2)
	require.NoError(t, err)
	f.Set(2, sv)
	v, err := th.NewInt64(-1)
	require.NoError(t, err)
	th.Store(f.Get(2), 1, v)

	old := [3]memory.Address{f.Get(0), f.Get(1), f.Get(2)}
	collect(rt, th)
	for i, ref := range old {
		assert.NotEqual(t, ref, f.Get(i), "root %d", i)
	}
	assert.Equal(t, "hello", rt.String(f.Get(0)))
	for i := 0; i < 4; i++ {
		assert.Equal(t, int64(10*i), rt.Int64(rt.StructField(f.Get(1), elem, i, 1)))
	}
	assert.Equal(t, memory.Address(0), rt.Field(f.Get(2), 0))
	assert.Equal(t, int64(-1), rt.Int64(rt.Field(f.Get(2), 1)))
}

func TestModuleUsings(t *testing.T) {
	rt, th := boot(t, config.Immix)
	f := th.PushFrame(2, false)
	defer f.Pop()

	name, err := th.NewString("Main")
	require.NoError(t, err)
	main, err := th.NewModule(name, 0)
	require.NoError(t, err)
	f.Set(0, main)
	base, err := th.NewModule(0, f.Get(0))
	require.NoError(t, err)
	f.Set(1, base)
	th.AddUsing(f.Get(0), f.Get(1))
	f.Set(1, 0)

	collect(rt, th)
	main = f.Get(0)
	using := rt.Using(main, 0)
	assert.True(t, rt.B.IsLiveObject(using))
	assert.Equal(t, main, rt.Field(using, 1), "parent of the using")
	assert.Equal(t, "Main", rt.String(rt.Field(main, 0)))
}

func TestThreadLocalRoots(t *testing.T) {
	rt, th := boot(t, config.Immix)
	a, err := th.NewInt64(1)
	require.NoError(t, err)
	b, err := th.NewInt64(2)
	require.NoError(t, err)
	th.SetBacktrace(a)
	th.SetException(b)

	collect(rt, th)
	assert.Equal(t, int64(1), rt.Int64(th.BacktraceValue(0)))
	assert.Equal(t, int64(2), rt.Int64(th.Exception()))
	assert.NotEqual(t, b, th.Exception())
}

func TestGlobalsAndPinnedRoots(t *testing.T) {
	rt, th := boot(t, config.Immix)
	a, err := th.NewInt64(1)
	require.NoError(t, err)
	g := rt.NewGlobal(a)
	p, err := th.NewInt64(2)
	require.NoError(t, err)
	rt.PinRoot(p, false)

	collect(rt, th)
	assert.NotEqual(t, a, rt.Global(g))
	assert.Equal(t, int64(1), rt.Int64(rt.Global(g)))
	assert.True(t, rt.B.IsLiveObject(p), "pinning roots stay in place")
	assert.Equal(t, int64(2), rt.Int64(p))

	rt.SetGlobal(g, 0)
	collect(rt, th)
	assert.Equal(t, memory.Address(0), rt.Global(g))
}

func TestBufferIsNonMoving(t *testing.T) {
	rt, th := boot(t, config.Immix)
	buf, err := th.NewBuffer(100)
	require.NoError(t, err)
	g := rt.NewGlobal(buf)
	collect(rt, th)
	assert.Equal(t, buf, rt.Global(g))
	assert.Equal(t, uint64(objmodel.BufferHeaderSize+100), rt.BufferSize(buf))
}

func TestFramesPopInOrder(t *testing.T) {
	_, th := boot(t, config.NoGC)
	outer := th.PushFrame(1, false)
	inner := th.PushFrame(1, true)
	assert.Panics(t, outer.Pop)
	assert.Panics(t, func() { inner.Get(1) })
	inner.Pop()
	outer.Pop()
}

func TestBlockingThreadDoesNotStallCollections(t *testing.T) {
	rt, th := boot(t, config.MarkSweep)
	th.Blocking(func() {
		done := make(chan error)
		go func() {
			other, err := rt.StartThread()
			if err != nil {
				done <- err
				return
			}
			collect(rt, other)
			other.Exit()
			close(done)
		}()
		assert.NoError(t, <-done)
	})
	all, _ := rt.B.Collections()
	assert.Equal(t, uint64(1), all)
}

func TestRunStopsOnError(t *testing.T) {
	rt, _ := boot(t, config.MarkSweep)
	boom := assert.AnError
	err := rt.Run(context.Background(), 3, func(ctx context.Context, th *hostsim.Thread) error {
		if th.Tid%2 == 0 {
			return boom
		}
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, err, boom)
}
