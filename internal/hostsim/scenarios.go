package hostsim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/binding"
	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/internal/memory"
)

// ErrSkipped is returned by scenarios that do not apply to the plan.
var ErrSkipped = errors.New("hostsim: scenario does not apply")

// Scenario is an end to end check of the collector.
type Scenario struct {
	Name  string
	Usage string
	// Adjust changes the options before the runtime is booted.
	Adjust func(o *config.Options)
	Run    func(ctx context.Context, rt *Runtime) error
}

// Scenarios lists the built-in scenarios.
var Scenarios = []Scenario{
	{
		Name:  "reclaim",
		Usage: "unreachable records are reclaimed by a full collection",
		Run:   reclaim,
	},
	{
		Name:  "owner",
		Usage: "an array sharing its owner's data survives collections intact",
		Run:   ownerArray,
	},
	{
		Name:  "finalizer",
		Usage: "a finalizer runs exactly once after its object dies",
		Run:   finalizeOnce,
	},
	{
		Name:   "hash",
		Usage:  "identity hashes survive moves, growing the object once",
		Adjust: func(o *config.Options) { o.Conservative = false },
		Run:    hashAcrossMoves,
	},
}

// LookupScenario finds a scenario by name.
func LookupScenario(name string) (Scenario, bool) {
	for _, s := range Scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// RunScenario boots a runtime for s and runs it.
func RunScenario(ctx context.Context, s Scenario, opts config.Options, log *slog.Logger) error {
	if s.Adjust != nil {
		s.Adjust(&opts)
	}
	rt, err := New(opts, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return errors.Wrap(s.Run(ctx, rt), s.Name)
}

func reclaim(ctx context.Context, rt *Runtime) error {
	if rt.B.Options().Plan == config.NoGC {
		return ErrSkipped
	}
	t, err := rt.StartThread()
	if err != nil {
		return err
	}
	defer t.Exit()

	pair := rt.NewType("Pair", 2, 0, 1)
	rt.B.HandleUserCollectionRequest(t.M, binding.Full)
	baseline := rt.B.UsedBytes()

	f := t.PushFrame(1, false)
	for i := 0; i < 1000; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := t.NewRecord(pair)
		if err != nil {
			return err
		}
		t.Store(p, 1, f.Get(0))
		f.Set(0, p)
	}
	f.Pop()

	rt.B.HandleUserCollectionRequest(t.M, binding.Full)
	if used := rt.B.UsedBytes(); used != baseline {
		return fmt.Errorf("used bytes %d after collection, want %d", used, baseline)
	}
	return nil
}

func ownerArray(ctx context.Context, rt *Runtime) error {
	t, err := rt.StartThread()
	if err != nil {
		return err
	}
	defer t.Exit()

	const n = 16
	f := t.PushFrame(2, false)
	defer f.Pop()
	owner, err := t.NewArray(n)
	if err != nil {
		return err
	}
	f.Set(0, owner)
	for i := 0; i < n; i++ {
		v, err := t.NewInt64(int64(i * i))
		if err != nil {
			return err
		}
		t.Store(f.Get(0), i, v)
	}
	arr, err := t.NewOwnerArray(f.Get(0))
	if err != nil {
		return err
	}
	f.Set(1, arr)
	f.Set(0, 0)

	for round := 0; round < 2; round++ {
		rt.B.HandleUserCollectionRequest(t.M, binding.Full)
		arr = f.Get(1)
		for i := 0; i < n; i++ {
			if got := rt.Int64(rt.Field(arr, i)); got != int64(i*i) {
				return fmt.Errorf("round %d: element %d is %d, want %d", round, i, got, i*i)
			}
		}
	}
	return ctx.Err()
}

func finalizeOnce(ctx context.Context, rt *Runtime) error {
	if rt.B.Options().Plan == config.NoGC {
		return ErrSkipped
	}
	t, err := rt.StartThread()
	if err != nil {
		return err
	}
	defer t.Exit()

	fin := rt.Malloc(8)
	var calls int
	var value int64
	rt.OnFinalize(fin, func(obj memory.Address) {
		calls++
		value = rt.Int64(obj)
	})
	obj, err := t.NewInt64(42)
	if err != nil {
		return err
	}
	rt.B.RegisterFinalizer(t.M, obj, fin, true)

	rt.B.HandleUserCollectionRequest(t.M, binding.Incremental)
	if calls != 1 || value != 42 {
		return fmt.Errorf("after first collection: %d calls, value %d", calls, value)
	}
	rt.B.HandleUserCollectionRequest(t.M, binding.Full)
	if calls != 1 {
		return fmt.Errorf("finalizer ran %d times", calls)
	}
	return ctx.Err()
}

func hashAcrossMoves(ctx context.Context, rt *Runtime) error {
	if !rt.B.Options().Plan.Moving() {
		return ErrSkipped
	}
	t, err := rt.StartThread()
	if err != nil {
		return err
	}
	defer t.Exit()

	model := rt.B.Model()
	f := t.PushFrame(1, false)
	defer f.Pop()
	obj, err := t.NewRecord(rt.NewType("Point", 2))
	if err != nil {
		return err
	}
	f.Set(0, obj)
	size, err := model.CurrentSize(obj)
	if err != nil {
		return err
	}
	h := rt.B.ObjectHash(obj)

	want := size + 8
	for round := 0; round < 2; round++ {
		rt.B.HandleUserCollectionRequest(t.M, binding.Full)
		moved := f.Get(0)
		if moved == obj {
			return fmt.Errorf("round %d: object was not moved", round)
		}
		obj = moved
		got, err := model.CurrentSize(obj)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("round %d: size %d, want %d", round, got, want)
		}
		if got := rt.B.ObjectHash(obj); got != h {
			return fmt.Errorf("round %d: hash %#x, want %#x", round, got, h)
		}
	}
	return ctx.Err()
}
