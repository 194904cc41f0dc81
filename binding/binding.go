// Package binding connects a host language runtime to the collector.
//
// The host initializes one Binding with Init, binds every thread that
// allocates as a mutator and calls into the binding for allocation, write
// barriers, pinning, hashing, finalizers and collection control. The binding
// calls back into the host through Upcalls for what only the host knows.
package binding

import (
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/abi"
	"github.com/tinygo-org/gcbind/collector"
	"github.com/tinygo-org/gcbind/config"
	"github.com/tinygo-org/gcbind/diagnostics"
	"github.com/tinygo-org/gcbind/engine"
	"github.com/tinygo-org/gcbind/finalizer"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
	"github.com/tinygo-org/gcbind/mutator"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/scan"
	"github.com/tinygo-org/gcbind/space"
	"github.com/tinygo-org/gcbind/stats"
	"github.com/tinygo-org/gcbind/trigger"
)

// ErrOutOfMemory is returned by allocation when a collection could not free
// enough memory. It is the only collector error the host should surface to
// the program.
var ErrOutOfMemory = errors.New("binding: out of memory")

// Upcalls are the host callbacks.
type Upcalls interface {
	objmodel.Host
	scan.Host

	// ScanVMRoots reports the host's own roots: globals, module tables and
	// objects the host keeps alive from native memory.
	ScanVMRoots(r *scan.Roots)
	// SweepMalloced frees the malloc'd storage of arrays that died. Live
	// arrays may have moved.
	SweepMalloced(l scan.Tracer)
	// RunFinalizer calls a finalizer outside of any pause.
	RunFinalizer(obj, fin memory.Address, isPtr bool)
	// OutOfMemory is told about an allocation that cannot be satisfied,
	// before ErrOutOfMemory is returned.
	OutOfMemory(tid int16, size uint64)
	// Nanotime is a monotonic clock.
	Nanotime() int64
}

// Params configures Init.
type Params struct {
	Options config.Options
	// Layout holds the space bounds. The zero value uses
	// space.DefaultLayout.
	Layout space.Layout
	// Memory is the address space shared with the host. It is created when
	// nil.
	Memory *memory.Memory
	Types  *objmodel.Types

	Upcalls Upcalls
	// Checksum is the host's sum of the shared struct sizes.
	Checksum uint64
	// Structs is the host's table of shared structs. It is optional.
	Structs []abi.Struct

	Logger *slog.Logger
}

// Binding is the collector of one host runtime.
type Binding struct {
	opts    config.Options
	log     *slog.Logger
	upcalls Upcalls
	types   *objmodel.Types

	mem     *memory.Memory
	meta    *sidemeta.Table
	space   *space.Classifier
	model   *objmodel.Model
	scanner *scan.Scanner
	engine  *engine.Engine

	world      *collector.World
	collector  *collector.Collector
	registry   *mutator.Registry
	trigger    *trigger.Policy
	finalizers *finalizer.Finalizers
	// orphans holds the finalizers of exited threads.
	orphans      finalizer.List
	weak         scan.WeakRefs
	conservative *scan.ConservativeRoots
	stats        stats.Recorder

	disabled     atomic.Int32
	userRequests atomic.Int64
	userFull     atomic.Bool
}

// Init checks the host ABI and builds the collector. An ABI mismatch is
// fatal.
func Init(p Params) (*Binding, error) {
	if err := abi.CheckLayout(p.Checksum, p.Structs); err != nil {
		diagnostics.Fatal(err)
		return nil, err
	}
	if p.Upcalls == nil || p.Types == nil {
		return nil, errors.New("binding: upcalls and types are required")
	}
	if err := p.Options.Validate(); err != nil {
		return nil, err
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Layout == (space.Layout{}) {
		p.Layout = space.DefaultLayout
	}
	if p.Memory == nil {
		p.Memory = memory.New()
	}
	cls, err := space.NewClassifier(p.Layout)
	if err != nil {
		return nil, err
	}

	b := &Binding{
		opts:     p.Options,
		log:      p.Logger.With("component", "binding"),
		upcalls:  p.Upcalls,
		types:    p.Types,
		mem:      p.Memory,
		meta:     sidemeta.New(),
		space:    cls,
		registry: mutator.NewRegistry(),
		world:    collector.NewWorld(),
	}

	var history *objmodel.History
	if n := p.Options.RecordMoved; n > 0 {
		if history, err = objmodel.NewHistory(n); err != nil {
			return nil, errors.Wrap(err, "binding: moved object history")
		}
	}
	b.model = objmodel.New(b.mem, cls, b.meta, p.Upcalls, p.Types, objmodel.Options{
		Moving:         p.Options.Plan.Moving(),
		AddressHashing: p.Options.AddressHashing,
		Pin:            func(ref memory.Address) bool { return b.engine.Pin(ref) },
		History:        history,
	})
	b.scanner = scan.New(b.model, p.Upcalls)
	b.engine = engine.New(b.mem, b.meta, cls, b, engine.Options{
		Plan:    p.Options.Plan,
		Threads: p.Options.Threads,
		MaxHeap: p.Options.MaxHeap,
		Logger:  p.Logger,
	})
	b.collector = collector.New(b.world, b.engine.Pool(), p.Logger)
	b.trigger = trigger.New(trigger.Options{
		MaxTotalMemory:  p.Options.MaxHeap,
		MinHeap:         p.Options.MinHeap,
		DefaultInterval: p.Options.CollectInterval,
		Now:             p.Upcalls.Nanotime,
		Logger:          p.Logger.With("component", "trigger"),
	})
	b.finalizers = finalizer.New(b, cls.IsManaged, p.Logger.With("component", "finalizer"))
	b.conservative = scan.NewConservativeRoots(b.mem, cls, b.engine, p.Logger.With("component", "conservative"))

	b.log.Info("initialized",
		"plan", p.Options.Plan,
		"threads", p.Options.Threads,
		"max_heap", config.FormatBytes(p.Options.MaxHeap),
		"conservative", b.conservativeScanning())
	return b, nil
}

// Close stops the GC goroutines.
func (b *Binding) Close() {
	b.collector.Close()
}

func (b *Binding) Memory() *memory.Memory      { return b.mem }
func (b *Binding) Space() *space.Classifier    { return b.space }
func (b *Binding) Model() *objmodel.Model      { return b.model }
func (b *Binding) Engine() *engine.Engine      { return b.engine }
func (b *Binding) World() *collector.World     { return b.world }
func (b *Binding) Registry() *mutator.Registry { return b.registry }
func (b *Binding) Trigger() *trigger.Policy    { return b.trigger }
func (b *Binding) Options() config.Options     { return b.opts }

// ConservativeRoots returns the set the host adds register save areas to.
func (b *Binding) ConservativeRoots() *scan.ConservativeRoots { return b.conservative }

// conservativeScanning reports whether stacks are scanned conservatively.
// Only moving plans need it.
func (b *Binding) conservativeScanning() bool {
	return b.opts.Conservative && b.opts.Plan.Moving()
}

// SetVMSpace records the host's boot image. It can only be set once.
func (b *Binding) SetVMSpace(start memory.Address, size uint64) error {
	return b.engine.SetVMSpace(start, size)
}

// BindMutator registers the calling thread. The thread runs managed code
// until it calls DestroyMutator or GCSafeEnter.
func (b *Binding) BindMutator(tid int16, tls memory.Address) (*mutator.Mutator, error) {
	m, err := b.registry.Bind(tid, tls)
	if err != nil {
		return nil, err
	}
	b.world.Enter()
	return m, nil
}

// PostBindMutator records the native stack of a bound thread.
func (b *Binding) PostBindMutator(m *mutator.Mutator, stackLo, stackHi memory.Address) {
	b.registry.PostBind(m, stackLo, stackHi)
}

// DestroyMutator unregisters an exiting thread. Its finalizers are kept.
func (b *Binding) DestroyMutator(m *mutator.Mutator) error {
	b.world.Leave()
	return b.registry.Destroy(m, &b.orphans)
}

// GCSafeEnter is called before a mutator blocks outside of managed code.
// Collections proceed without it until GCSafeLeave.
func (b *Binding) GCSafeEnter(m *mutator.Mutator) {
	b.world.Leave()
}

// GCSafeLeave waits for a pause in progress and resumes managed code.
func (b *Binding) GCSafeLeave(m *mutator.Mutator) {
	b.world.Enter()
}
