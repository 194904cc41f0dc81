package hostsim

import (
	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/internal/gclayout"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/mutator"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/scan"
)

// StackBytes is the size of a thread's native stack, guard included.
const StackBytes = 256 << 10

// Thread is a host thread bound to the collector. Its methods must be called
// from one goroutine.
type Thread struct {
	rt  *Runtime
	M   *mutator.Mutator
	Tid int16
	TLS memory.Address

	stackLo, stackHi memory.Address
	sp               memory.Address
}

// StartThread binds a new thread with a root task and an empty shadow stack.
func (rt *Runtime) StartThread() (*Thread, error) {
	tid := int16(rt.nextTid.Add(1))
	t := &Thread{rt: rt, Tid: tid, TLS: rt.Malloc(objmodel.TLSSize)}
	t.stackLo = rt.Malloc(StackBytes)
	t.stackHi = t.stackLo.Add(StackBytes)
	t.sp = t.stackHi

	m, err := rt.B.BindMutator(tid, t.TLS)
	if err != nil {
		return nil, err
	}
	t.M = m
	rt.mu.Lock()
	rt.threads[tid] = t
	rt.mu.Unlock()

	task, err := t.alloc(objmodel.TagTask.Header(), objmodel.TaskSize)
	if err != nil {
		t.Exit()
		return nil, errors.Wrap(err, "hostsim: root task")
	}
	mem := rt.mem
	mem.StoreWord(task.Add(objmodel.TaskTid), uint64(tid))
	mem.StoreAddress(task.Add(objmodel.TaskPtls), t.TLS)
	mem.StoreAddress(t.TLS.Add(objmodel.TLSRootTask), task)
	mem.StoreAddress(t.TLS.Add(objmodel.TLSCurrentTask), task)

	rt.B.PostBindMutator(m, t.stackLo, t.stackHi)
	return t, nil
}

// Exit unbinds the thread. Its finalizers stay registered.
func (t *Thread) Exit() {
	if err := t.rt.B.DestroyMutator(t.M); err != nil {
		t.rt.log.Warn("destroy mutator", "tid", t.Tid, "err", err)
	}
	t.rt.mu.Lock()
	delete(t.rt.threads, t.Tid)
	t.rt.mu.Unlock()
}

// Task returns the current task of the thread.
func (t *Thread) Task() memory.Address {
	return t.rt.mem.LoadAddress(t.TLS.Add(objmodel.TLSCurrentTask))
}

// Poll is a safepoint.
func (t *Thread) Poll() {
	t.rt.B.GCPoll(t.M)
}

// Blocking runs fn outside of managed code. Collections do not wait for it.
func (t *Thread) Blocking(fn func()) {
	t.rt.B.GCSafeEnter(t.M)
	defer t.rt.B.GCSafeLeave(t.M)
	fn()
}

// Frame is a shadow stack frame on the native stack.
type Frame struct {
	t      *Thread
	addr   memory.Address
	n      int
	prevSP memory.Address
}

// PushFrame pushes a frame of n root slots. With pin set, its roots are
// pinning roots.
func (t *Thread) PushFrame(n int, pin bool) *Frame {
	mem := t.rt.mem
	size := uint64(objmodel.FrameRoots + n*memory.WordSize)
	f := &Frame{t: t, n: n, prevSP: t.sp}
	t.sp = t.sp.Sub(size).AlignDown(16)
	f.addr = t.sp
	mem.Zero(f.addr, size)
	mem.StoreWord(f.addr.Add(objmodel.FrameNRoots), gclayout.FrameRoots(uint64(n), false, pin))
	task := t.Task()
	mem.StoreAddress(f.addr.Add(objmodel.FramePrev), mem.LoadAddress(task.Add(objmodel.TaskGCStack)))
	mem.StoreAddress(task.Add(objmodel.TaskGCStack), f.addr)
	return f
}

// Pop removes the frame, which must be the newest one, with everything
// spilled after it. The popped stack words are cleared.
func (f *Frame) Pop() {
	mem := f.t.rt.mem
	task := f.t.Task()
	if mem.LoadAddress(task.Add(objmodel.TaskGCStack)) != f.addr {
		panic("hostsim: frames popped out of order")
	}
	mem.StoreAddress(task.Add(objmodel.TaskGCStack), mem.LoadAddress(f.addr.Add(objmodel.FramePrev)))
	mem.Zero(f.t.sp, f.prevSP.Diff(f.t.sp))
	f.t.sp = f.prevSP
}

func (f *Frame) slot(i int) memory.Address {
	if i < 0 || i >= f.n {
		panic("hostsim: frame slot out of range")
	}
	return f.addr.Add(objmodel.FrameRoots + uint64(i)*memory.WordSize)
}

// Get loads root i. It is up to date after any collection.
func (f *Frame) Get(i int) memory.Address {
	return f.t.rt.mem.LoadAddress(f.slot(i))
}

func (f *Frame) Set(i int, ref memory.Address) {
	f.t.rt.mem.StoreAddress(f.slot(i), ref)
}

// Spill writes ref to the native stack outside of any frame, where only
// conservative scanning finds it.
func (t *Thread) Spill(ref memory.Address) memory.Address {
	t.sp = t.sp.Sub(memory.WordSize)
	if t.sp < t.stackLo.Add(scan.GuardBytes) {
		panic("hostsim: stack overflow")
	}
	t.rt.mem.StoreAddress(t.sp, ref)
	return t.sp
}

// SetBacktrace stores a backtrace with one extended entry holding refs.
func (t *Thread) SetBacktrace(refs ...memory.Address) {
	if len(refs) > 7 {
		panic("hostsim: too many backtrace values")
	}
	mem := t.rt.mem
	n := uint64(2 + len(refs))
	data := t.rt.Malloc(n * memory.WordSize)
	mem.StoreWord(data, gclayout.BacktraceNonPtrEntry)
	mem.StoreWord(data.Add(memory.WordSize), gclayout.BacktraceNumJLVals.Set(0, uint64(len(refs))))
	for i, r := range refs {
		mem.StoreAddress(data.Add(uint64(2+i)*memory.WordSize), r)
	}
	mem.StoreWord(t.TLS.Add(objmodel.TLSBtSize), n)
	mem.StoreAddress(t.TLS.Add(objmodel.TLSBtData), data)
}

// BacktraceValue returns value i of the backtrace set by SetBacktrace.
func (t *Thread) BacktraceValue(i int) memory.Address {
	data := t.rt.mem.LoadAddress(t.TLS.Add(objmodel.TLSBtData))
	return t.rt.mem.LoadAddress(data.Add(uint64(2+i) * memory.WordSize))
}

// SetException stores the previous exception of the thread.
func (t *Thread) SetException(ref memory.Address) {
	t.rt.mem.StoreAddress(t.TLS.Add(objmodel.TLSPreviousException), ref)
}

func (t *Thread) Exception() memory.Address {
	return t.rt.mem.LoadAddress(t.TLS.Add(objmodel.TLSPreviousException))
}
