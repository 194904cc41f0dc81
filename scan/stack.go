package scan

import (
	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/internal/gclayout"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/slot"
)

// stackWindow maps addresses of a copied task stack. A task that is not
// running keeps its stack in stkbuf; frames still point to where the stack
// lived while it ran, in [lb, ub).
type stackWindow struct {
	lb, ub memory.Address
	offset int64
}

var noWindow = stackWindow{lb: 0, ub: ^memory.Address(0)}

func (w stackWindow) addr(a memory.Address) memory.Address {
	if a >= w.lb && a < w.ub {
		return memory.Address(int64(a) + w.offset)
	}
	return a
}

func (s *Scanner) readStack(w stackWindow, a memory.Address) memory.Address {
	return s.mem.LoadAddress(w.addr(a))
}

// ScanGCStack walks the shadow stack of task, newest frame first. Frames with
// the pin bit are reported to pv instead of v when pv is not nil.
func (s *Scanner) ScanGCStack(task memory.Address, v, pv Visitor) error {
	stkbuf := s.mem.LoadAddress(task.Add(objmodel.TaskStkBuf))
	copyStack := uint64(s.mem.LoadU32(task.Add(objmodel.TaskCopyStack)))

	w := noWindow
	if !stkbuf.IsZero() && copyStack != 0 {
		if s.space.IsManaged(stkbuf) {
			v.VisitSlot(slot.Simple(task.Add(objmodel.TaskStkBuf)))
		}
		if s.mem.LoadAddress(task.Add(objmodel.TaskPtls)).IsZero() {
			tid := int16(s.mem.LoadWord(task.Add(objmodel.TaskTid)))
			if tid < 0 {
				return errors.Errorf("scan: task %v has a copied stack but tid %d", task, tid)
			}
			w.ub = s.host.StackBase(tid)
			w.lb = w.ub.Sub(copyStack)
			w.offset = int64(stkbuf) - int64(w.lb)
		}
	}

	s.scanFrames(s.mem.LoadAddress(task.Add(objmodel.TaskGCStack)), w, v, pv)
	return nil
}

func (s *Scanner) scanFrames(frame memory.Address, w stackWindow, v, pv Visitor) {
	for !frame.IsZero() {
		nroots := uint64(s.readStack(w, frame.Add(objmodel.FrameNRoots)))
		nr := gclayout.FrameCount.Get(nroots)
		visit := v
		if gclayout.FramePin.Get(nroots) != 0 && pv != nil {
			visit = pv
		}
		indirect := gclayout.FrameIndirect.Get(nroots) != 0

		roots := frame.Add(objmodel.FrameRoots)
		for i := uint64(0); i < nr; {
			entry := roots.Add(i * memory.WordSize)
			if indirect {
				p := s.readStack(w, entry)
				visit.VisitSlot(slot.Simple(w.addr(p)))
				i++
				continue
			}
			val := uint64(s.readStack(w, entry))
			switch {
			case val&3 == 3:
				// Malloc'd pointer followed by its native finalizer.
				i += 2
			case val&1 != 0:
				// Tagged object followed by a native function.
				visit.VisitSlot(slot.Offset(w.addr(entry), 1))
				i += 2
			default:
				visit.VisitSlot(slot.Simple(w.addr(entry)))
				i++
			}
		}
		frame = s.readStack(w, frame.Add(objmodel.FramePrev))
	}
}

// scanExcStack walks an exception stack from the top. Each entry is a
// backtrace, its size and the exception object.
func (s *Scanner) scanExcStack(exc memory.Address, v Visitor) {
	raw := exc.Add(objmodel.ExcStackRaw)
	itr := s.mem.LoadWord(exc.Add(objmodel.ExcStackTop))
	for itr >= 2 {
		btSize := s.mem.LoadWord(raw.Add((itr - 2) * memory.WordSize))
		if btSize > itr-2 {
			return
		}
		btData := raw.Add((itr - 2 - btSize) * memory.WordSize)
		s.ScanBacktrace(btData, btSize, v)
		v.VisitSlot(slot.Simple(raw.Add((itr - 1) * memory.WordSize)))
		itr -= 2 + btSize
	}
}

// ScanBacktrace visits the managed values held by the extended entries of a
// backtrace buffer of size words.
func (s *Scanner) ScanBacktrace(data memory.Address, size uint64, v Visitor) {
	for i := uint64(0); i < size; {
		entry := data.Add(i * memory.WordSize)
		first := s.mem.LoadWord(entry)
		if first != gclayout.BacktraceNonPtrEntry {
			// A plain instruction pointer.
			i++
			continue
		}
		hdr := s.mem.LoadWord(entry.Add(memory.WordSize))
		njl := gclayout.BacktraceNumJLVals.Get(hdr)
		for j := uint64(0); j < njl; j++ {
			v.VisitSlot(slot.Simple(entry.Add((2 + j) * memory.WordSize)))
		}
		i += gclayout.BacktraceEntrySize(first, hdr)
	}
}
