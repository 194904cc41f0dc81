// Package scan enumerates the references held by host objects, shadow stacks
// and mutator thread state.
//
// Objects are scanned precisely: the object model decodes the header into a
// closed set of kinds, and every kind has a fixed rule for where its
// references live. Native stacks and register save areas have no such
// information and are scanned conservatively, see ConservativeRoots.
package scan

import (
	"github.com/pkg/errors"

	"github.com/tinygo-org/gcbind/internal/gclayout"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/slot"
	"github.com/tinygo-org/gcbind/space"
)

// Visitor receives the slots found while scanning.
type Visitor interface {
	VisitSlot(s slot.Slot)
}

// VisitorFunc adapts a function to the Visitor interface.
type VisitorFunc func(s slot.Slot)

func (f VisitorFunc) VisitSlot(s slot.Slot) { f(s) }

// Host answers the stack questions of copied task stacks.
type Host interface {
	// StackBase returns the top of the stack of thread tid.
	StackBase(tid int16) memory.Address
}

// Scanner scans the objects of one heap.
type Scanner struct {
	model *objmodel.Model
	mem   *memory.Memory
	space *space.Classifier
	host  Host
}

func New(model *objmodel.Model, host Host) *Scanner {
	return &Scanner{
		model: model,
		mem:   model.Memory(),
		space: model.Space(),
		host:  host,
	}
}

// ErrFieldDescType is returned for a layout whose field descriptors use the
// reserved encoding.
var ErrFieldDescType = errors.New("scan: unimplemented field descriptor type")

// ScanObject calls v for every outgoing slot of ref. The returned error is a
// corruption of the heap and must be treated as fatal.
func (s *Scanner) ScanObject(ref memory.Address, v Visitor) error {
	sh, err := s.model.ShapeOf(ref)
	if err != nil {
		return err
	}
	switch sh.Kind {
	case objmodel.KindSymbol, objmodel.KindString, objmodel.KindWeakRef:
		// Leaves.
		return nil
	case objmodel.KindBuffer:
		s.scanBuffer(ref, v)
		return nil
	case objmodel.KindSimpleVector:
		n := s.mem.LoadWord(ref.Add(objmodel.SvecLength))
		slot.MemorySlice{Owner: ref, Start: ref.Add(objmodel.SvecData), Count: n}.Each(v.VisitSlot)
		return nil
	case objmodel.KindArray:
		return s.scanArray(ref, sh.Type, v)
	case objmodel.KindModule:
		s.scanModule(ref, v)
		return nil
	case objmodel.KindTask:
		return s.scanTask(ref, sh.Type, v)
	default:
		return s.scanRecord(ref, sh.Type, v)
	}
}

// scanBuffer scans a buffer only when it is a binding that was remembered by
// the write barrier (GC bits 2). Other buffers are reached through the object
// that owns them.
func (s *Scanner) scanBuffer(ref memory.Address, v Visitor) {
	hdr := objmodel.RefToHeader(ref)
	word := s.mem.LoadWord(hdr)
	if gclayout.HeaderGCBits.Get(word) != 2 {
		return
	}
	s.visitBinding(ref, v)
	s.mem.StoreWord(hdr, gclayout.HeaderGCBits.Set(word, 0))
}

func (s *Scanner) visitBinding(b memory.Address, v Visitor) {
	v.VisitSlot(slot.Simple(b.Add(objmodel.BindingValue)))
	v.VisitSlot(slot.Simple(b.Add(objmodel.BindingGlobalRef)))
	v.VisitSlot(slot.Simple(b.Add(objmodel.BindingTy)))
}

func (s *Scanner) scanArray(ref, vt memory.Address, v Visitor) error {
	flags := s.model.ArrayFlags(ref)
	switch gclayout.ArrayHow.Get(flags) {
	case objmodel.HowBuffer:
		// The data pointer points offset elements into a buffer.
		off := uint64(s.mem.LoadU32(ref.Add(objmodel.ArrayOffset))) * uint64(s.mem.LoadU16(ref.Add(objmodel.ArrayElSize)))
		v.VisitSlot(slot.Offset(ref.Add(objmodel.ArrayData), off))
	case objmodel.HowOwner:
		// The owner carries the data.
		v.VisitSlot(slot.Simple(ref.Add(objmodel.ArrayOwner)))
		return nil
	}

	data := s.mem.LoadAddress(ref.Add(objmodel.ArrayData))
	n := s.mem.LoadWord(ref.Add(objmodel.ArrayLength))
	if data.IsZero() || n == 0 {
		return nil
	}

	switch {
	case gclayout.ArrayPtrArray.Get(flags) != 0:
		if s.model.Tparam0(vt) == s.model.Types().SmallTypeof[objmodel.TagSymbol] {
			// Symbols are never collected.
			return nil
		}
		slot.MemorySlice{Owner: ref, Start: data, Count: n}.Each(v.VisitSlot)
	case gclayout.ArrayHasPtr.Get(flags) != 0:
		layout := s.model.LayoutOf(s.model.Tparam0(vt))
		stride := uint64(s.mem.LoadU16(ref.Add(objmodel.ArrayElSize)))
		end := data.Add(n * stride)
		np := layout.NPointers()
		if np == 1 {
			for p := data.Shift(layout.FirstPtr()); p < end; p = p.Add(stride) {
				v.VisitSlot(slot.Simple(p))
			}
			return nil
		}
		if layout.FieldDescType() > 2 {
			return errors.Wrapf(ErrFieldDescType, "array %v", ref)
		}
		for elem := data; elem < end; elem = elem.Add(stride) {
			for i := uint64(0); i < np; i++ {
				v.VisitSlot(slot.Simple(elem.Shift(int(layout.PtrOffset(i)))))
			}
		}
	}
	return nil
}

func (s *Scanner) scanModule(ref memory.Address, v Visitor) {
	size := s.mem.LoadWord(ref.Add(objmodel.ModuleBindingsSize))
	table := s.mem.LoadAddress(ref.Add(objmodel.ModuleBindingsTable))
	if !table.IsZero() {
		// Entries are (key, binding) pairs; visit the binding half.
		end := table.Shift(int(size))
		for p := table.Add(memory.WordSize); p < end; p = p.Add(2 * memory.WordSize) {
			b := s.mem.LoadAddress(p)
			if b == objmodel.HTNotFound || b.IsZero() {
				continue
			}
			v.VisitSlot(slot.Simple(p))
			s.visitBinding(b, v)
		}
	}

	v.VisitSlot(slot.Simple(ref.Add(objmodel.ModuleParent)))

	items := s.mem.LoadAddress(ref.Add(objmodel.ModuleUsingsItems))
	if s.space.IsManaged(items) {
		// The list uses the inline space of the module. Read it from this copy
		// of the module: items may still point into the one we moved from.
		v.VisitSlot(slot.Offset(ref.Add(objmodel.ModuleUsingsItems), objmodel.OffsetOfInlinedSpace))
		items = ref.Add(objmodel.OffsetOfInlinedSpace)
	}
	n := s.mem.LoadWord(ref.Add(objmodel.ModuleUsingsLen))
	slot.MemorySlice{Owner: ref, Start: items, Count: n}.Each(v.VisitSlot)
}

func (s *Scanner) scanTask(ref, vt memory.Address, v Visitor) error {
	if err := s.ScanGCStack(ref, v, nil); err != nil {
		return err
	}
	exc := s.mem.LoadAddress(ref.Add(objmodel.TaskExcStack))
	if !exc.IsZero() {
		if s.space.IsManaged(exc) {
			v.VisitSlot(slot.Simple(ref.Add(objmodel.TaskExcStack)))
		}
		s.scanExcStack(exc, v)
	}
	return s.scanFields(ref, vt, v)
}

func (s *Scanner) scanRecord(ref, vt memory.Address, v Visitor) error {
	return s.scanFields(ref, vt, v)
}

// scanFields visits the pointer fields listed by the layout of vt.
func (s *Scanner) scanFields(ref, vt memory.Address, v Visitor) error {
	layout := s.model.LayoutOf(vt)
	if layout.Addr().IsZero() {
		return nil
	}
	np := layout.NPointers()
	if np == 0 {
		return nil
	}
	if layout.FieldDescType() > 2 {
		return errors.Wrapf(ErrFieldDescType, "object %v", ref)
	}
	for i := uint64(0); i < np; i++ {
		v.VisitSlot(slot.Simple(ref.Shift(int(layout.PtrOffset(i)))))
	}
	return nil
}
