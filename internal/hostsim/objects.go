package hostsim

import (
	"github.com/tinygo-org/gcbind/engine"
	"github.com/tinygo-org/gcbind/internal/gclayout"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/slot"
)

// alloc allocates an object with the given header and payload bytes. Objects
// too large for the small object spaces go to the large object space.
func (t *Thread) alloc(header, payload uint64) (memory.Address, error) {
	size := objmodel.HeaderSize + payload
	if size > engine.MaxMovableBytes {
		return t.allocWith(header, payload, engine.Large)
	}
	return t.allocWith(header, payload, engine.Default)
}

func (t *Thread) allocWith(header, payload uint64, sem engine.Semantics) (memory.Address, error) {
	b := t.rt.B
	var ref memory.Address
	switch sem {
	case engine.Large:
		start, err := b.Alloc(t.M, objmodel.LargeHeaderSize+payload, objmodel.ObjectAlignment, objmodel.LargeHeaderSize, sem)
		if err != nil {
			return 0, err
		}
		t.rt.mem.StoreWord(start.Add(objmodel.LargeSizeOffset), objmodel.LargeHeaderSize+payload)
		ref = start.Add(objmodel.LargeHeaderSize)
	default:
		start, err := b.Alloc(t.M, objmodel.HeaderSize+payload, objmodel.ObjectAlignment, objmodel.HeaderSize, sem)
		if err != nil {
			return 0, err
		}
		ref = start.Add(objmodel.HeaderSize)
	}
	t.rt.mem.StoreWord(objmodel.RefToHeader(ref), header)
	b.PostAlloc(t.M, ref, sem)
	return ref, nil
}

// NewRecord allocates a zeroed record of typ.
func (t *Thread) NewRecord(typ *Type) (memory.Address, error) {
	return t.alloc(uint64(typ.Addr), typ.Size())
}

// NewRecordWith allocates a record with explicit semantics.
func (t *Thread) NewRecordWith(typ *Type, sem engine.Semantics) (memory.Address, error) {
	return t.allocWith(uint64(typ.Addr), typ.Size(), sem)
}

// NewInt64 boxes v.
func (t *Thread) NewInt64(v int64) (memory.Address, error) {
	ref, err := t.alloc(objmodel.TagInt64.Header(), memory.WordSize)
	if err != nil {
		return 0, err
	}
	t.rt.mem.StoreWord(ref, uint64(v))
	return ref, nil
}

// NewString allocates a string.
func (t *Thread) NewString(s string) (memory.Address, error) {
	n := uint64(len(s))
	ref, err := t.alloc(objmodel.TagString.Header(), objmodel.StringData+n+1)
	if err != nil {
		return 0, err
	}
	t.rt.mem.StoreWord(ref.Add(objmodel.StringLength), n)
	t.rt.mem.WriteBytes(ref.Add(objmodel.StringData), []byte(s))
	return ref, nil
}

// NewSvec allocates a simple vector of n references.
func (t *Thread) NewSvec(n int) (memory.Address, error) {
	ref, err := t.alloc(objmodel.TagSimpleVector.Header(), objmodel.SvecData+uint64(n)*memory.WordSize)
	if err != nil {
		return 0, err
	}
	t.rt.mem.StoreWord(ref.Add(objmodel.SvecLength), uint64(n))
	return ref, nil
}

// NewArray allocates an array of n references with inline data.
func (t *Thread) NewArray(n int) (memory.Address, error) {
	bytes := uint64(n) * memory.WordSize
	ref, err := t.alloc(uint64(t.rt.arrayAny.Addr), objmodel.ArrayHeaderBytes+bytes)
	if err != nil {
		return 0, err
	}
	t.initArray(ref, n, memory.WordSize, objmodel.HowInline, true)
	t.rt.mem.StoreAddress(ref.Add(objmodel.ArrayData), ref.Add(objmodel.ArrayHeaderBytes))
	return ref, nil
}

// NewStructArray allocates an array of n inline records of the element type
// of arrayType, made by ArrayOf.
func (t *Thread) NewStructArray(arrayType, elem *Type, n int) (memory.Address, error) {
	stride := elem.Size()
	ref, err := t.alloc(uint64(arrayType.Addr), objmodel.ArrayHeaderBytes+uint64(n)*stride)
	if err != nil {
		return 0, err
	}
	t.initArray(ref, n, stride, objmodel.HowInline, false)
	flags := t.rt.mem.LoadU16(ref.Add(objmodel.ArrayFlags))
	t.rt.mem.StoreU16(ref.Add(objmodel.ArrayFlags), uint16(gclayout.ArrayHasPtr.Set(uint64(flags), 1)))
	t.rt.mem.StoreAddress(ref.Add(objmodel.ArrayData), ref.Add(objmodel.ArrayHeaderBytes))
	return ref, nil
}

// NewMallocArray allocates an array of n references stored in native memory.
// The memory is freed once the array dies.
func (t *Thread) NewMallocArray(n int) (memory.Address, error) {
	ref, err := t.alloc(uint64(t.rt.arrayAny.Addr), objmodel.ArrayHeaderBytes)
	if err != nil {
		return 0, err
	}
	t.initArray(ref, n, memory.WordSize, objmodel.HowMalloc, true)
	bytes := uint64(n) * memory.WordSize
	data := t.rt.Malloc(bytes)
	t.rt.mem.StoreAddress(ref.Add(objmodel.ArrayData), data)
	t.rt.mu.Lock()
	t.rt.malloced[ref] = mallocInfo{data: data, bytes: bytes}
	t.rt.mu.Unlock()
	return ref, nil
}

// NewOwnerArray allocates an array that borrows the data of the array owner.
// The owner is pinned: the borrowed data pointer is never updated.
func (t *Thread) NewOwnerArray(owner memory.Address) (memory.Address, error) {
	b := t.rt.B
	b.PinObject(owner)
	n := int(t.rt.mem.LoadWord(owner.Add(objmodel.ArrayLength)))
	ref, err := t.alloc(uint64(t.rt.arrayAny.Addr), objmodel.ArrayHeaderBytes)
	if err != nil {
		b.UnpinObject(owner)
		return 0, err
	}
	t.initArray(ref, n, memory.WordSize, objmodel.HowOwner, true)
	t.rt.mem.StoreAddress(ref.Add(objmodel.ArrayData), t.rt.mem.LoadAddress(owner.Add(objmodel.ArrayData)))
	t.rt.mem.StoreAddress(ref.Add(objmodel.ArrayOwner), owner)
	b.WriteBarrier(t.M, ref, owner)
	return ref, nil
}

func (t *Thread) initArray(ref memory.Address, n int, elsize uint64, how uint64, ptrArray bool) {
	mem := t.rt.mem
	flags := gclayout.ArrayHow.Set(0, how)
	if ptrArray {
		flags = gclayout.ArrayPtrArray.Set(flags, 1)
	}
	mem.StoreWord(ref.Add(objmodel.ArrayLength), uint64(n))
	mem.StoreU16(ref.Add(objmodel.ArrayFlags), uint16(flags))
	mem.StoreU16(ref.Add(objmodel.ArrayElSize), uint16(elsize))
}

// NewBuffer allocates a non-moving buffer object of payload bytes.
func (t *Thread) NewBuffer(payload uint64) (memory.Address, error) {
	size := objmodel.BufferHeaderSize + payload
	start, err := t.rt.B.Alloc(t.M, size, objmodel.ObjectAlignment, objmodel.BufferHeaderSize, engine.NonMoving)
	if err != nil {
		return 0, err
	}
	ref := start.Add(objmodel.BufferHeaderSize)
	t.rt.mem.StoreWord(start, size)
	t.rt.mem.StoreWord(objmodel.RefToHeader(ref), t.rt.Types.BufferTag)
	t.rt.B.PostAlloc(t.M, ref, engine.NonMoving)
	return ref, nil
}

// NewModule allocates a module whose usings list uses its inline space.
func (t *Thread) NewModule(name, parent memory.Address) (memory.Address, error) {
	ref, err := t.alloc(objmodel.TagModule.Header(), objmodel.ModuleSize)
	if err != nil {
		return 0, err
	}
	mem := t.rt.mem
	mem.StoreAddress(ref.Add(objmodel.ModuleName), name)
	mem.StoreAddress(ref.Add(objmodel.ModuleParent), parent)
	mem.StoreWord(ref.Add(objmodel.ModuleUsingsMax), objmodel.ArrayListInline)
	mem.StoreAddress(ref.Add(objmodel.ModuleUsingsItems), ref.Add(objmodel.OffsetOfInlinedSpace))
	return ref, nil
}

// AddUsing appends using to the usings of module.
func (t *Thread) AddUsing(module, using memory.Address) {
	mem := t.rt.mem
	n := mem.LoadWord(module.Add(objmodel.ModuleUsingsLen))
	if n >= objmodel.ArrayListInline {
		panic("hostsim: usings list full")
	}
	items := mem.LoadAddress(module.Add(objmodel.ModuleUsingsItems))
	mem.StoreAddress(items.Add(n*memory.WordSize), using)
	mem.StoreWord(module.Add(objmodel.ModuleUsingsLen), n+1)
	t.rt.B.WriteBarrier(t.M, module, using)
}

// Using returns using i of module.
func (rt *Runtime) Using(module memory.Address, i int) memory.Address {
	items := rt.mem.LoadAddress(module.Add(objmodel.ModuleUsingsItems))
	return rt.mem.LoadAddress(items.Add(uint64(i) * memory.WordSize))
}

// NewWeakRef allocates a weak reference to target.
func (t *Thread) NewWeakRef(target memory.Address) (memory.Address, error) {
	ref, err := t.NewRecord(t.rt.weakRefType)
	if err != nil {
		return 0, err
	}
	t.rt.mem.StoreAddress(ref.Add(objmodel.WeakRefValue), target)
	t.rt.B.RegisterWeakRef(ref)
	return ref, nil
}

// WeakValue returns the referent of a weak reference.
func (rt *Runtime) WeakValue(wr memory.Address) memory.Address {
	return rt.mem.LoadAddress(wr.Add(objmodel.WeakRefValue))
}

// Field loads field i of a record, or element i of an array or simple
// vector.
func (rt *Runtime) Field(ref memory.Address, i int) memory.Address {
	return slot.Simple(rt.fieldAddr(ref, i)).Load(rt.mem)
}

// Store writes field i of ref and runs the write barrier.
func (t *Thread) Store(ref memory.Address, i int, v memory.Address) {
	slot.Simple(t.rt.fieldAddr(ref, i)).Store(t.rt.mem, v)
	t.rt.B.WriteBarrier(t.M, ref, v)
}

// StoreStructField writes word field of element i of a struct array.
func (t *Thread) StoreStructField(array memory.Address, elem *Type, i, field int, v memory.Address) {
	data := t.rt.mem.LoadAddress(array.Add(objmodel.ArrayData))
	t.rt.mem.StoreAddress(data.Add(uint64(i)*elem.Size()+uint64(field)*memory.WordSize), v)
	t.rt.B.WriteBarrier(t.M, array, v)
}

// StructField loads word field of element i of a struct array.
func (rt *Runtime) StructField(array memory.Address, elem *Type, i, field int) memory.Address {
	data := rt.mem.LoadAddress(array.Add(objmodel.ArrayData))
	return rt.mem.LoadAddress(data.Add(uint64(i)*elem.Size() + uint64(field)*memory.WordSize))
}

func (rt *Runtime) fieldAddr(ref memory.Address, i int) memory.Address {
	sh, err := rt.B.Model().ShapeOf(ref)
	if err != nil {
		panic(err)
	}
	switch sh.Kind {
	case objmodel.KindArray:
		data := rt.mem.LoadAddress(ref.Add(objmodel.ArrayData))
		return data.Add(uint64(i) * memory.WordSize)
	case objmodel.KindSimpleVector:
		return ref.Add(objmodel.SvecData + uint64(i)*memory.WordSize)
	default:
		return ref.Add(uint64(i) * memory.WordSize)
	}
}

// Int64 unboxes an object made by NewInt64.
func (rt *Runtime) Int64(ref memory.Address) int64 {
	return int64(rt.mem.LoadWord(ref))
}

// String returns the contents of a string object.
func (rt *Runtime) String(ref memory.Address) string {
	return rt.B.Model().SymbolName(ref)
}
