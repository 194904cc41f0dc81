package hostsim

import (
	"github.com/tinygo-org/gcbind/internal/gclayout"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
)

// Type is a datatype of the boot image.
type Type struct {
	Name string
	Addr memory.Address
	// Fields is the number of word sized fields of a record.
	Fields int
	// Ptrs lists the fields that hold references.
	Ptrs []int
}

// Size returns the payload bytes of a record of this type.
func (t *Type) Size() uint64 { return uint64(t.Fields) * memory.WordSize }

// bootObject allocates an object of payload bytes in the boot image. The
// reference is 16 byte aligned with the header in the word before it.
func (rt *Runtime) bootObject(header uint64, payload uint64) memory.Address {
	start := rt.boot.alloc(objmodel.ObjectAlignment+payload, objmodel.ObjectAlignment)
	ref := start.Add(objmodel.ObjectAlignment)
	rt.mem.StoreWord(ref.Sub(objmodel.HeaderSize), header)
	return ref
}

// bootSymbol allocates a symbol.
func (rt *Runtime) bootSymbol(name string) memory.Address {
	n := uint64(len(name))
	sym := rt.bootObject(objmodel.TagSymbol.Header(), objmodel.StringData+n+1)
	rt.mem.StoreWord(sym.Add(objmodel.StringLength), n)
	rt.mem.WriteBytes(sym.Add(objmodel.StringData), []byte(name))
	return sym
}

// bootSvec allocates a simple vector of elems.
func (rt *Runtime) bootSvec(elems ...memory.Address) memory.Address {
	n := uint64(len(elems))
	sv := rt.bootObject(objmodel.TagSimpleVector.Header(), objmodel.SvecData+n*memory.WordSize)
	rt.mem.StoreWord(sv.Add(objmodel.SvecLength), n)
	for i, e := range elems {
		rt.mem.StoreAddress(sv.Add(objmodel.SvecData+uint64(i)*memory.WordSize), e)
	}
	return sv
}

// bootLayout writes a layout descriptor with 8-bit field descriptors.
func (rt *Runtime) bootLayout(size uint64, nfields int, ptrs []int, flags uint64) memory.Address {
	n := objmodel.LayoutHeaderBytes + uint64(nfields)*2 + uint64(len(ptrs))
	l := rt.boot.alloc(n, memory.WordSize)
	mem := rt.mem
	mem.StoreU32(l.Add(objmodel.LayoutSize), uint32(size))
	mem.StoreU32(l.Add(objmodel.LayoutNFields), uint32(nfields))
	mem.StoreU32(l.Add(objmodel.LayoutNPointers), uint32(len(ptrs)))
	first := int32(-1)
	if len(ptrs) > 0 {
		first = int32(ptrs[0])
	}
	mem.StoreU32(l.Add(objmodel.LayoutFirstPtr), uint32(first))
	mem.StoreU16(l.Add(objmodel.LayoutAlignment), memory.WordSize)
	mem.StoreU16(l.Add(objmodel.LayoutFlags), uint16(gclayout.LayoutFieldDescType.Set(flags, 0)))
	for i := 0; i < nfields; i++ {
		d := l.Add(objmodel.LayoutHeaderBytes + uint64(i)*2)
		mem.StoreU8(d, uint8(i*memory.WordSize))
		mem.StoreU8(d.Add(1), memory.WordSize)
	}
	p := l.Add(objmodel.LayoutHeaderBytes + uint64(nfields)*2)
	for i, off := range ptrs {
		mem.StoreU8(p.Add(uint64(i)), uint8(off))
	}
	return l
}

// bootTypeName allocates a type name for name.
func (rt *Runtime) bootTypeName(name string) memory.Address {
	var hdr uint64
	if rt.typeNameType != nil {
		hdr = uint64(rt.typeNameType.Addr)
	}
	tn := rt.bootObject(hdr, objmodel.TypeNameSize)
	rt.mem.StoreAddress(tn.Add(objmodel.TypeNameName), rt.bootSymbol(name))
	return tn
}

// bootDatatype allocates a datatype. A zero typeName makes a new one.
func (rt *Runtime) bootDatatype(name string, typeName memory.Address, fields int, ptrs []int, params memory.Address, layoutFlags uint64) *Type {
	if typeName.IsZero() {
		typeName = rt.bootTypeName(name)
	}
	dt := rt.bootObject(objmodel.TagDatatype.Header(), objmodel.DatatypeSize)
	mem := rt.mem
	mem.StoreAddress(dt.Add(objmodel.DatatypeName), typeName)
	mem.StoreAddress(dt.Add(objmodel.DatatypeParameters), params)
	mem.StoreAddress(dt.Add(objmodel.DatatypeLayout), rt.bootLayout(uint64(fields)*memory.WordSize, fields, ptrs, layoutFlags))
	mem.StoreU32(dt.Add(objmodel.DatatypeHash), uint32(dt>>4))
	return &Type{Name: name, Addr: dt, Fields: fields, Ptrs: ptrs}
}

// bootTypes builds the type table.
func (rt *Runtime) bootTypes() {
	types := &objmodel.Types{}
	rt.Types = types

	rt.typeNameType = rt.bootDatatype("TypeName", 0, 2, nil, 0, 0)
	tn := rt.mem.LoadAddress(rt.typeNameType.Addr.Add(objmodel.DatatypeName))
	rt.mem.StoreWord(tn.Sub(objmodel.HeaderSize), uint64(rt.typeNameType.Addr))

	types.SmallTypeof[objmodel.TagDatatype] = rt.bootDatatype("DataType", 0, objmodel.DatatypeSize/memory.WordSize, nil, 0, 0).Addr
	types.SmallTypeof[objmodel.TagSymbol] = rt.bootDatatype("Symbol", 0, 0, nil, 0, 0).Addr
	types.SmallTypeof[objmodel.TagString] = rt.bootDatatype("String", 0, 0, nil, 0, 0).Addr
	types.SmallTypeof[objmodel.TagSimpleVector] = rt.bootDatatype("SimpleVector", 0, 0, nil, 0, 0).Addr
	rt.moduleType = rt.bootDatatype("Module", 0, 0, nil, 0, 0)
	types.SmallTypeof[objmodel.TagModule] = rt.moduleType.Addr
	rt.taskType = rt.bootDatatype("Task", 0, objmodel.TaskSize/memory.WordSize, []int{0, 1, 2, 3, 4, 5, 6}, 0, 0)
	types.SmallTypeof[objmodel.TagTask] = rt.taskType.Addr

	bits := []struct {
		tag  objmodel.SmallTag
		size int
	}{
		{objmodel.TagBool, 1}, {objmodel.TagChar, 4},
		{objmodel.TagInt8, 1}, {objmodel.TagUInt8, 1},
		{objmodel.TagInt16, 2}, {objmodel.TagUInt16, 2},
		{objmodel.TagInt32, 4}, {objmodel.TagUInt32, 4},
		{objmodel.TagInt64, 8}, {objmodel.TagUInt64, 8},
	}
	for _, b := range bits {
		t := rt.bootDatatype(b.tag.String(), 0, 0, nil, 0, 0)
		rt.mem.StoreU32(rt.mem.LoadAddress(t.Addr.Add(objmodel.DatatypeLayout)).Add(objmodel.LayoutSize), uint32(b.size))
		types.SmallTypeof[b.tag] = t.Addr
	}

	rt.anyType = rt.bootDatatype("Any", 0, 0, nil, 0, 0)
	types.ArrayTypeName = rt.bootTypeName("Array")
	rt.arrayAny = rt.bootDatatype("Array", types.ArrayTypeName, 0, nil, rt.bootSvec(rt.anyType.Addr), 0)

	rt.weakRefType = rt.bootDatatype("WeakRef", 0, 1, nil, 0, 0)
	types.WeakRefType = rt.weakRefType.Addr

	rt.nothingType = rt.bootDatatype("Nothing", 0, 0, nil, 0, 0)
	types.Nothing = rt.bootObject(uint64(rt.nothingType.Addr), 0)

	rt.bufferType = rt.bootDatatype("Buffer", 0, 0, nil, 0, 0)
	types.BufferTag = uint64(rt.bufferType.Addr)
}

// NewType defines a record type of fields words. ptrs lists the fields that
// hold references.
func (rt *Runtime) NewType(name string, fields int, ptrs ...int) *Type {
	return rt.bootDatatype(name, 0, fields, ptrs, 0, 0)
}

// ArrayOf defines the type of arrays whose elements are inline records of
// elem.
func (rt *Runtime) ArrayOf(elem *Type) *Type {
	t := rt.bootDatatype("Array", rt.Types.ArrayTypeName, 0, nil, rt.bootSvec(elem.Addr), 0)
	t.Name = "Array{" + elem.Name + "}"
	return t
}

// Nothing returns the value stored in cleared weak references.
func (rt *Runtime) Nothing() memory.Address { return rt.Types.Nothing }
