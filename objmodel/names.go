package objmodel

import (
	"github.com/tinygo-org/gcbind/internal/gclayout"
	"github.com/tinygo-org/gcbind/internal/memory"
)

const maxNameBytes = 256

// TypeName returns a printable type name of ref for diagnostics.
func (m *Model) TypeName(ref memory.Address) string {
	sh, err := m.ShapeOf(ref)
	if err != nil {
		return "corrupt"
	}
	if sh.Kind == KindBuffer {
		return "buffer"
	}
	if tag := m.TypeTag(ref); tag < MaxTags.Header() {
		return SmallTag(tag >> gclayout.SmallTagShift).String()
	}
	return m.DatatypeName(sh.Type)
}

// DatatypeName returns the name of a datatype via its type name symbol.
func (m *Model) DatatypeName(vt memory.Address) string {
	tn := m.mem.LoadAddress(vt.Add(DatatypeName))
	if tn.IsZero() || !m.mem.IsMapped(tn) {
		return "unknown"
	}
	sym := m.mem.LoadAddress(tn.Add(TypeNameName))
	if sym.IsZero() || !m.mem.IsMapped(sym) {
		return "unknown"
	}
	return m.SymbolName(sym)
}

// SymbolName returns the characters of a symbol (or string) object.
func (m *Model) SymbolName(sym memory.Address) string {
	n := min(m.mem.LoadWord(sym.Add(StringLength)), maxNameBytes)
	return string(m.mem.ReadBytes(sym.Add(StringData), n))
}
