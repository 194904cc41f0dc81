package engine

import (
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/internal/sidemeta"
)

// NeedsWriteBarrier reports whether mutators must call WriteBarrier after
// storing references.
func (e *Engine) NeedsWriteBarrier() bool {
	return e.plan.Generational()
}

// WriteBarrier is called after a reference was stored into src. The first
// write into an old object since the last collection logs it in the
// mutator's modified buffer; nursery collections treat the slots of logged
// objects as roots.
func (e *Engine) WriteBarrier(a *Allocators, src memory.Address) {
	if !e.plan.Generational() || src.IsZero() {
		return
	}
	if !e.meta.Test(src, sidemeta.Unlogged) {
		return
	}
	if e.meta.Clear(src, sidemeta.Unlogged) {
		a.modbuf = append(a.modbuf, src)
	}
}

// IsUnlogged reports whether writes into ref would be logged.
func (e *Engine) IsUnlogged(ref memory.Address) bool {
	return e.meta.Test(ref, sidemeta.Unlogged)
}
