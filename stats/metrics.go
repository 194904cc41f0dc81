package stats

import (
	"math"
)

// Description describes a metric.
type Description struct {
	Name        string
	Description string
	Kind        ValueKind
	Cumulative  bool
}

const (
	HeapUsed    = "/gc/heap/used:bytes"
	HeapFree    = "/gc/heap/free:bytes"
	HeapTotal   = "/gc/heap/total:bytes"
	CyclesTotal = "/gc/cycles/total:gc-cycles"
	PausesTotal = "/gc/pauses/total:seconds"
)

var descriptions = []Description{
	{Name: CyclesTotal, Description: "Count of completed collection cycles.", Kind: KindUint64, Cumulative: true},
	{Name: HeapFree, Description: "Bytes the heap can still allocate before reaching its current limit.", Kind: KindUint64},
	{Name: HeapTotal, Description: "Current heap limit in bytes.", Kind: KindUint64},
	{Name: HeapUsed, Description: "Bytes reserved by live and not yet collected objects.", Kind: KindUint64},
	{Name: PausesTotal, Description: "Total time the world was stopped for collections.", Kind: KindFloat64, Cumulative: true},
}

// All returns a slice containing metric descriptions for all supported
// metrics.
func All() []Description {
	return descriptions
}

// HeapSource reports heap sizes.
type HeapSource interface {
	UsedBytes() uint64
	FreeBytes() uint64
	TotalBytes() uint64
}

// Sample captures a single metric sample.
type Sample struct {
	Name  string
	Value Value
}

// Read populates each Value field in the given slice of metric samples.
// Unknown names get a value of KindBad.
func Read(heap HeapSource, rec *Recorder, m []Sample) {
	for i := range m {
		switch m[i].Name {
		case HeapUsed:
			m[i].Value = uint64Value(heap.UsedBytes())
		case HeapFree:
			m[i].Value = uint64Value(heap.FreeBytes())
		case HeapTotal:
			m[i].Value = uint64Value(heap.TotalBytes())
		case CyclesTotal:
			m[i].Value = uint64Value(uint64(rec.NumGC()))
		case PausesTotal:
			m[i].Value = float64Value(rec.PauseTotal().Seconds())
		default:
			m[i].Value = Value{}
		}
	}
}

// Value represents a metric value returned by the runtime.
type Value struct {
	kind   ValueKind
	scalar uint64
}

func uint64Value(v uint64) Value {
	return Value{kind: KindUint64, scalar: v}
}

func float64Value(v float64) Value {
	return Value{kind: KindFloat64, scalar: math.Float64bits(v)}
}

func (v Value) Kind() ValueKind {
	return v.kind
}

// Uint64 returns the internal uint64 value for the metric.
// It panics if the metric is not KindUint64.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

// Float64 returns the internal float64 value for the metric.
// It panics if the metric is not KindFloat64.
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

// ValueKind is a tag for a metric Value which indicates its type.
type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
)
