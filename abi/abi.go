// Package abi describes the structures shared by the host runtime and the
// collector, and the checksum both sides compare at startup.
package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"

	"github.com/tinygo-org/gcbind/objmodel"
)

// Struct is one shared structure.
type Struct struct {
	Name string
	Size uint64
}

// MutatorSize is the size of the mutator handle the host reserves in its
// thread-local state.
const MutatorSize = 64

// Shared lists every structure whose layout must match on both sides.
var Shared = []Struct{
	{"datatype", objmodel.DatatypeSize},
	{"typename", objmodel.TypeNameSize},
	{"datatype_layout", objmodel.LayoutHeaderBytes},
	{"array", objmodel.ArrayHeaderBytes},
	{"module", objmodel.ModuleSize},
	{"binding", objmodel.BindingSize},
	{"task", objmodel.TaskSize},
	{"tls_states", objmodel.TLSSize},
	{"gcframe", objmodel.FrameRoots},
	{"excstack", objmodel.ExcStackRaw},
	{"weakref", objmodel.WeakRefValue + 8},
	{"bigval", objmodel.LargeHeaderSize},
	{"mutator", MutatorSize},
}

// Checksum returns the sum of the sizes of structs.
func Checksum(structs []Struct) uint64 {
	var sum uint64
	for _, s := range structs {
		sum += s.Size
	}
	return sum
}

// Expected is the checksum the host must report.
func Expected() uint64 {
	return Checksum(Shared)
}

var table = crc16.MakeTable(crc16.CRC16_XMODEM)

// Fingerprint identifies a struct table, names included. Two tables with the
// same checksum but different layouts get different fingerprints, which makes
// mismatch reports easier to read.
func Fingerprint(structs []Struct) uint16 {
	var buf []byte
	for _, s := range structs {
		buf = append(buf, s.Name...)
		buf = binary.LittleEndian.AppendUint64(buf, s.Size)
	}
	return crc16.Checksum(buf, table)
}

// MismatchError reports a host built against different structures.
type MismatchError struct {
	Host    uint64
	Binding uint64
	// HostStructs is the host's table, when it reported one.
	HostStructs []Struct
	Structs     []Struct
}

func (e *MismatchError) Error() string {
	msg := fmt.Sprintf("ABI mismatch: host checksum %d, binding checksum %d", e.Host, e.Binding)
	if e.HostStructs != nil {
		msg += fmt.Sprintf(" (host layout %04x, binding layout %04x)", Fingerprint(e.HostStructs), Fingerprint(e.Structs))
	}
	return msg
}

// Check compares the checksum computed by the host with ours.
func Check(host uint64) error {
	return CheckLayout(host, nil)
}

// CheckLayout is Check for a host that also reports its struct table. The
// tables must then agree on names and order too.
func CheckLayout(host uint64, structs []Struct) error {
	want := Expected()
	if host != want || (structs != nil && Fingerprint(structs) != Fingerprint(Shared)) {
		return &MismatchError{Host: host, Binding: want, HostStructs: structs, Structs: Shared}
	}
	return nil
}
