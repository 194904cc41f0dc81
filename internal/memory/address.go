// Package memory implements the simulated address space shared by the host
// runtime and the collector.
//
// Addresses are plain 64-bit numbers. Memory is reserved in chunks of
// ChunkBytes that are only backed once something maps them, so the spaces can
// live at fixed, far apart addresses (like 0x200_0000_0000) without reserving
// the whole range.
package memory

import "fmt"

// Address is a byte location in the simulated address space.
type Address uint64

const (
	WordSize    = 8
	LogWordSize = 3
)

// Add returns a+n.
func (a Address) Add(n uint64) Address {
	return a + Address(n)
}

// Sub returns a-n.
func (a Address) Sub(n uint64) Address {
	return a - Address(n)
}

// Shift moves the address by a (possibly negative) number of words.
func (a Address) Shift(words int) Address {
	return Address(int64(a) + int64(words)*WordSize)
}

// Diff returns the number of bytes between b and a. It assumes a >= b.
func (a Address) Diff(b Address) uint64 {
	return uint64(a - b)
}

// AlignUp rounds the address up to a multiple of align, which must be a power
// of two.
func (a Address) AlignUp(align uint64) Address {
	return Address(AlignUp(uint64(a), align))
}

// AlignDown rounds the address down to a multiple of align.
func (a Address) AlignDown(align uint64) Address {
	return a &^ Address(align-1)
}

func (a Address) IsAligned(align uint64) bool {
	return uint64(a)&(align-1) == 0
}

func (a Address) IsZero() bool {
	return a == 0
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
