//go:build !gcasserts

package memory

// Asserts enables internal consistency checks on memory accesses and in the
// collector. Build with the gcasserts tag to turn them on.
const Asserts = false
