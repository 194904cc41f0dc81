//go:build gcasserts

package memory

const Asserts = true
