package abi

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum(t *testing.T) {
	assert.Zero(t, Checksum(nil))
	assert.Equal(t, uint64(24), Checksum([]Struct{{"a", 8}, {"b", 16}}))
	assert.NotZero(t, Expected())
	assert.NoError(t, Check(Expected()))
}

func TestMismatch(t *testing.T) {
	err := Check(Expected() + 8)
	var mismatch *MismatchError
	if assert.True(t, errors.As(err, &mismatch)) {
		assert.Equal(t, Expected()+8, mismatch.Host)
		assert.Equal(t, Expected(), mismatch.Binding)
	}
	assert.ErrorContains(t, err, "ABI mismatch")
	assert.NotContains(t, err.Error(), "layout")
}

func TestLayoutMismatch(t *testing.T) {
	assert.NoError(t, CheckLayout(Expected(), Shared))

	swapped := append([]Struct(nil), Shared...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	err := CheckLayout(Expected(), swapped)
	var mismatch *MismatchError
	if assert.True(t, errors.As(err, &mismatch)) {
		assert.Equal(t, swapped, mismatch.HostStructs)
	}
	assert.ErrorContains(t, err, fmt.Sprintf("host layout %04x, binding layout %04x", Fingerprint(swapped), Fingerprint(Shared)))
}

func TestFingerprint(t *testing.T) {
	a := []Struct{{"task", 8}, {"frame", 16}}
	b := []Struct{{"task", 16}, {"frame", 8}}
	assert.Equal(t, Checksum(a), Checksum(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.Equal(t, Fingerprint(a), Fingerprint([]Struct{{"task", 8}, {"frame", 16}}))
}
