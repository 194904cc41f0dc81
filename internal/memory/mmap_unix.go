//go:build unix

package memory

import "golang.org/x/sys/unix"

func mapChunk() ([]byte, error) {
	return unix.Mmap(-1, 0, ChunkBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapChunk(b []byte) error {
	return unix.Munmap(b)
}
