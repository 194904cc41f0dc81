//go:build !unix

package memory

func mapChunk() ([]byte, error) {
	return make([]byte, ChunkBytes), nil
}

func unmapChunk(b []byte) error {
	return nil
}
