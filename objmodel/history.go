package objmodel

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/tinygo-org/gcbind/internal/memory"
)

// History remembers the type of recently moved objects by their old address,
// so that a corruption report about a stale reference can name what used to
// live there.
type History struct {
	cache *lru.Cache
}

// NewHistory returns a history of at most size entries.
func NewHistory(size int) (*History, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &History{cache: c}, nil
}

// Record notes that the object at from, of type name, was moved away.
func (h *History) Record(from memory.Address, name string) {
	h.cache.Add(from, name)
}

// Lookup returns the recorded type name for addr or "unknown".
func (h *History) Lookup(addr memory.Address) string {
	if v, ok := h.cache.Get(addr); ok {
		return v.(string)
	}
	return "unknown"
}

// Len returns the number of remembered objects.
func (h *History) Len() int {
	return h.cache.Len()
}
