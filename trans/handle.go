package trans

import (
	"sync"

	"github.com/sharedcode/glassdb"
)

// Handle is the protocol state of one logical transaction. It keeps the same
// identity across every attempt; Reset swaps the attempt's Access in place.
type Handle struct {
	id glassdb.UUID

	mu       sync.Mutex
	retries  int
	access   glassdb.Access
	reserved glassdb.Version
}

func newHandle(id glassdb.UUID, access glassdb.Access) *Handle {
	return &Handle{
		id:     id,
		access: access,
	}
}

// ID returns the transaction identity, stable across retries.
func (h *Handle) ID() glassdb.UUID {
	return h.id
}

// Retries returns how many times the transaction was reset for a new attempt.
func (h *Handle) Retries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries
}

// Access returns the accumulated Access of the current attempt.
func (h *Handle) Access() glassdb.Access {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.access
}

// Reserved returns the commit version reserved by the last commit attempt.
func (h *Handle) Reserved() glassdb.Version {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reserved
}

func (h *Handle) reset(access glassdb.Access) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries++
	h.access = access
	h.reserved = glassdb.NoVersion
}

func (h *Handle) reserve(v glassdb.Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved = v
}
