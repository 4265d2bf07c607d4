package geo

import (
	"sync"

	"github.com/example/ride-coordination/internal/models"
)

// MemoryHistory is the in-memory ride-scoped location-history log. Entries are
// append-only; nothing is ever rewritten, so disputes can replay the trail.
type MemoryHistory struct {
	mu     sync.RWMutex
	byRide map[string][]models.Captain
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{byRide: make(map[string][]models.Captain)}
}

func (h *MemoryHistory) AppendLocation(rideID string, c models.Captain) {
	if rideID == "" {
		return
	}
	h.mu.Lock()
	h.byRide[rideID] = append(h.byRide[rideID], c)
	h.mu.Unlock()
}

// Trail returns the recorded samples for a ride in append order.
func (h *MemoryHistory) Trail(rideID string) []models.Captain {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src := h.byRide[rideID]
	out := make([]models.Captain, len(src))
	copy(out, src)
	return out
}
