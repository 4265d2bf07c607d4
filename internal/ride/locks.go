package ride

import "sync"

// lockTable hands out one mutex per ride id. Holding the ride's lock is the
// per-ride serialization guarantee: two concurrent transition attempts on the
// same ride cannot both observe the same starting status.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) lock(rideID string) func() {
	t.mu.Lock()
	l, ok := t.locks[rideID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[rideID] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// forget drops the entry once a ride is terminal. A straggler transition
// attempt simply recreates it, observes the terminal status, and fails.
func (t *lockTable) forget(rideID string) {
	t.mu.Lock()
	delete(t.locks, rideID)
	t.mu.Unlock()
}
