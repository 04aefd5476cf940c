package launcher

import "sync"

// lockTable provides per-instance advisory locks. Operations on the same
// instance are mutually exclusive; different instances proceed in parallel.
type lockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]struct{})}
}

// acquire takes the lock for id or fails immediately with ErrInstanceBusy.
func (l *lockTable) acquire(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[id]; busy {
		return ErrInstanceBusy
	}
	l.held[id] = struct{}{}
	return nil
}

func (l *lockTable) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
