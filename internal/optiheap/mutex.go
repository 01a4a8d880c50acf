package optiheap

import "sync"

// mutex is sync.Mutex gated by Config.ThreadSafe, so a single-goroutine
// embedder can elide locking entirely rather than pay for an uncontended
// mutex on every allocation.
type mutex struct {
	enabled bool
	mu      sync.Mutex
}

func newMutex(enabled bool) mutex {
	return mutex{enabled: enabled}
}

func (m *mutex) Lock() {
	if m.enabled {
		m.mu.Lock()
	}
}

func (m *mutex) Unlock() {
	if m.enabled {
		m.mu.Unlock()
	}
}
