package queue

import (
	"sync"

	"github.com/pagesnap/pagesnap/internal/snap"
)

// Registry lets callers wait for a job's final snapshot. Each job id
// has at most one waiter, and a result is delivered at most once.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]chan snap.Snapshot
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{waiters: make(map[string]chan snap.Snapshot)}
}

// Register returns a channel that receives the job's final snapshot,
// and a cancel func that must be called when the caller stops waiting.
// Registering again for the same job replaces the previous waiter.
func (r *Registry) Register(jobID string) (<-chan snap.Snapshot, func()) {
	ch := make(chan snap.Snapshot, 1)
	r.mu.Lock()
	r.waiters[jobID] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if r.waiters[jobID] == ch {
			delete(r.waiters, jobID)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Notify delivers the final snapshot to the job's waiter, if any.
func (r *Registry) Notify(jobID string, sn snap.Snapshot) {
	r.mu.Lock()
	ch, ok := r.waiters[jobID]
	if ok {
		delete(r.waiters, jobID)
	}
	r.mu.Unlock()
	if ok {
		ch <- sn
	}
}
