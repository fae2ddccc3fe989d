package quota

import (
	"sync"
	"sync/atomic"
)

// UserEntry is the live per-user state: the admission mutex and the
// cooperative cancellation watermark. Every admitted job takes the next
// generation; a cancel request covers every generation admitted so far.
type UserEntry struct {
	admission   sync.Mutex
	admitted    atomic.Uint64
	cancelBelow atomic.Uint64
	forgotten   atomic.Bool
}

// admit hands out the next job generation.
func (e *UserEntry) admit() uint64 {
	return e.admitted.Add(1)
}

// cancelAdmitted cancels every job admitted so far. Later admissions are not
// affected.
func (e *UserEntry) cancelAdmitted() {
	mark := e.admitted.Load() + 1
	for {
		cur := e.cancelBelow.Load()
		if cur >= mark || e.cancelBelow.CompareAndSwap(cur, mark) {
			return
		}
	}
}

// jobCancelled reports whether the job of generation gen was cancelled.
func (e *UserEntry) jobCancelled(gen uint64) bool {
	return e.forgotten.Load() || gen < e.cancelBelow.Load()
}

// pending reports whether a cancel request is newer than the latest admission.
func (e *UserEntry) pending() bool {
	return e.forgotten.Load() || e.admitted.Load() < e.cancelBelow.Load()
}

// Registry owns one UserEntry per user. The map lock is held only to find or
// drop entries; admission itself serializes on the entry's own mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*UserEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*UserEntry)}
}

// Entry returns the user's entry, creating it on first use.
func (r *Registry) Entry(userID string) *UserEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		e = &UserEntry{}
		r.entries[userID] = e
	}
	return e
}

// Lookup returns the user's entry without creating one.
func (r *Registry) Lookup(userID string) (*UserEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	return e, ok
}

// Forget drops the user's entry. Jobs still holding it see themselves
// cancelled.
func (r *Registry) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		e.forgotten.Store(true)
		delete(r.entries, userID)
	}
}

// Len is the number of tracked users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
