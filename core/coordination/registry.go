package coordination

import "sync"

// Registry is the in-memory lock bookkeeping: which participant holds which
// lock identifier, and the highest grant generation (fencing token)
// observed per lock. It does no I/O and is owned exclusively by the
// protocol coordinator; locks are forgotten on release.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*lockState
	fence uint64
}

type lockState struct {
	holder string
	fence  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*lockState)}
}

// HeldBy reports whether participant currently holds lockID.
func (r *Registry) HeldBy(lockID, participant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.locks[lockID]
	return ok && st.holder == participant
}

// Holder returns the current holder of lockID, if any.
func (r *Registry) Holder(lockID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.locks[lockID]
	if !ok {
		return "", false
	}
	return st.holder, true
}

// Grant records participant as the holder of lockID at the given grant
// generation. A grant older than one already observed for the lock is
// stale and ignored; the return value reports whether the grant took.
func (r *Registry) Grant(lockID, participant string, fence uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.locks[lockID]
	if ok && fence != 0 && fence < st.fence {
		return false
	}
	if fence > r.fence {
		r.fence = fence
	}
	r.locks[lockID] = &lockState{holder: participant, fence: fence}
	return true
}

// IssueFence mints the grant generation for a grant this participant is
// about to broadcast. Generations are strictly monotonic locally and never
// fall below any generation observed for the lock.
func (r *Registry) IssueFence(lockID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.fence + 1
	if st, ok := r.locks[lockID]; ok && st.fence >= next {
		next = st.fence + 1
	}
	r.fence = next
	return next
}

// ObservedFence returns the highest grant generation seen for lockID.
func (r *Registry) ObservedFence(lockID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.locks[lockID]; ok {
		return st.fence
	}
	return 0
}

// Release forgets lockID if participant holds it.
func (r *Registry) Release(lockID, participant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.locks[lockID]
	if !ok || st.holder != participant {
		return false
	}
	delete(r.locks, lockID)
	return true
}

// ReleaseAllHeldBy forgets every lock held by participant and returns the
// affected lock identifiers. Used for departure and dead-holder reclamation.
func (r *Registry) ReleaseAllHeldBy(participant string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []string
	for id, st := range r.locks {
		if st.holder == participant {
			delete(r.locks, id)
			released = append(released, id)
		}
	}
	return released
}
