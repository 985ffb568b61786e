package engine

import "sync"

// runRegistry is the in-process advisory lock for pipeline executes. One
// execute may hold an event at a time; preview never takes the lock. The
// registry is advisory only: it serializes executes within this process,
// while the (event_id, run_token) uniqueness constraint backstops it in
// storage.
type runRegistry struct {
	mu     sync.Mutex
	active map[int64]string // event id -> run token currently executing
}

func newRunRegistry() *runRegistry {
	return &runRegistry{active: make(map[int64]string)}
}

// acquire claims the event for runToken. Returns false without blocking
// when another execute already holds the event.
func (r *runRegistry) acquire(eventID int64, runToken string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.active[eventID]; held {
		return false
	}
	r.active[eventID] = runToken
	return true
}

// release frees the event. Safe to call for an event that is not held.
func (r *runRegistry) release(eventID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, eventID)
}

// holder returns the token of the execute currently holding the event.
func (r *runRegistry) holder(eventID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, held := r.active[eventID]
	return token, held
}
