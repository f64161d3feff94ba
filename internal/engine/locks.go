package engine

import (
	"sync"
)

// userLocks provides mutual exclusion per user id. Events for different
// users run fully in parallel; two events for the same user serialize for
// the duration of the whole processing pass, because the condition evaluator
// and the safety guards read aggregate state that the same pass mutates.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the given user's mutex and returns the unlock function.
// Lock entries are never removed; the per-user footprint is one mutex.
func (l *userLocks) acquire(userID string) func() {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
