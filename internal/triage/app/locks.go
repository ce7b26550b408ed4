package app

import "sync"

// sessionLocks serialises triage work per session. The engine assumes at most
// one cycle runs for a session at a time; workers take the session's lock
// before touching it.
//
// Entries are never evicted. One mutex per session the process has seen is a
// bounded cost, and reuse after resume keeps the lock identity stable.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire returns the mutex for a session, creating it on first use.
func (l *sessionLocks) acquire(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}
