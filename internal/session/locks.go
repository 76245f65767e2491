package session

import "sync"

// callLocks hands out one mutex per call id so all state transitions and
// signaling appends for a call are serialized while distinct calls proceed
// in parallel. Entries are reference counted and removed at zero so the map
// does not grow with call history.
type callLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newCallLocks() *callLocks {
	return &callLocks{locks: make(map[string]*refLock)}
}

// Lock blocks until the caller holds the lock for callID and returns the
// release func. Callers must release exactly once, typically via defer.
func (c *callLocks) Lock(callID string) func() {
	c.mu.Lock()
	l, ok := c.locks[callID]
	if !ok {
		l = &refLock{}
		c.locks[callID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, callID)
		}
		c.mu.Unlock()
	}
}
