package rbac

import "sync"

// keyLocks serializes mutations per id. Entries are dropped once no
// caller holds or waits for them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[int64]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[int64]*keyLock)}
}

// Lock blocks until the id is free and returns the matching unlock func.
func (l *keyLocks) Lock(id int64) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &keyLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *keyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
