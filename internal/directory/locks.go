package directory

import "sync"

// lockArena hands out one mutex per user id so that topic creation for a
// given user is serialized in-process while different users proceed in
// parallel. Entries are reference counted and freed on release, keeping the
// arena bounded by the number of in-flight users.
type lockArena struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[int64]*lockEntry)}
}

// acquire blocks until the per-user lock is held and returns its release
// function.
func (a *lockArena) acquire(userID int64) func() {
	a.mu.Lock()
	entry, ok := a.locks[userID]
	if !ok {
		entry = &lockEntry{}
		a.locks[userID] = entry
	}
	entry.refs++
	a.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		a.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(a.locks, userID)
		}
		a.mu.Unlock()
	}
}

// size reports how many user locks are currently live.
func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.locks)
}
