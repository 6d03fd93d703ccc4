package settlement

import "sync"

// guidLocks serializes transitions per guid. Two transitions on the same
// guid never interleave; distinct guids proceed concurrently. Entries are
// reference counted and removed when the last holder releases, so the
// map is bounded by in-flight guids rather than every guid ever seen.
type guidLocks struct {
	mu    sync.Mutex
	locks map[string]*guidLock
}

type guidLock struct {
	mu   sync.Mutex
	refs int
}

func newGUIDLocks() *guidLocks {
	return &guidLocks{locks: make(map[string]*guidLock)}
}

func (g *guidLocks) lock(guid string) func() {
	g.mu.Lock()
	l, ok := g.locks[guid]
	if !ok {
		l = &guidLock{}
		g.locks[guid] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, guid)
		}
		g.mu.Unlock()
	}
}
