package concurrency

import (
	"sync"

	"github.com/brown-csci1270/glock/pkg/hash"
	"github.com/brown-csci1270/glock/pkg/lock"
	"go.uber.org/atomic"
)

type stripe struct {
	mu    sync.RWMutex
	locks map[int64]resourceLock
}

// lockTable maps resource ids of one type to their locks. It is split into
// stripes that are latched independently.
type lockTable struct {
	hasher  hash.Hasher
	stripes []stripe
}

func newLockTable(stripes int, hasher hash.Hasher) *lockTable {
	t := &lockTable{hasher: hasher, stripes: make([]stripe, stripes)}
	for i := range t.stripes {
		t.stripes[i].locks = make(map[int64]resourceLock)
	}
	return t
}

func (t *lockTable) stripeFor(id int64) *stripe {
	return &t.stripes[t.hasher(id, int64(len(t.stripes)))]
}

func (t *lockTable) get(id int64) resourceLock {
	s := t.stripeFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locks[id]
}

// putIfAbsent installs l unless the slot is taken, and returns the lock
// already there, or nil when l was installed.
func (t *lockTable) putIfAbsent(id int64, l resourceLock) resourceLock {
	s := t.stripeFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[id]; ok {
		return existing
	}
	s.locks[id] = l
	return nil
}

// removeIf clears the slot if it still holds expected.
func (t *lockTable) removeIf(id int64, expected resourceLock) bool {
	s := t.stripeFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[id] != expected {
		return false
	}
	delete(s.locks, id)
	return true
}

// replace swaps old for next if the slot still holds old.
func (t *lockTable) replace(id int64, old, next resourceLock) bool {
	s := t.stripeFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[id] != old {
		return false
	}
	s.locks[id] = next
	return true
}

// forEach calls fn for every entry. Each stripe is copied under its read
// latch and fn runs outside of it.
func (t *lockTable) forEach(fn func(id int64, l resourceLock)) {
	type entry struct {
		id int64
		l  resourceLock
	}
	var entries []entry
	for i := range t.stripes {
		s := &t.stripes[i]
		entries = entries[:0]
		s.mu.RLock()
		for id, l := range s.locks {
			entries = append(entries, entry{id, l})
		}
		s.mu.RUnlock()
		for _, e := range entries {
			fn(e.id, e.l)
		}
	}
}

func (t *lockTable) len() int {
	n := 0
	for i := range t.stripes {
		s := &t.stripes[i]
		s.mu.RLock()
		n += len(s.locks)
		s.mu.RUnlock()
	}
	return n
}

// lockTables holds one lockTable per resource type, created on first use.
type lockTables struct {
	stripes int
	hasher  hash.Hasher
	tables  [lock.MaxResourceTypes]atomic.Pointer[lockTable]
}

func newLockTables(stripes int, hasher hash.Hasher) *lockTables {
	return &lockTables{stripes: stripes, hasher: hasher}
}

func (ts *lockTables) forType(rt lock.ResourceType) *lockTable {
	slot := &ts.tables[rt]
	if t := slot.Load(); t != nil {
		return t
	}
	t := newLockTable(ts.stripes, ts.hasher)
	if slot.CompareAndSwap(nil, t) {
		return t
	}
	return slot.Load()
}

// lookup returns the table of rt, or nil if nothing was ever locked under it.
func (ts *lockTables) lookup(rt lock.ResourceType) *lockTable {
	return ts.tables[rt].Load()
}
