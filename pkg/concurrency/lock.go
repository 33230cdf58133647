package concurrency

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/brown-csci1270/glock/pkg/lock"
	golock "github.com/viney-shih/go-lock"
	"go.uber.org/atomic"
)

// resourceLock is what a resource table slot holds: either a client's
// exclusive lock or a shared lock.
type resourceLock interface {
	fmt.Stringer
	// appendOwners appends every client currently holding the lock.
	appendOwners(dst []*Client) []*Client
	visitOwners(fn func(owner *Client, lockType lock.LockType))
	// heldBy reports whether c still holds the lock.
	heldBy(c *Client) bool
	isClosed() bool
	// changed returns a channel closed on the next state change.
	changed() <-chan struct{}
	describeWaitList() string
}

// Exclusive lock.
//
// Each client owns one and places it in every slot it holds exclusively.
type exclusiveLock struct {
	owner  *Client
	closed atomic.Bool
	notifier
}

func newExclusiveLock(owner *Client) *exclusiveLock {
	return &exclusiveLock{owner: owner}
}

func (l *exclusiveLock) appendOwners(dst []*Client) []*Client {
	if l.closed.Load() {
		return dst
	}
	return append(dst, l.owner)
}

func (l *exclusiveLock) visitOwners(fn func(*Client, lock.LockType)) {
	if !l.closed.Load() {
		fn(l.owner, lock.Exclusive)
	}
}

func (l *exclusiveLock) heldBy(c *Client) bool {
	return l.owner == c && !l.closed.Load()
}

func (l *exclusiveLock) isClosed() bool {
	return l.closed.Load()
}

func (l *exclusiveLock) close() {
	l.closed.Store(true)
	l.notify()
}

func (l *exclusiveLock) describeWaitList() string {
	return "ExclusiveLock[" + l.owner.describeWaitList() + "]"
}

func (l *exclusiveLock) String() string {
	return fmt.Sprintf("ExclusiveLock[%s]", l.owner)
}

// Shared lock.
//
// A shared lock has one or more holders and optionally one update holder.
// While an update holder is set no new client can join. Once the update
// holder is the only holder it owns the resource exclusively. A shared lock
// whose last holder leaves is released for good and must be replaced.
type sharedLock struct {
	latch    *golock.CASMutex
	holders  map[*Client]struct{}
	update   *Client
	upgraded bool
	released bool
	notifier
}

func newSharedLock(holder *Client) *sharedLock {
	return &sharedLock{
		latch:   golock.NewCASMutex(),
		holders: map[*Client]struct{}{holder: {}},
	}
}

// acquire joins the holder set.
func (l *sharedLock) acquire(c *Client) bool {
	l.latch.Lock()
	defer l.latch.Unlock()
	if l.released || (l.update != nil && l.update != c) {
		return false
	}
	l.holders[c] = struct{}{}
	return true
}

// release leaves the holder set and reports whether c was the last holder.
func (l *sharedLock) release(c *Client) bool {
	l.latch.Lock()
	defer l.latch.Unlock()
	defer l.notify()
	delete(l.holders, c)
	if l.update == c {
		l.update = nil
		l.upgraded = false
	}
	if len(l.holders) == 0 {
		l.released = true
	}
	return l.released
}

// tryAcquireUpdateLock makes the holder c the update holder.
func (l *sharedLock) tryAcquireUpdateLock(c *Client) bool {
	l.latch.Lock()
	defer l.latch.Unlock()
	if _, ok := l.holders[c]; !ok || l.released {
		return false
	}
	if l.update == nil {
		l.update = c
		l.notify()
		return true
	}
	return l.update == c
}

// completeUpgrade grants exclusive ownership if c is the update holder and
// the only holder left.
func (l *sharedLock) completeUpgrade(c *Client) bool {
	l.latch.Lock()
	defer l.latch.Unlock()
	if l.update != c || len(l.holders) != 1 {
		return false
	}
	l.upgraded = true
	return true
}

func (l *sharedLock) releaseUpdateLock(c *Client) {
	l.latch.Lock()
	defer l.latch.Unlock()
	if l.update == c {
		l.update = nil
		l.upgraded = false
		l.notify()
	}
}

func (l *sharedLock) heldBy(c *Client) bool {
	l.latch.RLock()
	defer l.latch.RUnlock()
	_, ok := l.holders[c]
	return ok && !l.released
}

func (l *sharedLock) isReleased() bool {
	l.latch.RLock()
	defer l.latch.RUnlock()
	return l.released
}

func (l *sharedLock) isClosed() bool {
	return l.isReleased()
}

func (l *sharedLock) appendOwners(dst []*Client) []*Client {
	l.latch.RLock()
	defer l.latch.RUnlock()
	for h := range l.holders {
		dst = append(dst, h)
	}
	return dst
}

func (l *sharedLock) visitOwners(fn func(*Client, lock.LockType)) {
	type owner struct {
		c  *Client
		lt lock.LockType
	}
	l.latch.RLock()
	owners := make([]owner, 0, len(l.holders))
	for h := range l.holders {
		lt := lock.Shared
		if h == l.update && l.upgraded {
			lt = lock.Exclusive
		}
		owners = append(owners, owner{h, lt})
	}
	l.latch.RUnlock()
	for _, o := range owners {
		fn(o.c, o.lt)
	}
}

func (l *sharedLock) describeWaitList() string {
	var sb strings.Builder
	sb.WriteString("SharedLock[")
	for i, h := range l.appendOwners(nil) {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(h.describeWaitList())
	}
	sb.WriteString("]")
	return sb.String()
}

func (l *sharedLock) String() string {
	l.latch.RLock()
	defer l.latch.RUnlock()
	if l.update != nil {
		return fmt.Sprintf("UpdateLock{update=%s, holders=%d}", l.update, len(l.holders))
	}
	return fmt.Sprintf("SharedLock{holders=%d}", len(l.holders))
}

// detectDeadlock returns an owner of l, other than c, that is transitively
// waiting for c.
func detectDeadlock(l resourceLock, c *Client) *Client {
	c.ownersBuf = l.appendOwners(c.ownersBuf[:0])
	for _, o := range c.ownersBuf {
		if o != c && o.isWaitingFor(c) {
			return o
		}
	}
	return nil
}

// copyHolderWaitListsInto adds every owner of l except self, and everything
// those owners wait for, to set.
func copyHolderWaitListsInto(l resourceLock, self *Client, set *bitset.BitSet) {
	self.ownersBuf = l.appendOwners(self.ownersBuf[:0])
	for _, o := range self.ownersBuf {
		if o != self {
			o.copyWaitListTo(set)
		}
	}
}

// collectOwners adds the registry slot of every owner of l to set.
func collectOwners(l resourceLock, set *bitset.BitSet) {
	for _, o := range l.appendOwners(nil) {
		set.Set(uint(o.id))
	}
}
