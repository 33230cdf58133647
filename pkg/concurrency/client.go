package concurrency

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/brown-csci1270/glock/pkg/clock"
	"github.com/brown-csci1270/glock/pkg/lease"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/brown-csci1270/glock/pkg/memory"
	"github.com/cockroachdb/errors"
	"github.com/petermattis/goid"
	"go.uber.org/atomic"
)

// Reference counts a client keeps for one resource.
type holding struct {
	shared    int32
	exclusive int32
}

func (h *holding) count(lt lock.LockType) int32 {
	if lt == lock.Exclusive {
		return h.exclusive
	}
	return h.shared
}

// waitTarget is the lock a client is currently blocked on.
type waitTarget struct {
	target       resourceLock
	resourceType lock.ResourceType
	resourceID   int64
	lockType     lock.LockType
}

// Client is the lock client of one transaction. A client is used by a single
// goroutine at a time, except for Stop, ActiveLocks, ActiveLockCount and
// TransactionID which may be called from anywhere.
type Client struct {
	id      int
	manager *Manager
	clock   clock.Clock

	transactionID atomic.Int64
	lease         lease.Client
	timeout       int64
	verbose       bool

	heldMu          sync.Mutex
	held            [lock.MaxResourceTypes]map[int64]*holding
	activeLockCount atomic.Int64

	waitListMu sync.Mutex
	waitList   *bitset.BitSet
	waitingFor atomic.Pointer[waitTarget]

	state            clientState
	stopSignal       atomic.Pointer[signal]
	parentTracker    memory.Tracker
	memory           atomic.Pointer[deferredTracker]
	exclusive        atomic.Pointer[exclusiveLock]
	prepareGoroutine atomic.Int64
	releaseMu        sync.Mutex

	// Scratch space for the owning goroutine.
	ownersBuf []*Client
}

func newClient(m *Manager) *Client {
	c := &Client{
		manager:  m,
		clock:    m.clock,
		lease:    lease.NoLease,
		waitList: bitset.New(0),
	}
	c.transactionID.Store(-1)
	c.prepareGoroutine.Store(-1)
	c.stopSignal.Store(newSignal())
	c.parentTracker = m.memory
	c.memory.Store(newDeferredTracker(m.memory))
	c.exclusive.Store(newExclusiveLock(c))
	return c
}

// Initialize binds the client to a transaction. A nil tracker charges the
// manager's own tracker.
func (c *Client) Initialize(leaseClient lease.Client, transactionID int64, tracker memory.Tracker, cfg Config) {
	if leaseClient == nil {
		leaseClient = lease.NoLease
	}
	if tracker == nil {
		tracker = c.manager.memory
	}
	c.lease = leaseClient
	c.transactionID.Store(transactionID)
	c.timeout = int64(cfg.AcquisitionTimeout)
	c.verbose = cfg.VerboseDeadlocks
	c.parentTracker = tracker
	if old := c.memory.Swap(newDeferredTracker(tracker)); old != nil {
		old.close()
	}
	if old := c.exclusive.Swap(newExclusiveLock(c)); old != nil {
		old.close()
	}
}

// TransactionID returns the id given to Initialize, or -1.
func (c *Client) TransactionID() int64 {
	return c.transactionID.Load()
}

// AcquireShared blocks until c holds a shared lock on every id, in argument
// order. On error none of the ids are held beyond what c held before the call.
func (c *Client) AcquireShared(tracer lock.LockTracer, rt lock.ResourceType, ids ...int64) error {
	return c.acquire(tracer, lock.Shared, rt, ids)
}

// AcquireExclusive blocks until c holds an exclusive lock on every id, in
// argument order. On error none of the ids are held beyond what c held before
// the call.
func (c *Client) AcquireExclusive(tracer lock.LockTracer, rt lock.ResourceType, ids ...int64) error {
	return c.acquire(tracer, lock.Exclusive, rt, ids)
}

func (c *Client) acquire(tracer lock.LockTracer, lt lock.LockType, rt lock.ResourceType, ids []int64) error {
	if !rt.Valid() {
		return errors.AssertionFailedf("unknown resource type %d", rt)
	}
	if tracer == nil {
		tracer = lock.NoneTracer
	}
	if err := c.enter(); err != nil {
		return err
	}
	defer c.state.decrementActive()

	table := c.manager.tables.forType(rt)
	for i, id := range ids {
		var err error
		if lt == lock.Shared {
			err = c.acquireShared(tracer, table, rt, id)
		} else {
			err = c.acquireExclusive(tracer, table, rt, id)
		}
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = c.releaseOne(lt, table, rt, ids[j])
			}
			return err
		}
	}
	return nil
}

func (c *Client) acquireShared(tracer lock.LockTracer, table *lockTable, rt lock.ResourceType, id int64) error {
	if c.bump(rt, id, lock.Shared, false) {
		return nil
	}
	cost, err := c.charge(rt)
	if err != nil {
		return err
	}
	w := waiter{tracer: tracer, lockType: lock.Shared, resourceType: rt, resourceID: id}
	defer c.endWait(&w)

	for tries := 0; ; tries++ {
		if err := c.assertValid(&w); err != nil {
			c.refund(cost)
			return err
		}
		existing := table.get(id)
		if existing == nil {
			if existing = table.putIfAbsent(id, newSharedLock(c)); existing == nil {
				break
			}
		}
		ch := existing.changed()
		if sl, ok := existing.(*sharedLock); ok {
			if sl.acquire(c) {
				break
			}
			if sl.isReleased() {
				continue
			}
		} else if table.get(id) != existing {
			continue
		}
		if err := c.waitFor(existing, ch, &w, tries); err != nil {
			c.refund(cost)
			return err
		}
	}
	c.record(rt, id, lock.Shared)
	return nil
}

func (c *Client) acquireExclusive(tracer lock.LockTracer, table *lockTable, rt lock.ResourceType, id int64) error {
	sharedOnly, heldShared := c.holds(rt, id)
	if heldShared && !sharedOnly {
		c.bump(rt, id, lock.Exclusive, true)
		return nil
	}
	var cost int64
	if !heldShared {
		var err error
		if cost, err = c.charge(rt); err != nil {
			return err
		}
	}
	w := waiter{tracer: tracer, lockType: lock.Exclusive, resourceType: rt, resourceID: id}
	defer c.endWait(&w)

	excl := c.exclusive.Load()
	tries := 0
	for ; ; tries++ {
		if err := c.assertValid(&w); err != nil {
			c.refund(cost)
			return err
		}
		existing := table.putIfAbsent(id, excl)
		if existing == nil {
			break
		}
		ch := existing.changed()
		if sl, ok := existing.(*sharedLock); ok {
			if heldShared || tries >= upgradeGraceTries {
				granted, err := c.upgrade(table, id, sl, &w, &tries, !heldShared)
				if err != nil {
					c.refund(cost)
					return err
				}
				if granted {
					break
				}
			}
			if sl.isReleased() {
				continue
			}
		} else if table.get(id) != existing {
			continue
		}
		if err := c.waitFor(existing, ch, &w, tries); err != nil {
			c.refund(cost)
			return err
		}
	}
	c.record(rt, id, lock.Exclusive)
	return nil
}

// upgrade takes the update lock on sl and waits until c is its only holder.
// A client that does not hold sl joins it first and leaves again if the
// upgrade does not go through.
func (c *Client) upgrade(table *lockTable, id int64, sl *sharedLock, w *waiter, tries *int, temporary bool) (bool, error) {
	if temporary && !sl.acquire(c) {
		return false, nil
	}
	if !sl.tryAcquireUpdateLock(c) {
		if temporary {
			c.leaveShared(table, id, sl)
		}
		return false, nil
	}
	for {
		ch := sl.changed()
		if sl.completeUpgrade(c) {
			return true, nil
		}
		err := c.waitFor(sl, ch, w, *tries)
		*tries++
		if err == nil {
			err = c.assertValid(w)
		}
		if err != nil {
			sl.releaseUpdateLock(c)
			if temporary {
				c.leaveShared(table, id, sl)
			}
			return false, err
		}
	}
}

func (c *Client) leaveShared(table *lockTable, id int64, sl *sharedLock) {
	if sl.release(c) {
		table.removeIf(id, sl)
	}
}

// TrySharedLock takes a shared lock only if that needs no waiting.
func (c *Client) TrySharedLock(rt lock.ResourceType, id int64) (bool, error) {
	if !rt.Valid() {
		return false, errors.AssertionFailedf("unknown resource type %d", rt)
	}
	if err := c.enter(); err != nil {
		return false, err
	}
	defer c.state.decrementActive()

	if c.bump(rt, id, lock.Shared, false) {
		return true, nil
	}
	cost, err := c.charge(rt)
	if err != nil {
		return false, err
	}
	table := c.manager.tables.forType(rt)
	for {
		existing := table.get(id)
		if existing == nil {
			if existing = table.putIfAbsent(id, newSharedLock(c)); existing == nil {
				c.record(rt, id, lock.Shared)
				return true, nil
			}
		}
		sl, ok := existing.(*sharedLock)
		if !ok {
			break
		}
		if sl.acquire(c) {
			c.record(rt, id, lock.Shared)
			return true, nil
		}
		if !sl.isReleased() {
			break
		}
	}
	c.refund(cost)
	return false, nil
}

// TryExclusiveLock takes an exclusive lock only if that needs no waiting.
func (c *Client) TryExclusiveLock(rt lock.ResourceType, id int64) (bool, error) {
	if !rt.Valid() {
		return false, errors.AssertionFailedf("unknown resource type %d", rt)
	}
	if err := c.enter(); err != nil {
		return false, err
	}
	defer c.state.decrementActive()

	sharedOnly, heldShared := c.holds(rt, id)
	if heldShared && !sharedOnly {
		c.bump(rt, id, lock.Exclusive, true)
		return true, nil
	}
	var cost int64
	if !heldShared {
		var err error
		if cost, err = c.charge(rt); err != nil {
			return false, err
		}
	}
	table := c.manager.tables.forType(rt)
	existing := table.putIfAbsent(id, c.exclusive.Load())
	if existing == nil {
		c.record(rt, id, lock.Exclusive)
		return true, nil
	}
	if sl, ok := existing.(*sharedLock); ok && heldShared {
		if sl.tryAcquireUpdateLock(c) {
			if sl.completeUpgrade(c) {
				c.record(rt, id, lock.Exclusive)
				return true, nil
			}
			sl.releaseUpdateLock(c)
		}
	}
	c.refund(cost)
	return false, nil
}

// ReleaseShared drops one shared reference on each id. On a stopped client
// this does nothing since Stop already released everything.
func (c *Client) ReleaseShared(rt lock.ResourceType, ids ...int64) error {
	return c.release(lock.Shared, rt, ids)
}

// ReleaseExclusive drops one exclusive reference on each id. A client that
// still holds the resource shared keeps it shared.
func (c *Client) ReleaseExclusive(rt lock.ResourceType, ids ...int64) error {
	return c.release(lock.Exclusive, rt, ids)
}

func (c *Client) release(lt lock.LockType, rt lock.ResourceType, ids []int64) error {
	if !rt.Valid() {
		return errors.AssertionFailedf("unknown resource type %d", rt)
	}
	if !c.state.incrementActive() {
		return nil
	}
	defer c.state.decrementActive()

	table := c.manager.tables.forType(rt)
	var errs error
	for _, id := range ids {
		if err := c.releaseOne(lt, table, rt, id); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

func (c *Client) releaseOne(lt lock.LockType, table *lockTable, rt lock.ResourceType, id int64) error {
	c.heldMu.Lock()
	h := c.held[rt][id]
	if h == nil || h.count(lt) == 0 {
		c.heldMu.Unlock()
		return errors.Mark(errors.AssertionFailedf("%s does not hold a %s lock on %s(%d)", c, lt, rt, id), ErrLockNotHeld)
	}
	if lt == lock.Exclusive {
		h.exclusive--
	} else {
		h.shared--
	}
	downgrade := lt == lock.Exclusive && h.exclusive == 0 && h.shared > 0
	gone := h.exclusive == 0 && h.shared == 0
	var refund int64
	if gone {
		refund = c.forgetLocked(rt, id)
	}
	c.heldMu.Unlock()

	switch {
	case downgrade:
		c.downgrade(table, id)
	case gone:
		c.unlock(table, id)
	}
	c.refund(refund)
	return nil
}

// downgrade turns c's exclusive lock on id back into a shared one.
func (c *Client) downgrade(table *lockTable, id int64) {
	switch l := table.get(id).(type) {
	case *sharedLock:
		l.releaseUpdateLock(c)
	case *exclusiveLock:
		if l.owner == c && table.replace(id, l, newSharedLock(c)) {
			l.notify()
		}
	}
}

// unlock removes c from the lock on id.
func (c *Client) unlock(table *lockTable, id int64) {
	switch l := table.get(id).(type) {
	case *sharedLock:
		c.leaveShared(table, id, l)
	case *exclusiveLock:
		if l.owner == c && table.removeIf(id, l) {
			l.notify()
		}
	}
}

// HoldsLock reports whether c holds id with the given lock type.
func (c *Client) HoldsLock(id int64, rt lock.ResourceType, lt lock.LockType) bool {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	h := c.held[rt][id]
	return h != nil && h.count(lt) > 0
}

// ActiveLocks returns one entry per held resource, exclusive if any
// exclusive reference is held, ordered by resource type and id.
func (c *Client) ActiveLocks() []lock.ActiveLock {
	txID := c.TransactionID()
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	out := make([]lock.ActiveLock, 0, c.activeLockCount.Load())
	for rt, m := range c.held {
		for id, h := range m {
			lt := lock.Shared
			if h.exclusive > 0 {
				lt = lock.Exclusive
			}
			out = append(out, lock.ActiveLock{
				ResourceType:  lock.ResourceType(rt),
				LockType:      lt,
				TransactionID: txID,
				ResourceID:    id,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// ActiveLockCount returns the number of resources held.
func (c *Client) ActiveLockCount() int64 {
	return c.activeLockCount.Load()
}

// EstimatedHeapMemory returns the bytes currently charged for c's locks.
func (c *Client) EstimatedHeapMemory() int64 {
	return c.memory.Load().EstimatedHeapMemory()
}

// PrepareForCommit marks c as committing on the calling goroutine.
func (c *Client) PrepareForCommit() error {
	c.prepareGoroutine.Store(goid.Get())
	if !c.state.prepare() {
		if c.state.isClosed() {
			return newClosedError(c)
		}
		return newStoppedError(c)
	}
	return nil
}

// Stop releases every lock and makes current and future acquisitions fail.
// It can be called from any goroutine and returns once in-flight operations
// have finished.
func (c *Client) Stop() {
	if !c.state.stop() {
		return
	}
	defer c.state.decrementActive()
	c.stopSignal.Load().fire()
	c.manager.metrics.stoppedClients.Inc()
	c.state.waitForActive(1)
	c.memory.Load().stop()
	c.releaseAll()
}

// Close releases everything held and unregisters c. Closing twice is a no-op.
func (c *Client) Close() {
	if !c.state.close() {
		return
	}
	c.stopSignal.Load().fire()
	c.state.waitForActive(0)
	c.releaseAll()
	c.memory.Load().close()
	c.exclusive.Load().close()
	c.clearWaitList()
	c.manager.unregister(c)
}

// Reset releases everything held and makes a stopped client usable again.
// It must not race with Stop.
func (c *Client) Reset() {
	if c.state.isClosed() {
		return
	}
	c.state.waitForActive(0)
	c.releaseAll()
	c.memory.Swap(newDeferredTracker(c.parentTracker)).close()
	c.exclusive.Swap(newExclusiveLock(c)).close()
	c.clearWaitList()
	c.prepareGoroutine.Store(-1)
	c.stopSignal.Store(newSignal())
	c.state.reset()
}

// releaseAll drops every lock c holds. Stop and Close may both get here.
func (c *Client) releaseAll() {
	c.releaseMu.Lock()
	defer c.releaseMu.Unlock()

	c.heldMu.Lock()
	held := c.held
	c.held = [lock.MaxResourceTypes]map[int64]*holding{}
	c.activeLockCount.Store(0)
	c.heldMu.Unlock()

	var refund int64
	excl := c.exclusive.Load()
	for rt, m := range held {
		if m == nil {
			continue
		}
		table := c.manager.tables.forType(lock.ResourceType(rt))
		for id := range m {
			switch l := table.get(id).(type) {
			case *sharedLock:
				c.leaveShared(table, id, l)
			case *exclusiveLock:
				if l == excl {
					table.removeIf(id, l)
				}
			}
			refund += memory.LockNodeSize
		}
		refund += memory.LockMapSize
	}
	excl.notify()
	c.refund(refund)
}

func (c *Client) enter() error {
	if c.state.incrementActive() {
		return nil
	}
	if c.state.isClosed() {
		return newClosedError(c)
	}
	return newStoppedError(c)
}

// holds reports whether c holds id at all, and if so whether only shared.
func (c *Client) holds(rt lock.ResourceType, id int64) (sharedOnly bool, ok bool) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	h := c.held[rt][id]
	if h == nil {
		return false, false
	}
	return h.exclusive == 0, true
}

// bump adds a reference to a resource c already holds. When requireSame is
// set the resource must already be held with lock type lt.
func (c *Client) bump(rt lock.ResourceType, id int64, lt lock.LockType, requireSame bool) bool {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	h := c.held[rt][id]
	if h == nil || (requireSame && h.count(lt) == 0) {
		return false
	}
	if lt == lock.Exclusive {
		h.exclusive++
	} else {
		h.shared++
	}
	return true
}

// record notes a newly granted resource. The memory was charged beforehand.
func (c *Client) record(rt lock.ResourceType, id int64, lt lock.LockType) {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	m := c.held[rt]
	if m == nil {
		m = make(map[int64]*holding)
		c.held[rt] = m
	}
	h := m[id]
	if h == nil {
		h = &holding{}
		m[id] = h
		c.activeLockCount.Inc()
	}
	if lt == lock.Exclusive {
		h.exclusive++
	} else {
		h.shared++
	}
}

// forgetLocked drops id from c's bookkeeping and returns the bytes to refund.
func (c *Client) forgetLocked(rt lock.ResourceType, id int64) int64 {
	m := c.held[rt]
	delete(m, id)
	c.activeLockCount.Dec()
	refund := int64(memory.LockNodeSize)
	if len(m) == 0 {
		c.held[rt] = nil
		refund += memory.LockMapSize
	}
	return refund
}

// charge pays for a resource c is about to hold for the first time.
func (c *Client) charge(rt lock.ResourceType) (int64, error) {
	c.heldMu.Lock()
	cost := int64(memory.LockNodeSize)
	if c.held[rt] == nil {
		cost += memory.LockMapSize
	}
	c.heldMu.Unlock()
	if err := c.memory.Load().AllocateHeap(cost); err != nil {
		return 0, errors.Wrapf(err, "%s can't track another %s lock", c, rt)
	}
	return cost, nil
}

func (c *Client) refund(bytes int64) {
	if bytes != 0 {
		c.memory.Load().ReleaseHeap(bytes)
	}
}

func (c *Client) isWaitingFor(other *Client) bool {
	if other == c {
		return false
	}
	c.waitListMu.Lock()
	defer c.waitListMu.Unlock()
	return c.waitList.Test(uint(other.id))
}

// copyWaitListTo adds c and everything c waits for to set.
func (c *Client) copyWaitListTo(set *bitset.BitSet) {
	set.Set(uint(c.id))
	c.waitListMu.Lock()
	defer c.waitListMu.Unlock()
	set.InPlaceUnion(c.waitList)
}

func (c *Client) clearWaitList() {
	c.waitingFor.Store(nil)
	c.waitListMu.Lock()
	c.waitList.ClearAll()
	c.waitListMu.Unlock()
}

func (c *Client) describeWaitList() string {
	c.waitListMu.Lock()
	ids := make([]uint, 0, c.waitList.Count())
	for i, ok := c.waitList.NextSet(0); ok; i, ok = c.waitList.NextSet(i + 1) {
		ids = append(ids, i)
	}
	c.waitListMu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n%s waits for [", c)
	first := true
	for _, id := range ids {
		other := c.manager.registry.get(int(id))
		if other == nil || other == c {
			continue
		}
		if !first {
			sb.WriteString(",")
		}
		sb.WriteString(other.String())
		first = false
	}
	sb.WriteString("]")
	return sb.String()
}

// DescribeWaitList lists the clients c is transitively waiting for.
func (c *Client) DescribeWaitList() string {
	return c.describeWaitList()
}

func (c *Client) String() string {
	return fmt.Sprintf("Client[transactionId=%d, clientId=%d]", c.TransactionID(), c.id)
}
