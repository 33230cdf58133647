package concurrency

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/cockroachdb/errors"
	"github.com/go-kit/log/level"
	"github.com/petermattis/goid"
)

const (
	// Attempts that only yield the processor before timed waits start.
	spinTries = 50
	// A deadlock is only reported after this many attempts, since the owner
	// snapshots the detector reads are racy.
	deadlockVerificationTries = 100
	// Attempts before a blocked exclusive request grabs the update lock on a
	// shared lock it does not hold, giving readers a head start.
	upgradeGraceTries = 50

	minBackoff = 50 * time.Microsecond
	maxBackoff = time.Millisecond
	// Pause between the two walks that confirm a deadlock.
	deadlockRecheckPause = 10 * time.Millisecond

	noDeadlock = -1
)

// waiter tracks one blocked acquisition.
type waiter struct {
	tracer       lock.LockTracer
	lockType     lock.LockType
	resourceType lock.ResourceType
	resourceID   int64

	started   bool
	start     int64
	event     lock.LockWaitEvent
	goroutine int64
}

func (c *Client) beginWait(w *waiter) {
	if w.started {
		return
	}
	w.started = true
	w.start = c.clock.Nanos()
	w.goroutine = goid.Get()
	w.event = w.tracer.WaitForLock(w.lockType, w.resourceType, c.TransactionID(), w.resourceID)
	c.manager.metrics.lockWaits.WithLabelValues(w.lockType.String()).Inc()
}

func (c *Client) endWait(w *waiter) {
	if !w.started {
		return
	}
	c.clearWaitList()
	w.event.Close()
	c.manager.metrics.waitDuration.Observe(time.Duration(c.clock.Nanos() - w.start).Seconds())
}

// assertValid fails a blocked acquisition that can no longer succeed.
func (c *Client) assertValid(w *waiter) error {
	if c.state.isClosed() {
		return newClosedError(c)
	}
	if c.state.isStopped() {
		return newStoppedError(c)
	}
	if err := c.lease.EnsureValid(); err != nil {
		return err
	}
	if c.timeout > 0 && w.started && c.clock.Nanos()-w.start > c.timeout {
		c.manager.metrics.timeouts.Inc()
		level.Debug(c.manager.logger).Log("msg", "lock acquisition timed out", "client", c, "resource", lockString(w.resourceType, w.resourceID))
		return errors.Mark(errors.Newf("%s can't acquire %s lock on %s within %s",
			c, w.lockType, lockString(w.resourceType, w.resourceID), time.Duration(c.timeout)), ErrAcquisitionTimeout)
	}
	return nil
}

// waitFor blocks briefly on l and then checks whether waiting any longer
// would deadlock. ch must have been taken from l before the attempt that
// failed, so that no release in between is missed.
func (c *Client) waitFor(l resourceLock, ch <-chan struct{}, w *waiter, tries int) error {
	c.beginWait(w)
	c.copyHolderWaitLists(l)
	c.noteWaiting(l, w)
	if err := c.checkCommitting(l, w); err != nil {
		return err
	}
	c.backoff(ch, tries)
	return c.checkDeadlock(l, w, tries)
}

func (c *Client) copyHolderWaitLists(l resourceLock) {
	set := bitset.New(0)
	copyHolderWaitListsInto(l, c, set)
	c.waitListMu.Lock()
	c.waitList = set
	c.waitListMu.Unlock()
}

func (c *Client) noteWaiting(l resourceLock, w *waiter) {
	cur := c.waitingFor.Load()
	if cur != nil && cur.target == l && cur.resourceType == w.resourceType && cur.resourceID == w.resourceID && cur.lockType == w.lockType {
		return
	}
	c.waitingFor.Store(&waitTarget{target: l, resourceType: w.resourceType, resourceID: w.resourceID, lockType: w.lockType})
}

// backoff spins for the first attempts and then waits, with a growing
// timeout, for l to change or c to be stopped.
func (c *Client) backoff(ch <-chan struct{}, tries int) {
	if tries < spinTries {
		runtime.Gosched()
		return
	}
	timer := time.NewTimer(backoffDelay(tries))
	defer timer.Stop()
	select {
	case <-ch:
	case <-c.stopSignal.Load().done():
	case <-timer.C:
	}
}

func backoffDelay(tries int) time.Duration {
	shift := (tries - spinTries) / 5
	if shift > 5 {
		shift = 5
	}
	if shift < 0 {
		shift = 0
	}
	d := minBackoff << uint(shift)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (c *Client) checkDeadlock(l resourceLock, w *waiter, tries int) error {
	other := detectDeadlock(l, c)
	if other == nil || !c.shouldAbort(other) {
		return nil
	}
	if tries <= deadlockVerificationTries {
		runtime.Gosched()
		return nil
	}
	depth := c.isDeadlockReal(l, w)
	if depth == noDeadlock {
		return nil
	}
	var msg string
	if c.verbose {
		cycle := c.findDeadlockPath(l, w, depth)
		if cycle == "" {
			return nil
		}
		msg = fmt.Sprintf("%s can't acquire %s %s because it would form this deadlock wait cycle:\n%s",
			c, w.lockType, lockString(w.resourceType, w.resourceID), cycle)
	} else {
		msg = fmt.Sprintf("%s can't acquire %s on %s because holders of that lock are waiting for %s.\n Wait list:%s",
			c, l, lockString(w.resourceType, w.resourceID), c, l.describeWaitList())
	}
	c.manager.metrics.deadlocks.Inc()
	level.Debug(c.manager.logger).Log("msg", "deadlock detected", "client", c, "resource", lockString(w.resourceType, w.resourceID), "waiting_for", other)
	return newDeadlockError(msg)
}

// checkCommitting fails right away if c waits for a client that is
// committing on this very goroutine, since that client can never release.
func (c *Client) checkCommitting(l resourceLock, w *waiter) error {
	for _, other := range c.waitListClients() {
		if c.committingOnGoroutine(other, w.goroutine) && c.isDeadlockReal(l, w) != noDeadlock {
			c.manager.metrics.deadlocks.Inc()
			return newDeadlockError(fmt.Sprintf("%s can't acquire %s on %s, because we are waiting for %s that is committing on the same goroutine",
				c, l, lockString(w.resourceType, w.resourceID), other))
		}
	}
	return nil
}

func (c *Client) committingOnGoroutine(other *Client, goroutine int64) bool {
	return other != c && other.state.isPrepared() && other.prepareGoroutine.Load() == goroutine
}

func (c *Client) waitListClients() []*Client {
	c.waitListMu.Lock()
	defer c.waitListMu.Unlock()
	var out []*Client
	for i, ok := c.waitList.NextSet(0); ok; i, ok = c.waitList.NextSet(i + 1) {
		if other := c.manager.registry.get(int(i)); other != nil && other != c {
			out = append(out, other)
		}
	}
	return out
}

// shouldAbort picks the victim of a deadlock between c and other: the one
// holding fewer locks, then the one with the higher transaction id, then the
// one with the higher slot.
func (c *Client) shouldAbort(other *Client) bool {
	if other == c {
		return true
	}
	ours, theirs := c.ActiveLockCount(), other.ActiveLockCount()
	if ours != theirs {
		return ours < theirs
	}
	if a, b := c.TransactionID(), other.TransactionID(); a != b {
		return a > b
	}
	return c.id > other.id
}

// isDeadlockReal walks the wait graph twice, with a pause in between, and
// returns the depth at which c was found waiting on itself.
func (c *Client) isDeadlockReal(l resourceLock, w *waiter) int {
	if c.isDeadlockRealInternal(l, w) == noDeadlock {
		return noDeadlock
	}
	timer := time.NewTimer(deadlockRecheckPause)
	select {
	case <-timer.C:
	case <-c.stopSignal.Load().done():
		timer.Stop()
		return noDeadlock
	}
	return c.isDeadlockRealInternal(l, w)
}

func (c *Client) isDeadlockRealInternal(l resourceLock, w *waiter) int {
	waitedUpon := make(map[resourceLock]struct{})
	owners := bitset.New(0)
	collectOwners(l, owners)
	owners.Clear(uint(c.id))

	depth := 1
	for {
		depth++
		nextWaitedUpon, nextOwners, committing := c.collectNextOwners(waitedUpon, owners, w)
		if committing || (nextOwners.Test(uint(c.id)) && detectDeadlock(l, c) != nil) {
			return depth
		}
		if len(nextWaitedUpon) == 0 {
			return noDeadlock
		}
		for next := range nextWaitedUpon {
			waitedUpon[next] = struct{}{}
		}
		owners = nextOwners
	}
}

// collectNextOwners follows every owner in owners to the lock it waits for
// and returns those locks and their owners. committing is set when an owner
// is committing on the current goroutine.
func (c *Client) collectNextOwners(waitedUpon map[resourceLock]struct{}, owners *bitset.BitSet, w *waiter) (map[resourceLock]struct{}, *bitset.BitSet, bool) {
	next := make(map[resourceLock]struct{})
	for i, ok := owners.NextSet(0); ok; i, ok = owners.NextSet(i + 1) {
		owner := c.manager.registry.get(int(i))
		if owner == nil {
			continue
		}
		if c.committingOnGoroutine(owner, w.goroutine) {
			return nil, nil, true
		}
		target := owner.waitingFor.Load()
		if target == nil || target.target.isClosed() {
			continue
		}
		if _, seen := waitedUpon[target.target]; !seen {
			next[target.target] = struct{}{}
		}
	}
	nextOwners := bitset.New(owners.Len())
	for l := range next {
		collectOwners(l, nextOwners)
	}
	return next, nextOwners, false
}

// lockPath is one hop of a wait cycle: owner holds the lock of the previous
// hop and waits for target.
type lockPath struct {
	owner  *Client
	txID   int64
	target *waitTarget
	parent *lockPath
}

func (p *lockPath) containsOwner(c *Client) bool {
	for cur := p; cur != nil; cur = cur.parent {
		if cur.owner == c {
			return true
		}
	}
	return false
}

// stringify renders the cycle starting at c's own request.
func (p *lockPath) stringify(c *Client, w *waiter) string {
	var hops []*lockPath
	for cur := p; cur != nil; cur = cur.parent {
		hops = append(hops, cur)
	}
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction(%d)-[%s_WAITS_FOR]->%s", c.TransactionID(), w.lockType, lockString(w.resourceType, w.resourceID))
	for _, hop := range hops {
		fmt.Fprintf(&sb, "<-[:HELD_BY]-Transaction(%d)", hop.txID)
		if hop.owner == c {
			break
		}
		fmt.Fprintf(&sb, "-[%s_WAITS_FOR]->%s", hop.target.lockType, lockString(hop.target.resourceType, hop.target.resourceID))
	}
	return sb.String()
}

// findDeadlockPath searches breadth first for a chain of owners that leads
// from l back to c, at most maxDepth hops long.
func (c *Client) findDeadlockPath(l resourceLock, w *waiter, maxDepth int) string {
	var parents, paths []*lockPath
	c.traverseOneStep(nil, l, &parents, 0)
	for depth := 1; depth <= maxDepth+1; depth++ {
		for _, parent := range parents {
			next := parent.target.target
			if next.isClosed() {
				continue
			}
			if found := c.traverseOneStep(parent, next, &paths, depth); found != nil {
				return found.stringify(c, w)
			}
		}
		parents, paths = paths, nil
	}
	return ""
}

func (c *Client) traverseOneStep(parent *lockPath, l resourceLock, paths *[]*lockPath, depth int) *lockPath {
	for _, owner := range l.appendOwners(nil) {
		target := owner.waitingFor.Load()
		if target == nil || target.target.isClosed() {
			continue
		}
		if parent != nil && parent.containsOwner(owner) {
			continue
		}
		if owner == c && depth == 0 {
			continue
		}
		path := &lockPath{owner: owner, txID: owner.TransactionID(), target: target, parent: parent}
		if owner == c {
			return path
		}
		*paths = append(*paths, path)
	}
	return nil
}

func lockString(rt lock.ResourceType, id int64) string {
	return fmt.Sprintf("%s(%d)", rt, id)
}
