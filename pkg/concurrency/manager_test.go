package concurrency

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brown-csci1270/glock/pkg/hash"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/brown-csci1270/glock/pkg/memory"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptMatchesClients(t *testing.T) {
	m := newTestManager(t)
	a := newTestClient(t, m, 1, nil)
	defer a.Close()
	b := newTestClient(t, m, 2, nil)
	defer b.Close()

	require.NoError(t, a.AcquireShared(lock.NoneTracer, lock.Node, 1, 2))
	require.NoError(t, b.AcquireShared(lock.NoneTracer, lock.Node, 2))
	require.NoError(t, a.AcquireExclusive(lock.NoneTracer, lock.Node, 1))
	require.NoError(t, b.AcquireExclusive(lock.NoneTracer, lock.Relationship, 3))
	require.NoError(t, b.AcquireShared(lock.NoneTracer, lock.Relationship, 3))

	var fromClients []lock.ActiveLock
	fromClients = append(fromClients, a.ActiveLocks()...)
	fromClients = append(fromClients, b.ActiveLocks()...)
	assert.ElementsMatch(t, fromClients, m.ActiveLocks())

	visited := 0
	m.Accept(func(lt lock.LockType, rt lock.ResourceType, txID int64, id int64) { visited++ })
	assert.Equal(t, int(a.ActiveLockCount()+b.ActiveLockCount()), visited)
}

func TestManagerMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m, err := NewManager(DefaultConfig(), WithRegisterer(reg))
	require.NoError(t, err)
	defer m.Close()

	holder := newTestClient(t, m, 1, nil)
	defer holder.Close()
	waiter := newTestClient(t, m, 2, nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.activeClients))

	require.NoError(t, holder.AcquireExclusive(lock.NoneTracer, lock.Node, 1))
	result := make(chan error, 1)
	go func() { result <- waiter.AcquireShared(lock.NoneTracer, lock.Node, 1) }()
	require.Eventually(t, func() bool { return waiter.waitingFor.Load() != nil }, 5*time.Second, time.Millisecond)
	waiter.Stop()
	assert.True(t, errors.Is(waitResult(t, result), ErrClientStopped))
	waiter.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.lockWaits.WithLabelValues("SHARED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.stoppedClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.activeClients))

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP glock_clients_stopped_total Total number of lock clients stopped from another goroutine.
# TYPE glock_clients_stopped_total counter
glock_clients_stopped_total 1
# HELP glock_active_clients Number of lock clients currently registered.
# TYPE glock_active_clients gauge
glock_active_clients 1
`), "glock_clients_stopped_total", "glock_active_clients"))
}

func TestManagerClose(t *testing.T) {
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	tracker := memory.NewLocalTracker(0)
	c, err := m.NewClient()
	require.NoError(t, err)
	c.Initialize(nil, 3, tracker, m.Config())
	require.NoError(t, c.AcquireExclusive(lock.NoneTracer, lock.Node, 1, 2))

	m.Close()
	assert.Zero(t, m.ActiveClientCount())
	assert.Empty(t, m.ActiveLocks())
	assert.Zero(t, tracker.EstimatedHeapMemory())
	assert.True(t, errors.Is(c.AcquireShared(lock.NoneTracer, lock.Node, 3), ErrClientClosed))

	_, err = m.NewClient()
	assert.True(t, errors.Is(err, ErrManagerClosed))
	m.Close()
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stripes = 0
	_, err := NewManager(cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.Hasher = "md5"
	_, err = NewManager(cfg)
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.Stripes)
	assert.Equal(t, hash.XxHash, cfg.Hasher)
	assert.Zero(t, cfg.AcquisitionTimeout)
	assert.False(t, cfg.VerboseDeadlocks)

	cfg.AcquisitionTimeout = -time.Second
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.MemoryLimit = -1
	assert.Error(t, cfg.Validate())
}

func TestManagerMemoryLimit(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) { cfg.MemoryLimit = memory.LockMapSize + memory.LockNodeSize })
	a := newTestClient(t, m, 1, nil)
	defer a.Close()
	b := newTestClient(t, m, 2, nil)
	defer b.Close()

	require.NoError(t, a.AcquireShared(lock.NoneTracer, lock.Node, 1))
	assert.True(t, errors.Is(b.AcquireShared(lock.NoneTracer, lock.Node, 1), ErrMemoryLimitExceeded))
	require.NoError(t, a.ReleaseShared(lock.Node, 1))
	require.NoError(t, b.AcquireShared(lock.NoneTracer, lock.Node, 1))
	assert.Equal(t, int64(memory.LockMapSize+memory.LockNodeSize), m.Memory().Peak())
}

func TestStopDuringMemoryWorkConverges(t *testing.T) {
	for i := 0; i < 20; i++ {
		m := newTestManager(t)
		tracker := memory.NewLocalTracker(0)
		c := newTestClient(t, m, 1, tracker)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := int64(0); ; id++ {
				if err := c.AcquireShared(lock.NoneTracer, lock.Node, id); err != nil {
					return
				}
				if err := c.AcquireExclusive(lock.NoneTracer, lock.Relationship, id); err != nil {
					return
				}
				if id%2 == 0 {
					_ = c.ReleaseExclusive(lock.Relationship, id)
				}
			}
		}()
		time.Sleep(time.Millisecond)
		c.Stop()
		wg.Wait()
		c.Close()

		require.Zero(t, tracker.EstimatedHeapMemory())
		require.Empty(t, m.ActiveLocks())
	}
}

func TestAcceptSkipsLocksReleasedDuringVisit(t *testing.T) {
	m := newTestManager(t)
	c := newTestClient(t, m, 1, nil)
	defer c.Close()

	ids := make([]int64, 1000)
	for i := range ids {
		ids[i] = int64(i)
	}
	require.NoError(t, c.AcquireExclusive(lock.NoneTracer, lock.Node, ids...))
	require.NoError(t, c.AcquireShared(lock.NoneTracer, lock.Relationship, ids...))

	calls, afterRelease := 0, 0
	released := false
	m.Accept(func(lt lock.LockType, rt lock.ResourceType, txID int64, id int64) {
		calls++
		if released {
			afterRelease++
			return
		}
		require.NoError(t, c.ReleaseExclusive(lock.Node, ids...))
		require.NoError(t, c.ReleaseShared(lock.Relationship, ids...))
		released = true
	})
	assert.Equal(t, 1, calls)
	assert.Zero(t, afterRelease)
	assert.Zero(t, c.ActiveLockCount())
	assert.Empty(t, m.ActiveLocks())
}

func TestRegistryReusesSlots(t *testing.T) {
	m := newTestManager(t)
	a, err := m.NewClient()
	require.NoError(t, err)
	b, err := m.NewClient()
	require.NoError(t, err)
	c, err := m.NewClient()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, []int{a.id, b.id, c.id})
	assert.Equal(t, 3, m.ActiveClientCount())

	b.Close()
	a.Close()
	assert.Nil(t, m.registry.get(1))
	d, err := m.NewClient()
	require.NoError(t, err)
	e, err := m.NewClient()
	require.NoError(t, err)
	assert.Equal(t, 1, d.id)
	assert.Equal(t, 0, e.id)
	assert.Same(t, d, m.registry.get(1))
	assert.False(t, m.registry.unregister(b))
	assert.Len(t, m.registry.snapshot(), 3)
}

func TestLockTable(t *testing.T) {
	m := newTestManager(t)
	a := newTestClient(t, m, 1, nil)
	defer a.Close()
	for _, name := range []string{hash.XxHash, hash.Murmur3} {
		hasher, err := hash.ByName(name)
		require.NoError(t, err)
		table := newLockTable(4, hasher)

		first, second := newSharedLock(a), newSharedLock(a)
		assert.Nil(t, table.putIfAbsent(7, first))
		assert.Same(t, first, table.putIfAbsent(7, second))
		assert.False(t, table.replace(7, second, first))
		assert.True(t, table.replace(7, first, second))
		assert.Same(t, second, table.get(7))
		assert.False(t, table.removeIf(7, first))

		for id := int64(100); id < 200; id++ {
			require.Nil(t, table.putIfAbsent(id, first))
		}
		assert.Equal(t, 101, table.len())
		seen := 0
		table.forEach(func(id int64, l resourceLock) { seen++ })
		assert.Equal(t, 101, seen)

		assert.True(t, table.removeIf(7, second))
		assert.Nil(t, table.get(7))
		assert.Equal(t, 100, table.len())
	}
}

func TestClientState(t *testing.T) {
	var s clientState
	require.True(t, s.incrementActive())
	assert.Equal(t, int64(1), s.activeCount())
	require.True(t, s.prepare())
	assert.True(t, s.isPrepared())

	require.True(t, s.stop())
	assert.False(t, s.stop())
	assert.True(t, s.isStopped())
	assert.False(t, s.incrementActive())
	assert.Equal(t, int64(2), s.activeCount())
	s.decrementActive()
	s.decrementActive()
	s.waitForActive(0)

	s.reset()
	assert.False(t, s.isStopped())
	assert.False(t, s.isPrepared())
	require.True(t, s.close())
	assert.False(t, s.close())
	assert.True(t, s.isClosed())
	assert.True(t, s.isStopped())
	assert.False(t, s.stop())
	assert.False(t, s.prepare())
}

func TestDeferredTracker(t *testing.T) {
	parent := memory.NewLocalTracker(0)
	tr := newDeferredTracker(parent)
	require.NoError(t, tr.AllocateHeap(100))
	tr.ReleaseHeap(40)
	assert.Equal(t, int64(60), parent.EstimatedHeapMemory())

	tr.stop()
	tr.ReleaseHeap(20)
	assert.Equal(t, int64(60), parent.EstimatedHeapMemory())
	err := tr.AllocateHeap(10)
	assert.True(t, errors.Is(err, ErrClientStopped), "%+v", err)
	assert.Equal(t, int64(60), parent.EstimatedHeapMemory())
	assert.Equal(t, int64(40), tr.EstimatedHeapMemory())
	tr.close()
	assert.Zero(t, parent.EstimatedHeapMemory())
	tr.close()
	assert.Zero(t, parent.EstimatedHeapMemory())
}

func TestNotifier(t *testing.T) {
	var n notifier
	ch := n.changed()
	assert.Equal(t, ch, n.changed())
	n.notify()
	select {
	case <-ch:
	default:
		t.Fatal("notify did not close the channel")
	}
	assert.NotEqual(t, ch, n.changed())

	s := newSignal()
	s.fire()
	s.fire()
	<-s.done()
}
