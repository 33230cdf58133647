package concurrency

import (
	"sort"

	"github.com/brown-csci1270/glock/pkg/clock"
	"github.com/brown-csci1270/glock/pkg/hash"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/brown-csci1270/glock/pkg/memory"
	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// LockVisitor is called once per (owner, resource) pair by Manager.Accept.
type LockVisitor func(lockType lock.LockType, resourceType lock.ResourceType, transactionID int64, resourceID int64)

// Manager owns the resource tables and the clients that lock them.
type Manager struct {
	cfg      Config
	clock    clock.Clock
	logger   log.Logger
	reg      prometheus.Registerer
	metrics  *Metrics
	memory   *memory.LocalTracker
	tables   *lockTables
	registry *registry
	closed   atomic.Bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the clock used for acquisition timeouts.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRegisterer registers the manager's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.reg = reg }
}

// NewManager validates cfg and builds a manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid lock manager config")
	}
	hasher, err := hash.ByName(cfg.Hasher)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		clock:    clock.Real,
		logger:   log.NewNopLogger(),
		memory:   memory.NewLocalTracker(cfg.MemoryLimit),
		tables:   newLockTables(cfg.Stripes, hasher),
		registry: newRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = NewMetrics(m.reg)
	return m, nil
}

// Config returns the manager's config. Clients are initialized with it by default.
func (m *Manager) Config() Config {
	return m.cfg
}

// Memory is the tracker clients charge when initialized without one.
func (m *Manager) Memory() *memory.LocalTracker {
	return m.memory
}

// NewClient registers a client. It must be closed when its transaction ends.
func (m *Manager) NewClient() (*Client, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	c := newClient(m)
	c.Initialize(nil, -1, nil, m.cfg)
	c.id = m.registry.register(c)
	m.metrics.activeClients.Inc()
	return c, nil
}

func (m *Manager) unregister(c *Client) {
	if m.registry.unregister(c) {
		m.metrics.activeClients.Dec()
	}
}

// ActiveClientCount returns the number of clients not yet closed.
func (m *Manager) ActiveClientCount() int {
	return m.registry.size()
}

// Accept calls visitor for every lock currently held, one stripe at a time.
// The result is not an atomic snapshot of the whole table, but a lock is
// checked to still be in place and held right before it is visited, so locks
// released while Accept runs are not reported.
func (m *Manager) Accept(visitor LockVisitor) {
	for _, rt := range lock.ResourceTypes() {
		table := m.tables.lookup(rt)
		if table == nil {
			continue
		}
		table.forEach(func(id int64, l resourceLock) {
			l.visitOwners(func(owner *Client, lt lock.LockType) {
				if table.get(id) != l || !l.heldBy(owner) {
					return
				}
				visitor(lt, rt, owner.TransactionID(), id)
			})
		})
	}
}

// ActiveLocks returns everything Accept visits, ordered by resource and transaction.
func (m *Manager) ActiveLocks() []lock.ActiveLock {
	var out []lock.ActiveLock
	m.Accept(func(lt lock.LockType, rt lock.ResourceType, txID int64, id int64) {
		out = append(out, lock.ActiveLock{ResourceType: rt, LockType: lt, TransactionID: txID, ResourceID: id})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceType == out[j].ResourceType && out[i].ResourceID == out[j].ResourceID {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].Less(out[j])
	})
	return out
}

// Close stops accepting clients and closes the ones still open.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	for _, c := range m.registry.snapshot() {
		level.Warn(m.logger).Log("msg", "closing lock client left open", "client", c, "locks", c.ActiveLockCount())
		c.Stop()
		c.Close()
	}
}
