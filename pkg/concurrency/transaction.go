package concurrency

import (
	"sync"

	"github.com/brown-csci1270/glock/pkg/lease"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/brown-csci1270/glock/pkg/memory"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Each session can have a transaction running. Each transaction has its own lock client.
type Transaction struct {
	sessionId uuid.UUID
	client    *Client
	tracker   *memory.ScopedTracker
}

// Get the session id.
func (t *Transaction) GetSessionID() uuid.UUID {
	return t.sessionId
}

// Get the transaction's lock client.
func (t *Transaction) GetClient() *Client {
	return t.client
}

// Get the transaction's memory tracker.
func (t *Transaction) GetTracker() memory.Tracker {
	return t.tracker
}

// Transaction Manager runs one transaction per session on top of a lock manager.
type TransactionManager struct {
	lm           *Manager
	leases       *lease.Service
	tracer       lock.LockTracer
	nextTxID     atomic.Int64
	tmMtx        sync.RWMutex
	transactions map[uuid.UUID]*Transaction
}

// Get a pointer to a new transaction manager.
func NewTransactionManager(lm *Manager, leases *lease.Service, tracer lock.LockTracer) *TransactionManager {
	if tracer == nil {
		tracer = lock.NoneTracer
	}
	return &TransactionManager{lm: lm, leases: leases, tracer: tracer, transactions: make(map[uuid.UUID]*Transaction)}
}

// Get the lock manager.
func (tm *TransactionManager) GetLockManager() *Manager {
	return tm.lm
}

// Get a particular transaction.
func (tm *TransactionManager) GetTransaction(sessionId uuid.UUID) (*Transaction, bool) {
	tm.tmMtx.RLock()
	defer tm.tmMtx.RUnlock()
	t, found := tm.transactions[sessionId]
	return t, found
}

// Find the running transaction with the given transaction id.
func (tm *TransactionManager) FindTransaction(txID int64) (*Transaction, bool) {
	tm.tmMtx.RLock()
	defer tm.tmMtx.RUnlock()
	for _, t := range tm.transactions {
		if t.client.TransactionID() == txID {
			return t, true
		}
	}
	return nil, false
}

// Begin a transaction for the given session; error if already began.
func (tm *TransactionManager) Begin(sessionId uuid.UUID) (*Transaction, error) {
	tm.tmMtx.Lock()
	defer tm.tmMtx.Unlock()
	if _, found := tm.transactions[sessionId]; found {
		return nil, errors.New("transaction already began")
	}
	client, err := tm.lm.NewClient()
	if err != nil {
		return nil, err
	}
	leaseClient := lease.NoLease
	if tm.leases != nil {
		leaseClient = tm.leases.NewClient()
	}
	tracker := memory.NewScopedTracker(tm.lm.Memory())
	client.Initialize(leaseClient, tm.nextTxID.Inc(), tracker, tm.lm.Config())
	t := &Transaction{sessionId: sessionId, client: client, tracker: tracker}
	tm.transactions[sessionId] = t
	return t, nil
}

func (tm *TransactionManager) running(sessionId uuid.UUID) (*Transaction, error) {
	t, found := tm.GetTransaction(sessionId)
	if !found {
		return nil, errors.New("no transaction running")
	}
	return t, nil
}

// Locks the given resources, blocking as needed. Returns an error on deadlock, timeout or stop.
func (tm *TransactionManager) Lock(sessionId uuid.UUID, rt lock.ResourceType, lType lock.LockType, ids ...int64) error {
	t, err := tm.running(sessionId)
	if err != nil {
		return err
	}
	if lType == lock.Exclusive {
		return t.client.AcquireExclusive(tm.tracer, rt, ids...)
	}
	return t.client.AcquireShared(tm.tracer, rt, ids...)
}

// Tries to lock the given resource without waiting.
func (tm *TransactionManager) TryLock(sessionId uuid.UUID, rt lock.ResourceType, lType lock.LockType, id int64) (bool, error) {
	t, err := tm.running(sessionId)
	if err != nil {
		return false, err
	}
	if lType == lock.Exclusive {
		return t.client.TryExclusiveLock(rt, id)
	}
	return t.client.TrySharedLock(rt, id)
}

// Unlocks the given resources.
func (tm *TransactionManager) Unlock(sessionId uuid.UUID, rt lock.ResourceType, lType lock.LockType, ids ...int64) error {
	t, err := tm.running(sessionId)
	if err != nil {
		return err
	}
	if lType == lock.Exclusive {
		return t.client.ReleaseExclusive(rt, ids...)
	}
	return t.client.ReleaseShared(rt, ids...)
}

// Marks the session's transaction as committing.
func (tm *TransactionManager) Prepare(sessionId uuid.UUID) error {
	t, err := tm.running(sessionId)
	if err != nil {
		return err
	}
	return t.client.PrepareForCommit()
}

// Resets the session's transaction so it can keep going after being stopped.
func (tm *TransactionManager) Reset(sessionId uuid.UUID) error {
	t, err := tm.running(sessionId)
	if err != nil {
		return err
	}
	t.client.Reset()
	return nil
}

// Stops the transaction with the given id, whichever session runs it.
func (tm *TransactionManager) Stop(txID int64) error {
	t, found := tm.FindTransaction(txID)
	if !found {
		return errors.Newf("no transaction with id %d", txID)
	}
	t.client.Stop()
	return nil
}

// Commits the given transaction and removes it from the running transactions list.
func (tm *TransactionManager) Commit(sessionId uuid.UUID) error {
	tm.tmMtx.Lock()
	t, found := tm.transactions[sessionId]
	delete(tm.transactions, sessionId)
	tm.tmMtx.Unlock()
	if !found {
		return errors.New("no transactions running")
	}
	t.client.Close()
	t.tracker.Close()
	return nil
}
