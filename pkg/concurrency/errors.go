package concurrency

import (
	"github.com/brown-csci1270/glock/pkg/memory"
	"github.com/cockroachdb/errors"
)

// Errors returned by the lock client. Returned errors are marked with one of
// these, so test them with errors.Is.
var (
	ErrDeadlockDetected    = errors.New("deadlock detected")
	ErrAcquisitionTimeout  = errors.New("lock acquisition timed out")
	ErrClientStopped       = errors.New("lock client stopped")
	ErrClientClosed        = errors.New("lock client closed")
	ErrLockNotHeld         = errors.New("lock not held")
	ErrManagerClosed       = errors.New("lock manager closed")
	ErrMemoryLimitExceeded = memory.ErrLimitExceeded
)

func newDeadlockError(msg string) error {
	return errors.Mark(errors.New(msg), ErrDeadlockDetected)
}

func newStoppedError(c *Client) error {
	return errors.Mark(errors.Newf("%s has been stopped", c), ErrClientStopped)
}

func newClosedError(c *Client) error {
	return errors.Mark(errors.Newf("%s has been closed", c), ErrClientClosed)
}
