// Package lease issues the liveness tokens a lock client checks before every wait.
package lease

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// ErrLeaseExpired is returned by EnsureValid once the lease has been revoked.
var ErrLeaseExpired = errors.New("lease expired")

// Client is a lease held by a transaction.
type Client interface {
	ID() string
	EnsureValid() error
}

type noLease struct{}

func (noLease) ID() string         { return "none" }
func (noLease) EnsureValid() error { return nil }

// NoLease never expires.
var NoLease Client = noLease{}

// Service hands out leases tied to the current epoch. Invalidate starts a new
// epoch and revokes every lease issued before it.
type Service struct {
	epoch atomic.String
}

// NewService starts a service on a fresh epoch.
func NewService() *Service {
	s := &Service{}
	s.epoch.Store(uuid.NewString())
	return s
}

// Epoch returns the id of the current epoch.
func (s *Service) Epoch() string {
	return s.epoch.Load()
}

// NewClient returns a lease valid until the next Invalidate.
func (s *Service) NewClient() Client {
	return &client{service: s, id: s.epoch.Load()}
}

// Invalidate revokes all outstanding leases and returns the new epoch.
func (s *Service) Invalidate() string {
	next := uuid.NewString()
	s.epoch.Store(next)
	return next
}

type client struct {
	service *Service
	id      string
}

func (c *client) ID() string {
	return c.id
}

func (c *client) EnsureValid() error {
	if current := c.service.epoch.Load(); current != c.id {
		return errors.Mark(errors.Newf("lease %s is no longer valid, current lease is %s", c.id, current), ErrLeaseExpired)
	}
	return nil
}
