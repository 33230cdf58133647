// Package lock holds the vocabulary shared by the lock manager and its callers.
package lock

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Indicates whether a lock is shared or exclusive.
type LockType int

const (
	Shared LockType = iota
	Exclusive
)

func (t LockType) String() string {
	switch t {
	case Shared:
		return "SHARED"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("LockType(%d)", int(t))
	}
}

// ParseLockType accepts the names printed by String as well as the short forms "s" and "x".
func ParseLockType(s string) (LockType, error) {
	switch s {
	case "SHARED", "shared", "s", "S":
		return Shared, nil
	case "EXCLUSIVE", "exclusive", "x", "X":
		return Exclusive, nil
	}
	return 0, errors.Newf("unknown lock type %q", s)
}

// ResourceKey identifies one lockable resource.
type ResourceKey struct {
	Type ResourceType
	ID   int64
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s(%d)", k.Type, k.ID)
}

// ActiveLock is a snapshot of one lock held by one transaction.
type ActiveLock struct {
	ResourceType  ResourceType
	LockType      LockType
	TransactionID int64
	ResourceID    int64
}

func (l ActiveLock) String() string {
	return fmt.Sprintf("%s %s(%d) tx=%d", l.LockType, l.ResourceType, l.ResourceID, l.TransactionID)
}

// Less orders active locks by resource type and then resource id.
func (l ActiveLock) Less(o ActiveLock) bool {
	if l.ResourceType != o.ResourceType {
		return l.ResourceType < o.ResourceType
	}
	if l.ResourceID != o.ResourceID {
		return l.ResourceID < o.ResourceID
	}
	return l.LockType < o.LockType
}
