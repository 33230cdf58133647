package tracing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/cockroachdb/errors"
)

/*
   Journal lines come in the following forms:

   WAIT entry -- a transaction started waiting for a lock:
   < Tx wait SHARED|EXCLUSIVE TYPE(id) >

   WAITED entry -- the wait ended, granted or not:
   < Tx waited SHARED|EXCLUSIVE TYPE(id) duration >
*/

// An entry in the journal.
type Entry interface {
	fmt.Stringer
	GetTransactionID() int64
	GetResource() lock.ResourceKey
}

var (
	waitExp   = regexp.MustCompile(`^< (-?\d+) wait (SHARED|EXCLUSIVE) (\w+)\((-?\d+)\) >$`)
	waitedExp = regexp.MustCompile(`^< (-?\d+) waited (SHARED|EXCLUSIVE) (\w+)\((-?\d+)\) (\S+) >$`)
)

// Convert a journal line to its respective entry.
func FromString(s string) (Entry, error) {
	switch {
	case waitExp.MatchString(s):
		m := waitExp.FindStringSubmatch(s)
		return parseWait(m[1:5])
	case waitedExp.MatchString(s):
		m := waitedExp.FindStringSubmatch(s)
		w, err := parseWait(m[1:5])
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(m[5])
		if err != nil {
			return nil, errors.Wrapf(err, "could not parse journal line %q", s)
		}
		return &WaitedEntry{WaitEntry: *w, Waited: d}, nil
	default:
		return nil, errors.Newf("could not parse journal line %q", s)
	}
}

func parseWait(fields []string) (*WaitEntry, error) {
	txID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "bad transaction id")
	}
	lt, err := lock.ParseLockType(fields[1])
	if err != nil {
		return nil, err
	}
	rt, ok := lock.ResourceTypeByName(fields[2])
	if !ok {
		return nil, errors.Newf("unknown resource type %q", fields[2])
	}
	id, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "bad resource id")
	}
	return &WaitEntry{TransactionID: txID, LockType: lt, Resource: lock.ResourceKey{Type: rt, ID: id}}, nil
}

// Entry for the start of a wait.
type WaitEntry struct {
	TransactionID int64
	LockType      lock.LockType
	Resource      lock.ResourceKey
}

func (e *WaitEntry) GetTransactionID() int64 {
	return e.TransactionID
}

func (e *WaitEntry) GetResource() lock.ResourceKey {
	return e.Resource
}

func (e *WaitEntry) String() string {
	return fmt.Sprintf("< %d wait %s %s >", e.TransactionID, e.LockType, e.Resource)
}

// Entry for the end of a wait.
type WaitedEntry struct {
	WaitEntry
	Waited time.Duration
}

func (e *WaitedEntry) String() string {
	return fmt.Sprintf("< %d waited %s %s %s >", e.TransactionID, e.LockType, e.Resource, e.Waited)
}
