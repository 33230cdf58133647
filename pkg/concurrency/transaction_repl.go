package concurrency

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/brown-csci1270/glock/pkg/repl"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Transaction REPL.
func TransactionREPL(tm *TransactionManager) *repl.REPL {
	r := repl.NewRepl()
	r.AddCommand("transaction", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleTransaction(tm, payload, replConfig.GetWriter(), replConfig.GetAddr())
	}, "Handle transactions. usage: transaction <begin|prepare|commit|reset>")
	r.AddCommand("lock", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleLock(tm, payload, replConfig.GetAddr())
	}, "Grabs locks, waiting if needed. usage: lock <s|x> <type> <id>...")
	r.AddCommand("trylock", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleTryLock(tm, payload, replConfig.GetWriter(), replConfig.GetAddr())
	}, "Grabs a lock only if free. usage: trylock <s|x> <type> <id>")
	r.AddCommand("unlock", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleUnlock(tm, payload, replConfig.GetAddr())
	}, "Releases locks. usage: unlock <s|x> <type> <id>...")
	r.AddCommand("locks", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleLocks(tm, payload, replConfig.GetWriter(), replConfig.GetAddr())
	}, "Lists the locks of the current transaction. usage: locks")
	r.AddCommand("dump", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleDump(tm, payload, replConfig.GetWriter())
	}, "Lists every lock held by any transaction. usage: dump")
	r.AddCommand("stop", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleStop(tm, payload)
	}, "Stops another transaction. usage: stop <txid>")
	r.AddCommand("memory", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleMemory(tm, payload, replConfig.GetWriter(), replConfig.GetAddr())
	}, "Shows memory used by lock bookkeeping. usage: memory")
	return r
}

// Handle transaction.
func HandleTransaction(tm *TransactionManager, payload string, w io.Writer, sessionId uuid.UUID) (err error) {
	fields := strings.Fields(payload)
	// Usage: transaction <begin|prepare|commit|reset>
	if len(fields) != 2 {
		return errors.New("usage: transaction <begin|prepare|commit|reset>")
	}
	switch fields[1] {
	case "begin":
		t, err := tm.Begin(sessionId)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "began transaction %d\n", t.GetClient().TransactionID())
		return err
	case "prepare":
		return tm.Prepare(sessionId)
	case "commit":
		return tm.Commit(sessionId)
	case "reset":
		return tm.Reset(sessionId)
	default:
		return errors.New("usage: transaction <begin|prepare|commit|reset>")
	}
}

// parseLockArgs parses "<cmd> <s|x> <type> <id>...".
func parseLockArgs(payload string, usage string, single bool) (lock.LockType, lock.ResourceType, []int64, error) {
	fields := strings.Fields(payload)
	if len(fields) < 4 || (single && len(fields) != 4) {
		return 0, 0, nil, errors.Newf("usage: %s", usage)
	}
	lType, err := lock.ParseLockType(fields[1])
	if err != nil {
		return 0, 0, nil, err
	}
	rt, ok := lock.ResourceTypeByName(strings.ToUpper(fields[2]))
	if !ok {
		return 0, 0, nil, errors.Newf("unknown resource type %q", fields[2])
	}
	ids := make([]int64, 0, len(fields)-3)
	for _, f := range fields[3:] {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return 0, 0, nil, errors.Wrapf(err, "bad resource id %q", f)
		}
		ids = append(ids, id)
	}
	return lType, rt, ids, nil
}

// Handle lock requests.
func HandleLock(tm *TransactionManager, payload string, sessionId uuid.UUID) error {
	lType, rt, ids, err := parseLockArgs(payload, "lock <s|x> <type> <id>...", false)
	if err != nil {
		return err
	}
	if err = tm.Lock(sessionId, rt, lType, ids...); err != nil {
		return errors.Wrap(err, "lock error")
	}
	return nil
}

// Handle non-blocking lock requests.
func HandleTryLock(tm *TransactionManager, payload string, w io.Writer, sessionId uuid.UUID) error {
	lType, rt, ids, err := parseLockArgs(payload, "trylock <s|x> <type> <id>", true)
	if err != nil {
		return err
	}
	ok, err := tm.TryLock(sessionId, rt, lType, ids[0])
	if err != nil {
		return errors.Wrap(err, "trylock error")
	}
	if ok {
		_, err = io.WriteString(w, "acquired\n")
	} else {
		_, err = io.WriteString(w, "busy\n")
	}
	return err
}

// Handle unlock requests.
func HandleUnlock(tm *TransactionManager, payload string, sessionId uuid.UUID) error {
	lType, rt, ids, err := parseLockArgs(payload, "unlock <s|x> <type> <id>...", false)
	if err != nil {
		return err
	}
	if err = tm.Unlock(sessionId, rt, lType, ids...); err != nil {
		return errors.Wrap(err, "unlock error")
	}
	return nil
}

// Handle listing the session's locks.
func HandleLocks(tm *TransactionManager, payload string, w io.Writer, sessionId uuid.UUID) error {
	t, err := tm.running(sessionId)
	if err != nil {
		return err
	}
	for _, l := range t.GetClient().ActiveLocks() {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// Handle dumping the whole lock table.
func HandleDump(tm *TransactionManager, payload string, w io.Writer) error {
	locks := tm.GetLockManager().ActiveLocks()
	for _, l := range locks {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d locks held by %d clients\n", len(locks), tm.GetLockManager().ActiveClientCount())
	return err
}

// Handle stopping another transaction.
func HandleStop(tm *TransactionManager, payload string) error {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return errors.New("usage: stop <txid>")
	}
	txID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return errors.Wrapf(err, "bad transaction id %q", fields[1])
	}
	return tm.Stop(txID)
}

// Handle memory reporting.
func HandleMemory(tm *TransactionManager, payload string, w io.Writer, sessionId uuid.UUID) error {
	total := tm.GetLockManager().Memory()
	if _, err := fmt.Fprintf(w, "all transactions: %s (peak %s)\n",
		humanize.IBytes(uint64(total.EstimatedHeapMemory())), humanize.IBytes(uint64(total.Peak()))); err != nil {
		return err
	}
	if t, found := tm.GetTransaction(sessionId); found {
		_, err := fmt.Fprintf(w, "this transaction: %s in %d locks\n",
			humanize.IBytes(uint64(t.GetTracker().EstimatedHeapMemory())), t.GetClient().ActiveLockCount())
		return err
	}
	return nil
}
