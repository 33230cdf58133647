package tracing

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brown-csci1270/glock/pkg/clock"
	"github.com/brown-csci1270/glock/pkg/concurrency"
	"github.com/brown-csci1270/glock/pkg/lease"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/brown-csci1270/glock/pkg/repl"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T, c clock.Clock) *Journal {
	t.Helper()
	j, err := Open(JournalConfig{Path: filepath.Join(t.TempDir(), "locks", "journal.log")}, c, nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestFromString(t *testing.T) {
	e, err := FromString("< 12 wait EXCLUSIVE NODE(7) >")
	require.NoError(t, err)
	assert.Equal(t, &WaitEntry{TransactionID: 12, LockType: lock.Exclusive, Resource: lock.ResourceKey{Type: lock.Node, ID: 7}}, e)

	e, err = FromString("< -1 waited SHARED RELATIONSHIP_TYPE(3) 1.5ms >")
	require.NoError(t, err)
	waited, ok := e.(*WaitedEntry)
	require.True(t, ok)
	assert.Equal(t, int64(-1), waited.GetTransactionID())
	assert.Equal(t, lock.ResourceKey{Type: lock.RelationshipType, ID: 3}, waited.GetResource())
	assert.Equal(t, 1500*time.Microsecond, waited.Waited)
	assert.Equal(t, "< -1 waited SHARED RELATIONSHIP_TYPE(3) 1.5ms >", waited.String())

	for _, bad := range []string{
		"< 12 wait UPDATE NODE(7) >",
		"< 12 wait SHARED PLANET(7) >",
		"< 12 waited SHARED NODE(7) forever >",
		"12 wait SHARED NODE(7)",
	} {
		_, err := FromString(bad)
		assert.Error(t, err, bad)
	}
}

func TestJournalRecordsWaits(t *testing.T) {
	manual := clock.NewManual(0)
	j := openTestJournal(t, manual)

	ev := j.WaitForLock(lock.Exclusive, lock.Node, 4, 1, 2)
	manual.Advance(3 * time.Millisecond)
	ev.Close()
	j.WaitForLock(lock.Shared, lock.Label, 5, 9)

	entries, err := j.Recent(10)
	require.NoError(t, err)
	var lines []string
	for _, e := range entries {
		lines = append(lines, e.String())
	}
	assert.Equal(t, []string{
		"< 5 wait SHARED LABEL(9) >",
		"< 4 waited EXCLUSIVE NODE(2) 3ms >",
		"< 4 waited EXCLUSIVE NODE(1) 3ms >",
		"< 4 wait EXCLUSIVE NODE(2) >",
		"< 4 wait EXCLUSIVE NODE(1) >",
	}, lines)

	entries, err = j.Recent(2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestJournalArchive(t *testing.T) {
	j := openTestJournal(t, nil)
	j.WaitForLock(lock.Shared, lock.Node, 1, 1).Close()

	dst, err := j.Archive()
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(j.cfg.Path), filepath.Dir(dst))
	archived, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Contains(t, string(archived), "< 1 wait SHARED NODE(1) >\n")

	entries, err := j.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	j.WaitForLock(lock.Exclusive, lock.Node, 2, 8)
	entries, err = j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].GetTransactionID())
}

func TestJournalConfig(t *testing.T) {
	assert.NoError(t, (&JournalConfig{}).Validate())
	assert.Error(t, (&JournalConfig{Sync: true}).Validate())
	assert.Error(t, (&JournalConfig{Path: "/tmp/j", ArchiveDir: "/tmp/j/"}).Validate())
	_, err := Open(JournalConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestJournalTracesBlockedAcquisition(t *testing.T) {
	j := openTestJournal(t, nil)
	m, err := concurrency.NewManager(concurrency.DefaultConfig())
	require.NoError(t, err)
	defer m.Close()
	tm := concurrency.NewTransactionManager(m, lease.NewService(), lock.CombineTracers(j))

	owner, waiter := uuid.New(), uuid.New()
	_, err = tm.Begin(owner)
	require.NoError(t, err)
	_, err = tm.Begin(waiter)
	require.NoError(t, err)

	require.NoError(t, tm.Lock(owner, lock.Node, lock.Exclusive, 1))
	result := make(chan error, 1)
	go func() { result <- tm.Lock(waiter, lock.Node, lock.Shared, 1) }()
	require.Eventually(t, func() bool {
		entries, err := j.Recent(1)
		return err == nil && len(entries) == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, tm.Commit(owner))
	require.NoError(t, <-result)
	require.NoError(t, tm.Commit(waiter))

	entries, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.IsType(t, &WaitedEntry{}, entries[0])
	assert.Equal(t, "< 2 wait SHARED NODE(1) >", entries[1].String())
}

func TestJournalREPL(t *testing.T) {
	j := openTestJournal(t, clock.NewManual(0))
	r := JournalREPL(j)
	var out bytes.Buffer
	cfg := repl.NewREPLConfig(&out, uuid.New())

	j.WaitForLock(lock.Shared, lock.Node, 1, 1)
	j.WaitForLock(lock.Shared, lock.Node, 2, 2)
	r.Execute("journal 1", cfg)
	assert.Equal(t, "< 2 wait SHARED NODE(2) >\n", out.String())

	out.Reset()
	r.Execute("journal", cfg)
	assert.Equal(t, "< 2 wait SHARED NODE(2) >\n< 1 wait SHARED NODE(1) >\n", out.String())

	out.Reset()
	r.Execute("journal zero", cfg)
	assert.Equal(t, "usage: journal [n|archive]\n", out.String())

	out.Reset()
	r.Execute("journal archive", cfg)
	assert.Contains(t, out.String(), "archived to ")
}
