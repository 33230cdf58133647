// Package tracing records lock waits in an append-only text journal.
package tracing

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brown-csci1270/glock/pkg/clock"
	"github.com/brown-csci1270/glock/pkg/lock"
	"github.com/cockroachdb/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/icza/backscanner"
	"github.com/otiai10/copy"
)

// JournalConfig configures the wait journal. An empty path disables it.
type JournalConfig struct {
	Path       string `yaml:"path"`
	ArchiveDir string `yaml:"archive_dir"`
	Sync       bool   `yaml:"sync"`
}

// RegisterFlags registers flags under the "journal." prefix.
func (cfg *JournalConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Path, "journal.path", "", "File lock waits are appended to. Empty disables the journal.")
	f.StringVar(&cfg.ArchiveDir, "journal.archive-dir", "", "Directory the journal is archived to. Defaults to the journal's directory.")
	f.BoolVar(&cfg.Sync, "journal.sync", false, "Sync the journal to disk after every line.")
}

// Validate checks the config.
func (cfg *JournalConfig) Validate() error {
	if cfg.Path == "" && (cfg.ArchiveDir != "" || cfg.Sync) {
		return errors.New("journal.archive-dir and journal.sync need journal.path")
	}
	if cfg.Path != "" && cfg.ArchiveDir != "" && filepath.Clean(cfg.ArchiveDir) == filepath.Clean(cfg.Path) {
		return errors.Newf("journal archive dir %q is the journal itself", cfg.ArchiveDir)
	}
	return nil
}

// Journal is a lock.LockTracer that writes one line when a wait starts and
// one when it ends.
type Journal struct {
	cfg    JournalConfig
	clock  clock.Clock
	logger log.Logger
	fd     *os.File
	mtx    sync.Mutex
}

// Open the journal, creating it and its directory if needed.
func Open(cfg JournalConfig, c clock.Clock, logger log.Logger) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, errors.New("journal path not set")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0775); err != nil {
		return nil, errors.Wrap(err, "could not create journal directory")
	}
	fd, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "could not open journal")
	}
	if c == nil {
		c = clock.Real
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Journal{cfg: cfg, clock: c, logger: logger, fd: fd}, nil
}

// Write the entry to the journal. Expects j.mtx to be locked.
func (j *Journal) writeToBuffer(e Entry) error {
	if _, err := j.fd.WriteString(e.String() + "\n"); err != nil {
		return err
	}
	if j.cfg.Sync {
		return j.fd.Sync()
	}
	return nil
}

func (j *Journal) write(entries ...Entry) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	for _, e := range entries {
		if err := j.writeToBuffer(e); err != nil {
			level.Warn(j.logger).Log("msg", "could not write to lock journal", "path", j.cfg.Path, "err", err)
			return
		}
	}
}

type journalEvent struct {
	j       *Journal
	start   int64
	entries []WaitEntry
}

func (e *journalEvent) Close() {
	waited := time.Duration(e.j.clock.Nanos() - e.start)
	out := make([]Entry, len(e.entries))
	for i := range e.entries {
		out[i] = &WaitedEntry{WaitEntry: e.entries[i], Waited: waited}
	}
	e.j.write(out...)
}

// WaitForLock writes a wait entry per resource; closing the event writes the
// matching waited entries.
func (j *Journal) WaitForLock(lockType lock.LockType, resourceType lock.ResourceType, transactionID int64, resourceIDs ...int64) lock.LockWaitEvent {
	ev := &journalEvent{j: j, start: j.clock.Nanos(), entries: make([]WaitEntry, len(resourceIDs))}
	out := make([]Entry, len(resourceIDs))
	for i, id := range resourceIDs {
		ev.entries[i] = WaitEntry{TransactionID: transactionID, LockType: lockType, Resource: lock.ResourceKey{Type: resourceType, ID: id}}
		out[i] = &ev.entries[i]
	}
	j.write(out...)
	return ev
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	fstats, err := j.fd.Stat()
	if err != nil {
		return nil, err
	}
	scanner := backscanner.New(j.fd, int(fstats.Size()))
	entries := make([]Entry, 0, n)
	for len(entries) < n {
		line, _, err := scanner.LineBytes()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		e, err := FromString(string(line))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Archive copies the journal into the archive directory under a timestamped
// name and truncates it. Returns the path of the copy.
func (j *Journal) Archive() (string, error) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	dir := j.cfg.ArchiveDir
	if dir == "" {
		dir = filepath.Dir(j.cfg.Path)
	}
	if err := j.fd.Sync(); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s.%s", filepath.Base(j.cfg.Path), time.Now().UTC().Format("20060102T150405.000000000")))
	if err := copy.Copy(j.cfg.Path, dst); err != nil {
		return "", errors.Wrapf(err, "could not archive journal to %s", dst)
	}
	if err := j.fd.Truncate(0); err != nil {
		return "", errors.Wrap(err, "could not truncate journal")
	}
	level.Info(j.logger).Log("msg", "archived lock journal", "path", dst)
	return dst, nil
}

// Close the journal file.
func (j *Journal) Close() error {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	return j.fd.Close()
}
