package tracing

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/brown-csci1270/glock/pkg/repl"
	"github.com/cockroachdb/errors"
)

const defaultRecent = 10

// Journal REPL.
func JournalREPL(j *Journal) *repl.REPL {
	r := repl.NewRepl()
	r.AddCommand("journal", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleJournal(j, payload, replConfig.GetWriter())
	}, "Shows recent lock waits, newest first, or archives the journal. usage: journal [n|archive]")
	return r
}

// Handle journal.
func HandleJournal(j *Journal, payload string, w io.Writer) error {
	fields := strings.Fields(payload)
	// Usage: journal [n|archive]
	if len(fields) > 2 {
		return errors.New("usage: journal [n|archive]")
	}
	n := defaultRecent
	if len(fields) == 2 {
		if fields[1] == "archive" {
			dst, err := j.Archive()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "archived to %s\n", dst)
			return err
		}
		var err error
		if n, err = strconv.Atoi(fields[1]); err != nil || n <= 0 {
			return errors.New("usage: journal [n|archive]")
		}
	}
	entries, err := j.Recent(n)
	if err != nil {
		return errors.Wrap(err, "journal error")
	}
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, e); err != nil {
			return err
		}
	}
	return nil
}
