package repl

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	uuid "github.com/google/uuid"
)

// REPL struct.
type REPL struct {
	commands map[string]func(string, *REPLConfig) error
	help     map[string]string
}

// REPL Config struct.
type REPLConfig struct {
	writer    io.Writer
	sessionId uuid.UUID
}

// NewREPLConfig builds the per-session config handed to every command.
func NewREPLConfig(writer io.Writer, sessionId uuid.UUID) *REPLConfig {
	return &REPLConfig{writer: writer, sessionId: sessionId}
}

// Get writer.
func (replConfig *REPLConfig) GetWriter() io.Writer {
	return replConfig.writer
}

// Get the session id.
func (replConfig *REPLConfig) GetAddr() uuid.UUID {
	return replConfig.sessionId
}

// Construct an empty REPL.
func NewRepl() *REPL {
	return &REPL{make(map[string]func(string, *REPLConfig) error), make(map[string]string)}
}

// Combines a slice of REPLs.
func CombineRepls(repls []*REPL) (*REPL, error) {
	newRepl := NewRepl()
	for _, repl := range repls {
		for cmd := range repl.commands {
			if _, exist := newRepl.commands[cmd]; exist {
				return nil, errors.Newf("overlapping trigger %q", cmd)
			}
			newRepl.commands[cmd] = repl.commands[cmd]
			newRepl.help[cmd] = repl.help[cmd]
		}
	}
	return newRepl, nil
}

// Get commands.
func (r *REPL) GetCommands() map[string]func(string, *REPLConfig) error {
	return r.commands
}

// Get help.
func (r *REPL) GetHelp() map[string]string {
	return r.help
}

// Add a command, along with its help string, to the set of commands.
func (r *REPL) AddCommand(trigger string, action func(string, *REPLConfig) error, help string) error {
	if strings.HasPrefix(trigger, ".") {
		return errors.Newf("cannot add meta command %q", trigger)
	}
	r.commands[trigger] = action
	r.help[trigger] = help
	return nil
}

// Return all REPL usage information as a string, sorted by command.
func (r *REPL) HelpString() string {
	cmds := make([]string, 0, len(r.help))
	for cmd := range r.help {
		cmds = append(cmds, cmd)
	}
	sort.Strings(cmds)
	var sb strings.Builder
	for _, cmd := range cmds {
		sb.WriteString(cmd + ": " + r.help[cmd] + "\n")
	}
	return sb.String()
}

// Run the REPL on a connection; stdin and stdout if no conn.
func (r *REPL) Run(c net.Conn, sessionId uuid.UUID, prompt string) {
	if c == nil {
		r.RunIO(os.Stdin, os.Stdout, sessionId, prompt)
		return
	}
	r.RunIO(c, c, sessionId, prompt)
}

// RunIO runs the REPL until reader is exhausted or an "EOF" line is read.
func (r *REPL) RunIO(reader io.Reader, writer io.Writer, sessionId uuid.UUID, prompt string) {
	scanner := bufio.NewScanner(reader)
	replConfig := NewREPLConfig(writer, sessionId)
	io.WriteString(writer, prompt)
	for scanner.Scan() {
		payload := scanner.Text()
		if payload == "EOF" {
			break
		}
		r.Execute(payload, replConfig)
		io.WriteString(writer, prompt)
	}
	// Print an additional line if we encountered an EOF character.
	io.WriteString(writer, "\n")
}

// Execute dispatches a single line.
func (r *REPL) Execute(payload string, replConfig *REPLConfig) {
	writer := replConfig.GetWriter()
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return
	}
	trigger := cleanInput(fields[0])
	// Check for a meta-command.
	if trigger == ".help" {
		io.WriteString(writer, r.HelpString())
		return
	}
	command, exists := r.commands[trigger]
	if !exists {
		io.WriteString(writer, "command not found\n")
		return
	}
	if err := command(payload, replConfig); err != nil {
		io.WriteString(writer, fmt.Sprintf("%v\n", err))
	}
}

// cleanInput preprocesses input to the repl.
func cleanInput(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
