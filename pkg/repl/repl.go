// Package repl provides the line-oriented command loop used by the
// index shell. Command sets are registered by trigger word and can be
// combined, so each tool assembles exactly the surface it needs.
package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Command handles one input line. It receives the whole payload,
// trigger word included.
type Command func(payload string, cfg *Config) (output string, err error)

const (
	// TriggerHelp prints the help strings of every registered command.
	TriggerHelp = ".help"

	errorPrefix = "ERROR: "
)

var (
	// ErrOverlappingCommands is returned by Combine when two command
	// sets register the same trigger.
	ErrOverlappingCommands = errors.New("overlapping command triggers")

	// ErrCommandNotFound is printed for triggers nobody registered.
	ErrCommandNotFound = errors.New("command not found")
)

// Config carries per-session state into commands.
type Config struct {
	clientID uuid.UUID
}

// ClientID identifies the session the command runs in.
func (c *Config) ClientID() uuid.UUID {
	return c.clientID
}

// REPL is a registry of commands plus their help strings.
type REPL struct {
	commands map[string]Command
	help     map[string]string
}

// New returns an empty REPL.
func New() *REPL {
	return &REPL{
		commands: make(map[string]Command),
		help:     make(map[string]string),
	}
}

// Combine merges command sets into one REPL, failing on any trigger
// registered twice.
func Combine(repls ...*REPL) (*REPL, error) {
	merged := New()
	for _, r := range repls {
		for trigger, cmd := range r.commands {
			if _, taken := merged.commands[trigger]; taken {
				return nil, fmt.Errorf("%w: %s", ErrOverlappingCommands, trigger)
			}
			merged.AddCommand(trigger, cmd, r.help[trigger])
		}
	}
	return merged, nil
}

// AddCommand registers a command under a trigger word, replacing any
// previous registration.
func (r *REPL) AddCommand(trigger string, cmd Command, help string) {
	if trigger == TriggerHelp {
		return
	}
	r.commands[trigger] = cmd
	r.help[trigger] = help
}

// HelpString lists every command's help line, sorted by trigger.
func (r *REPL) HelpString() string {
	triggers := make([]string, 0, len(r.help))
	for t := range r.help {
		triggers = append(triggers, t)
	}
	sort.Strings(triggers)

	var sb strings.Builder
	for _, t := range triggers {
		fmt.Fprintf(&sb, "%s: %s\n", t, r.help[t])
	}
	return sb.String()
}

// Run reads lines from input until EOF, dispatching each to the
// registered command. input and output default to stdin and stdout.
func (r *REPL) Run(clientID uuid.UUID, prompt string, input io.Reader, output io.Writer) {
	if input == nil {
		input = os.Stdin
	}
	if output == nil {
		output = os.Stdout
	}

	cfg := &Config{clientID: clientID}
	scanner := bufio.NewScanner(input)
	fmt.Fprintf(output, "Type '%s' to see the list of available commands.\n", TriggerHelp)
	io.WriteString(output, prompt)

	for scanner.Scan() {
		payload := scanner.Text()
		fields := strings.Fields(payload)
		if len(fields) == 0 {
			io.WriteString(output, prompt)
			continue
		}

		switch trigger := fields[0]; {
		case trigger == TriggerHelp:
			io.WriteString(output, r.HelpString())
		case r.commands[trigger] != nil:
			result, err := r.commands[trigger](payload, cfg)
			if err != nil {
				fmt.Fprintf(output, "%s%s\n", errorPrefix, err)
			} else if len(result) > 0 {
				if !strings.HasSuffix(result, "\n") {
					result += "\n"
				}
				io.WriteString(output, result)
			}
		default:
			fmt.Fprintf(output, "%s%s\n", errorPrefix, ErrCommandNotFound)
		}
		io.WriteString(output, prompt)
	}
	io.WriteString(output, "\n")
}
