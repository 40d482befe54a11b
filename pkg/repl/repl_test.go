package repl_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ypluo/TLBtree/pkg/repl"
)

func runLines(r *repl.REPL, lines ...string) string {
	var out strings.Builder
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	r.Run(uuid.New(), "> ", in, &out)
	return out.String()
}

func TestCommandDispatch(t *testing.T) {
	r := repl.New()
	r.AddCommand("echo", func(payload string, _ *repl.Config) (string, error) {
		return strings.TrimPrefix(payload, "echo "), nil
	}, "Echoes its arguments. usage: echo <text>")

	out := runLines(r, "echo hello world")
	if !strings.Contains(out, "hello world") {
		t.Errorf("Expected echoed payload in output, got %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	out := runLines(repl.New(), "nonsense")
	if !strings.Contains(out, repl.ErrCommandNotFound.Error()) {
		t.Errorf("Expected command-not-found error in output, got %q", out)
	}
}

func TestCommandErrorIsPrinted(t *testing.T) {
	r := repl.New()
	r.AddCommand("fail", func(string, *repl.Config) (string, error) {
		return "", errors.New("deliberate failure")
	}, "Always fails.")

	out := runLines(r, "fail")
	if !strings.Contains(out, "ERROR: deliberate failure") {
		t.Errorf("Expected the command error in output, got %q", out)
	}
}

func TestHelpListsAllCommands(t *testing.T) {
	r := repl.New()
	r.AddCommand("one", func(string, *repl.Config) (string, error) { return "", nil }, "first help")
	r.AddCommand("two", func(string, *repl.Config) (string, error) { return "", nil }, "second help")

	out := runLines(r, repl.TriggerHelp)
	if !strings.Contains(out, "first help") || !strings.Contains(out, "second help") {
		t.Errorf("Help output missing command entries: %q", out)
	}
}

func TestCombineRejectsOverlap(t *testing.T) {
	a, b := repl.New(), repl.New()
	noop := func(string, *repl.Config) (string, error) { return "", nil }
	a.AddCommand("same", noop, "")
	b.AddCommand("same", noop, "")

	if _, err := repl.Combine(a, b); !errors.Is(err, repl.ErrOverlappingCommands) {
		t.Errorf("Combine error = %v, want ErrOverlappingCommands", err)
	}
}

func TestCombineMergesDisjoint(t *testing.T) {
	a, b := repl.New(), repl.New()
	a.AddCommand("left", func(string, *repl.Config) (string, error) { return "from left", nil }, "")
	b.AddCommand("right", func(string, *repl.Config) (string, error) { return "from right", nil }, "")

	merged, err := repl.Combine(a, b)
	if err != nil {
		t.Fatal("Combine failed on disjoint command sets:", err)
	}
	out := runLines(merged, "left", "right")
	if !strings.Contains(out, "from left") || !strings.Contains(out, "from right") {
		t.Errorf("Merged REPL missing combined commands: %q", out)
	}
}
