package tlbtree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ypluo/TLBtree/pkg/repl"
)

// IndexRepl returns the command set operating on an open index.
func IndexRepl(t *Tree) *repl.REPL {
	r := repl.New()
	r.AddCommand("insert", func(payload string, _ *repl.Config) (string, error) {
		k, v, err := parseKV(payload)
		if err != nil {
			return "", err
		}
		t.Insert(k, v)
		return "", nil
	}, "Inserts a key-value pair. usage: insert <key> <value>")

	r.AddCommand("find", func(payload string, _ *repl.Config) (string, error) {
		k, err := parseK(payload)
		if err != nil {
			return "", err
		}
		v, found := t.Find(k)
		if !found {
			return "", fmt.Errorf("no entry with key %d was found", k)
		}
		return fmt.Sprintf("found entry (%d, %d)", k, v), nil
	}, "Finds the entry with the given key. usage: find <key>")

	r.AddCommand("update", func(payload string, _ *repl.Config) (string, error) {
		k, v, err := parseKV(payload)
		if err != nil {
			return "", err
		}
		if !t.Update(k, v) {
			return "", fmt.Errorf("no entry with key %d was found", k)
		}
		return "", nil
	}, "Updates the value under an existing key. usage: update <key> <value>")

	r.AddCommand("delete", func(payload string, _ *repl.Config) (string, error) {
		k, err := parseK(payload)
		if err != nil {
			return "", err
		}
		if !t.Remove(k) {
			return "", fmt.Errorf("no entry with key %d was found", k)
		}
		return "", nil
	}, "Deletes the entry with the given key. usage: delete <key>")

	r.AddCommand("verify", func(_ string, _ *repl.Config) (string, error) {
		if err := t.Verify(); err != nil {
			return "", err
		}
		return "index is structurally sound", nil
	}, "Checks the structural invariants of the index. usage: verify")

	r.AddCommand("print", func(_ string, _ *repl.Config) (string, error) {
		var sb strings.Builder
		t.Print(&sb)
		return sb.String(), nil
	}, "Dumps both layers of the index. usage: print")

	return r
}

func parseK(payload string) (int64, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return 0, fmt.Errorf("usage: %s <key>", fields[0])
	}
	return strconv.ParseInt(fields[1], 10, 64)
}

func parseKV(payload string) (int64, int64, error) {
	fields := strings.Fields(payload)
	if len(fields) != 3 {
		return 0, 0, fmt.Errorf("usage: %s <key> <value>", fields[0])
	}
	k, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return k, v, nil
}
