package bootconfig

import (
	"bufio"
	"strings"

	"github.com/u-root/u-root/pkg/shlex"
)

// Pair is one key/value boot parameter. Flags without a value have an
// empty Value.
type Pair struct {
	Key   string
	Value string
}

// ParseCmdline splits a kernel command line into pairs. Quoted values may
// contain spaces; the quotes are removed.
func ParseCmdline(cmdline string) []Pair {
	var pairs []Pair
	for _, tok := range shlex.Argv(strings.TrimSpace(cmdline)) {
		if tok == "" {
			continue
		}
		key, value, _ := strings.Cut(tok, "=")
		if key == "" {
			continue
		}
		pairs = append(pairs, Pair{Key: key, Value: value})
	}
	return pairs
}

// ParseBootconfig parses /proc/bootconfig, one `key = value` per line.
func ParseBootconfig(content string) []Pair {
	var pairs []Pair
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		pairs = append(pairs, Pair{Key: key, Value: unquote(strings.TrimSpace(value))})
	}
	return pairs
}

// unquote removes surrounding quotes from a string.
// Handles both single and double quotes.
func unquote(s string) string {
	if len(s) < 2 {
		return s
	}

	if s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}

	if s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}

	return s
}
