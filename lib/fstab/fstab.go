// Package fstab reads Android fstab files.
package fstab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// Entry is one fstab line.
type Entry struct {
	Source     string
	MountPoint string
	Type       string
	MntFlags   string
	FsMgrFlags string
}

// HasFsMgrFlag reports whether the fs_mgr flag list contains flag (bare or
// as flag=value).
func (e Entry) HasFsMgrFlag(flag string) bool {
	for _, f := range strings.Split(e.FsMgrFlags, ",") {
		if f == flag || strings.HasPrefix(f, flag+"=") {
			return true
		}
	}
	return false
}

// Parse reads fstab entries. Comments, blank lines and lines with fewer than
// three fields are skipped.
func Parse(r io.Reader) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		e := Entry{Source: fields[0], MountPoint: fields[1], Type: fields[2]}
		if len(fields) > 3 {
			e.MntFlags = fields[3]
		}
		if len(fields) > 4 {
			e.FsMgrFlags = fields[4]
		}
		entries = append(entries, e)
	}
	return entries
}

// ReadFile parses the fstab at path.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fstab: %w", err)
	}
	defer f.Close()
	return Parse(f), nil
}

// Find returns the first entry for a mount point.
func Find(entries []Entry, mountPoint string) (Entry, bool) {
	return lo.Find(entries, func(e Entry) bool {
		return e.MountPoint == mountPoint
	})
}

// Types returns the distinct filesystem types declared for a mount point, in
// file order. Android lists one entry per type a partition may carry.
func Types(entries []Entry, mountPoint string) []string {
	matching := lo.Filter(entries, func(e Entry, _ int) bool {
		return e.MountPoint == mountPoint
	})
	return lo.Uniq(lo.Map(matching, func(e Entry, _ int) string {
		return e.Type
	}))
}

// Locate returns the first existing fstab.<suffix> file, trying each
// suffix in each directory in order.
func Locate(dirs []string, suffixes []string) (string, bool) {
	for _, suffix := range lo.Compact(suffixes) {
		for _, dir := range dirs {
			path := filepath.Join(dir, "fstab."+suffix)
			if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
				return path, true
			}
		}
	}
	return "", false
}
