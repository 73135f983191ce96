package mounts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"
)

// MountList is the ordered list of mount points created during this boot.
// Later entries may be nested under earlier ones, so teardown runs in
// reverse.
type MountList struct {
	paths []string
}

// NewMountList returns a list holding the given mount points in order.
func NewMountList(paths ...string) *MountList {
	return &MountList{paths: append([]string(nil), paths...)}
}

// Push records a new mount point.
func (l *MountList) Push(path string) {
	l.paths = append(l.paths, path)
}

// Remove drops a mount point from the list. It reports whether it was there.
func (l *MountList) Remove(path string) bool {
	if !lo.Contains(l.paths, path) {
		return false
	}
	l.paths = lo.Without(l.paths, path)
	return true
}

// Rebase rewrites the list for a root switch into newRoot: entries below
// newRoot lose the prefix, newRoot itself becomes the root and is dropped,
// and the rest keep their path (the switch moves them into the new root).
func (l *MountList) Rebase(newRoot string) {
	newRoot = filepath.Clean(newRoot)
	if newRoot == "/" {
		return
	}
	var out []string
	for _, p := range l.paths {
		switch {
		case p == newRoot:
		case strings.HasPrefix(p, newRoot+"/"):
			out = append(out, strings.TrimPrefix(p, newRoot))
		default:
			out = append(out, p)
		}
	}
	l.paths = out
}

// Paths returns a copy of the mount points in creation order.
func (l *MountList) Paths() []string {
	return append([]string{}, l.paths...)
}

// Len returns the number of recorded mount points.
func (l *MountList) Len() int {
	return len(l.paths)
}

// Teardown lazily unmounts every recorded mount point, newest first, and
// empties the list. All unmounts are attempted; the errors are joined.
func (l *MountList) Teardown(m Mounter) error {
	var errs []error
	for i := len(l.paths) - 1; i >= 0; i-- {
		if err := m.Unmount(l.paths[i], unix.MNT_DETACH); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", l.paths[i], err))
		}
	}
	l.paths = nil
	return errors.Join(errs...)
}

// Save writes the list, one mount point per line, so it survives a re-exec.
func (l *MountList) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create mount list dir: %w", err)
	}
	var b strings.Builder
	for _, p := range l.paths {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write mount list: %w", err)
	}
	return nil
}

// LoadMountList reads a list written by Save.
func LoadMountList(path string) (*MountList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mount list: %w", err)
	}
	lines := lo.Filter(strings.Split(string(data), "\n"), func(s string, _ int) bool {
		return s != ""
	})
	return NewMountList(lines...), nil
}
