package overlay

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

const selinuxXattr = "security.selinux"

// Attr is the security state of one path in the new root, captured before
// the path was created or mutated.
type Attr struct {
	Path    string
	UID     uint32
	GID     uint32
	Mode    uint32
	Context string
	// Bound entries are read-only bind mounts of the original; their
	// attributes are the original's and are never rewritten.
	Bound bool
}

// IsSymlink reports whether the attribute belongs to a symbolic link.
func (a Attr) IsSymlink() bool {
	return a.Mode&unix.S_IFMT == unix.S_IFLNK
}

// IsDir reports whether the attribute belongs to a directory.
func (a Attr) IsDir() bool {
	return a.Mode&unix.S_IFMT == unix.S_IFDIR
}

// AttrStore reads and writes file security attributes.
type AttrStore interface {
	Snapshot(path string) (Attr, error)
	Apply(a Attr) error
}

// LinuxAttrs is the AttrStore backed by the kernel. Contexts are kept in the
// security.selinux extended attribute.
type LinuxAttrs struct{}

func (LinuxAttrs) Snapshot(path string) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Attr{}, fmt.Errorf("lstat %s: %w", path, err)
	}
	secctx, err := getContext(path)
	if err != nil {
		return Attr{}, err
	}
	return Attr{Path: path, UID: st.Uid, GID: st.Gid, Mode: st.Mode, Context: secctx}, nil
}

func (LinuxAttrs) Apply(a Attr) error {
	if err := unix.Lchown(a.Path, int(a.UID), int(a.GID)); err != nil {
		return fmt.Errorf("chown %s: %w", a.Path, err)
	}
	if !a.IsSymlink() {
		if err := unix.Chmod(a.Path, a.Mode&07777); err != nil {
			return fmt.Errorf("chmod %s: %w", a.Path, err)
		}
	}
	if a.Context != "" {
		if err := unix.Lsetxattr(a.Path, selinuxXattr, append([]byte(a.Context), 0), 0); err != nil {
			return fmt.Errorf("set context %s: %w", a.Path, err)
		}
	}
	return nil
}

// getContext returns the SELinux label of path, or "" when the filesystem
// carries none.
func getContext(path string) (string, error) {
	buf := make([]byte, 128)
	for {
		n, err := unix.Lgetxattr(path, selinuxXattr, buf)
		switch {
		case err == nil:
			return strings.TrimRight(string(buf[:n]), "\x00"), nil
		case errors.Is(err, unix.ERANGE) && len(buf) < 1<<16:
			buf = make([]byte, len(buf)*4)
		case errors.Is(err, unix.ENODATA), errors.Is(err, unix.ENOTSUP):
			return "", nil
		default:
			return "", fmt.Errorf("get context %s: %w", path, err)
		}
	}
}
