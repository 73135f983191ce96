package mounts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// MovePlan returns the mount points that must be moved under newRoot before
// it becomes "/": every mount except "/" itself, newRoot and anything below
// it, and mounts nested under one already being moved (they travel with
// their parent).
func MovePlan(targets []string, newRoot string) []string {
	newRoot = filepath.Clean(newRoot)
	var moved []string
	for _, t := range targets {
		t = filepath.Clean(t)
		if t == "/" || isUnder(t, newRoot) {
			continue
		}
		nested := false
		for _, m := range moved {
			if isUnder(t, m) {
				nested = true
				break
			}
		}
		if !nested {
			moved = append(moved, t)
		}
	}
	return moved
}

// SwitchRoot makes newRoot the root of the process. Existing mounts are
// moved into it, newRoot is moved over "/" and the process chroots into it.
// When the old root was a ramfs or tmpfs its content is deleted, without
// crossing into other filesystems.
func SwitchRoot(m Mounter, mountinfoPath, newRoot string) error {
	infos, err := ReadMountInfo(mountinfoPath)
	if err != nil {
		return err
	}
	targets := make([]string, 0, len(infos))
	for _, info := range infos {
		targets = append(targets, info.Target)
	}

	for _, t := range MovePlan(targets, newRoot) {
		dst := filepath.Join(newRoot, t)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dst, err)
		}
		if err := m.Mount(t, dst, "", unix.MS_MOVE, ""); err != nil {
			return fmt.Errorf("move %s: %w", t, err)
		}
	}

	oldRoot, err := unix.Open("/", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open old root: %w", err)
	}
	defer unix.Close(oldRoot)

	if err := unix.Chdir(newRoot); err != nil {
		return fmt.Errorf("chdir %s: %w", newRoot, err)
	}
	if err := m.Mount(newRoot, "/", "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move %s to /: %w", newRoot, err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}

	var sfs unix.Statfs_t
	if err := unix.Fstatfs(oldRoot, &sfs); err == nil && isRamfs(int64(sfs.Type)) {
		var st unix.Stat_t
		if err := unix.Fstat(oldRoot, &st); err == nil {
			removeContentsAt(oldRoot, uint64(st.Dev))
		}
	}
	return nil
}

func isRamfs(fsType int64) bool {
	return fsType == unix.RAMFS_MAGIC || fsType == unix.TMPFS_MAGIC
}

// removeContentsAt empties the directory open at dirfd, staying on dev.
// Errors are ignored: the old root is unreachable once the switch is done.
func removeContentsAt(dirfd int, dev uint64) {
	dup, err := unix.Dup(dirfd)
	if err != nil {
		return
	}
	dir := os.NewFile(uintptr(dup), "oldroot")
	names, _ := dir.Readdirnames(-1)
	dir.Close()

	for _, name := range names {
		var st unix.Stat_t
		if err := unix.Fstatat(dirfd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			continue
		}
		if uint64(st.Dev) != dev {
			continue
		}
		if st.Mode&unix.S_IFMT == unix.S_IFDIR {
			child, err := unix.Openat(dirfd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
			if err != nil {
				continue
			}
			removeContentsAt(child, dev)
			unix.Close(child)
			unix.Unlinkat(dirfd, name, unix.AT_REMOVEDIR)
			continue
		}
		unix.Unlinkat(dirfd, name, 0)
	}
}

func isUnder(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/")
}
