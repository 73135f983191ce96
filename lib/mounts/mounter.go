// Package mounts wraps the mount primitives used while reshaping the root:
// mounting, the mount table, the list of mounts created this boot, and the
// final root switch.
package mounts

import (
	"fmt"

	"github.com/u-root/u-root/pkg/mount"
	"golang.org/x/sys/unix"
)

// Mounter performs privileged mount operations.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	Mknod(path string, mode uint32, dev uint64) error
}

// Linux is the Mounter backed by the running kernel.
type Linux struct{}

// NewLinux returns the kernel-backed Mounter.
func NewLinux() *Linux {
	return &Linux{}
}

func (Linux) Mount(source, target, fstype string, flags uintptr, data string) error {
	if _, err := mount.Mount(source, target, fstype, data, flags); err != nil {
		return err
	}
	return nil
}

func (Linux) Unmount(target string, flags int) error {
	return mount.Unmount(target, flags&unix.MNT_FORCE != 0, flags&unix.MNT_DETACH != 0)
}

func (Linux) Mknod(path string, mode uint32, dev uint64) error {
	return unix.Mknod(path, mode, int(dev))
}

// Bind bind-mounts source onto target, remounting it read-only if asked.
func Bind(m Mounter, source, target string, readOnly bool) error {
	if err := m.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s: %w", source, err)
	}
	if !readOnly {
		return nil
	}
	if err := m.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount %s read-only: %w", target, err)
	}
	return nil
}
