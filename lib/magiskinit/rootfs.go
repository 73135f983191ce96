package magiskinit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/samber/lo"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/kpfc/magiskinit/lib/fstab"
	"github.com/kpfc/magiskinit/lib/logger"
	"github.com/kpfc/magiskinit/lib/mounts"
	"github.com/kpfc/magiskinit/lib/paths"
)

// systemCandidates are the partition names that may hold the system root,
// in lookup order.
var systemCandidates = []string{"vroot", "APP", "system"}

// fallbackTypes are tried after whatever the fstab declares.
var fallbackTypes = []string{"ext4", "erofs"}

// MountSystemRoot makes the system partition the root. The ramdisk payload
// is stashed in a tmpfs on the system's /debug_ramdisk first, because the
// switch discards the ramdisk. It reports whether the system is two-stage.
func (m *MagiskInit) MountSystemRoot(ctx context.Context) (bool, error) {
	dir, err := m.mountSystem(ctx)
	if err != nil {
		return false, err
	}
	if dir != "/" {
		if err := m.stashPayload(ctx, dir); err != nil {
			return false, err
		}
		if err := m.switchRoot(ctx, dir); err != nil {
			return false, err
		}
	}
	return exists(m.paths.Apex()), nil
}

// mountSystem returns the in-root directory the system partition is mounted
// on, mounting it read-only at /system_root when nobody did.
func (m *MagiskInit) mountSystem(ctx context.Context) (string, error) {
	log := logger.FromContext(ctx).With("phase", "rootfs")

	dev, name := m.findSystem(ctx)
	if dev == 0 {
		return "", ErrRootNotFound
	}
	log.Info("found system partition", "name", name, "major", unix.Major(dev), "minor", unix.Minor(dev))

	if target, ok := mounts.IsDeviceMounted(m.paths.Mountinfo(), dev); ok {
		log.Info("system partition already mounted", "target", target)
		return target, nil
	}

	node := m.paths.DevRoot()
	os.Remove(node)
	if err := os.MkdirAll(filepath.Dir(node), 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRootMount, err)
	}
	if err := m.host.Mounter.Mknod(node, unix.S_IFBLK|0600, dev); err != nil {
		return "", fmt.Errorf("%w: mknod %s: %v", ErrRootMount, node, err)
	}
	target := m.paths.Path(paths.SystemRootDir)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRootMount, err)
	}

	var errs []error
	for _, fsType := range m.systemTypes(ctx) {
		if err := m.host.Mounter.Mount(node, target, fsType, unix.MS_RDONLY, ""); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fsType, err))
			continue
		}
		m.MountList.Push(paths.SystemRootDir)
		log.Info("mounted system partition", "target", paths.SystemRootDir, "type", fsType)
		return paths.SystemRootDir, nil
	}
	return "", fmt.Errorf("%w: %v", ErrRootMount, errors.Join(errs...))
}

// findSystem looks the system partition up, polling until the deadline when
// the kernel was told to wait for the root device.
func (m *MagiskInit) findSystem(ctx context.Context) (uint64, string) {
	deadline := time.Now().Add(m.rootwait)
	for {
		for _, name := range systemCandidates {
			if dev := m.devices.FindBlock(ctx, name); dev != 0 {
				return dev, name
			}
		}
		if !m.Config.Rootwait || time.Now().After(deadline) {
			return 0, ""
		}
		select {
		case <-ctx.Done():
			return 0, ""
		case <-time.After(pollInterval):
		}
		m.devices.Collect(ctx)
	}
}

// systemTypes lists the filesystem types to try for the system partition:
// whatever the first-stage fstab declares for / and /system, then the
// common read-only ones.
func (m *MagiskInit) systemTypes(ctx context.Context) []string {
	var declared []string
	file, ok := fstab.Locate(m.paths.FstabDirs(), []string{
		m.Config.FstabSuffix.String(),
		m.Config.Hardware.String(),
		m.Config.HardwarePlat.String(),
	})
	if ok {
		entries, err := fstab.ReadFile(file)
		if err != nil {
			logger.FromContext(ctx).Warn("cannot read fstab", "phase", "rootfs", "path", file, "error", err)
		}
		declared = append(fstab.Types(entries, "/"), fstab.Types(entries, "/system")...)
	}
	return lo.Uniq(append(declared, fallbackTypes...))
}

// stashPayload copies the ramdisk payload into a tmpfs on dir's
// /debug_ramdisk, where it survives the switch into dir.
func (m *MagiskInit) stashPayload(ctx context.Context, dir string) error {
	stash := path.Join(dir, paths.DebugRamdiskDir)
	stashReal := m.paths.Path(stash)
	if err := os.MkdirAll(stashReal, 0755); err != nil {
		return fmt.Errorf("create payload stash: %w", err)
	}
	if err := m.host.Mounter.Mount("tmpfs", stashReal, "tmpfs", 0, "mode=755"); err != nil {
		return fmt.Errorf("mount payload stash: %w", err)
	}

	cu := cleanup.Make(func() {
		m.host.Mounter.Unmount(stashReal, unix.MNT_DETACH)
	})
	defer cu.Clean()

	for _, src := range []string{m.paths.OverlayDir(), m.paths.BackupDir()} {
		dst := filepath.Join(stashReal, filepath.Base(src))
		if err := copyTree(src, dst); err != nil {
			return fmt.Errorf("stash %s: %w", filepath.Base(src), err)
		}
	}

	cu.Release()
	m.MountList.Push(stash)
	logger.FromContext(ctx).Info("stashed ramdisk payload", "phase", "rootfs", "dir", stash)
	return nil
}

// switchRoot makes the in-root directory dir the root. Payload lookups move
// to the stash.
func (m *MagiskInit) switchRoot(ctx context.Context, dir string) error {
	np, err := m.host.Switcher.SwitchRoot(m.paths, dir)
	if err != nil {
		return fmt.Errorf("switch root to %s: %w", dir, err)
	}
	m.paths = np
	m.MountList.Rebase(dir)
	m.payloadDir = paths.DebugRamdiskDir
	logger.FromContext(ctx).Info("switched root", "phase", "rootfs", "dir", dir)
	return nil
}

// copyTree copies the tree at src to dst, keeping modes and symlinks. A
// missing src is not an error.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == src && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel := strings.TrimPrefix(p, src)
		target, err := securejoin.SecureJoin(dst, rel)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
