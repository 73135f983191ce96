package magiskinit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/kpfc/magiskinit/lib/earlyscript"
	"github.com/kpfc/magiskinit/lib/logger"
	"github.com/kpfc/magiskinit/lib/mounts"
	"github.com/kpfc/magiskinit/lib/overlay"
	"github.com/kpfc/magiskinit/lib/paths"
	"github.com/kpfc/magiskinit/lib/sepolicy"
)

const (
	// selfName is this binary's name inside the payload stash.
	selfName   = "magiskinit"
	systemInit = "/system/bin/init"
)

// firstStage prepares the system root for a two-stage boot and re-executes
// the platform init in it, with this binary bound over it so the second
// stage runs here again.
func (m *MagiskInit) firstStage(ctx context.Context) error {
	log := logger.FromContext(ctx).With("phase", "first-stage")

	dir, err := m.mountSystem(ctx)
	if err != nil {
		return err
	}
	if dir == "/" {
		return fmt.Errorf("%w: system partition is already the root", ErrRootMount)
	}
	if err := m.stashPayload(ctx, dir); err != nil {
		return err
	}

	self := m.paths.Path(path.Join(dir, paths.DebugRamdiskDir, selfName))
	if err := copyFile(m.paths.SelfExe(), self, 0755); err != nil {
		return fmt.Errorf("stash self: %w", err)
	}
	initTarget := path.Join(dir, systemInit)
	if err := mounts.Bind(m.host.Mounter, self, m.paths.Path(initTarget), true); err != nil {
		return fmt.Errorf("bind over %s: %w", systemInit, err)
	}
	m.MountList.Push(initTarget)
	if err := m.advance(RootMounted); err != nil {
		return err
	}

	if err := m.switchRoot(ctx, dir); err != nil {
		return err
	}
	if err := m.MountList.Save(m.paths.MountListFile(paths.DebugRamdiskDir)); err != nil {
		return err
	}

	argv := append([]string{systemInit, paths.SecondStageArg}, m.Argv[min(1, len(m.Argv)):]...)
	log.Info("re-executing platform init", "argv", argv, "mounts", m.MountList.Len())
	if err := m.host.Execer.Exec(m.paths.SystemInit(), argv, m.Env); err != nil {
		return fmt.Errorf("%w: %v", ErrHandoff, err)
	}
	return m.advance(HandedOff)
}

// secondStage runs inside the system root after the platform init's first
// stage. The payload was stashed by the first stage.
func (m *MagiskInit) secondStage(ctx context.Context) error {
	log := logger.FromContext(ctx).With("phase", "second-stage")
	m.payloadDir = paths.DebugRamdiskDir

	list, err := mounts.LoadMountList(m.paths.MountListFile(paths.DebugRamdiskDir))
	if err != nil {
		log.Warn("no saved mount list", "error", err)
	} else {
		m.MountList = list
	}
	if err := m.host.Mounter.Unmount(m.paths.SystemInit(), unix.MNT_DETACH); err != nil {
		log.Warn("cannot unmount init bind", "error", err)
	}
	m.MountList.Remove(systemInit)

	if err := m.advance(RootMounted); err != nil {
		return err
	}
	return m.PatchRORoot(ctx)
}

// PatchRWRoot patches a writable ramdisk root: the stock init goes back to
// /init in place before the new root is built.
func (m *MagiskInit) PatchRWRoot(ctx context.Context) error {
	payload := m.payload()
	if err := os.Rename(payload.BackupInit(), m.paths.Init()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("restore init: %w", err)
	}
	return m.patchRoot(ctx, false)
}

// PatchRORoot patches a root that must not change; the stock init, if
// there is one, is copied into the new root instead.
func (m *MagiskInit) PatchRORoot(ctx context.Context) error {
	return m.patchRoot(ctx, true)
}

func (m *MagiskInit) patchRoot(ctx context.Context, readOnly bool) error {
	log := logger.FromContext(ctx).With("phase", "patch")

	backup := m.payload().BackupInit()
	installInit := readOnly && m.Variant != SecondStage && exists(backup)

	m.builder = overlay.NewBuilder(m.paths, m.host.Mounter, m.host.Attrs, m.MountList, overlay.Options{
		Size:       m.Settings.OverlaySize,
		TmpDir:     m.tmpDir,
		PayloadDir: m.payloadDir,
		SkipInit:   installInit,
	})
	if err := m.MountOverlay(ctx); err != nil {
		return err
	}
	if installInit {
		if err := m.builder.InstallFile(backup, "/init"); err != nil {
			return fmt.Errorf("install init: %w", err)
		}
	}
	m.RestoreOverlayContexts(ctx)

	if err := m.builder.StagePayload(ctx); err != nil {
		return fmt.Errorf("stage payload: %w", err)
	}
	if err := m.builder.InjectRC(ctx); err != nil {
		log.Warn("cannot inject init services", "error", err)
	}
	if err := m.releaseStash(ctx); err != nil {
		return err
	}
	m.mountPreinitDir(ctx)
	m.RestoreOverlayContexts(ctx)

	m.OverlayAttrs = m.builder.Attrs()
	if err := m.advance(OverlayBuilt); err != nil {
		return err
	}

	if err := m.HandleSepolicy(ctx); err != nil {
		return err
	}
	m.OverlayAttrs = m.builder.Attrs()
	if err := m.advance(PolicyPatched); err != nil {
		return err
	}

	if m.host.Spawner != nil {
		earlyscript.Run(ctx, m.paths.Sub(paths.NewRootDir).Path(m.tmpDir), m.host.Spawner)
	}
	return m.handoff(ctx)
}

// releaseStash unmounts the payload stash once everything it held is in the
// new root. The stash sits on the payload directory's path, so the final
// root switch would otherwise move it over the staged payload.
func (m *MagiskInit) releaseStash(ctx context.Context) error {
	if m.payloadDir == "" {
		return nil
	}
	m.MountList.Remove(m.payloadDir)
	if err := m.host.Mounter.Unmount(m.paths.Path(m.payloadDir), unix.MNT_DETACH); err != nil {
		return fmt.Errorf("release payload stash: %w", err)
	}
	logger.FromContext(ctx).Info("released payload stash", "phase", "patch", "dir", m.payloadDir)
	return nil
}

// MountOverlay builds the new root at /newroot.
func (m *MagiskInit) MountOverlay(ctx context.Context) error {
	if err := m.builder.Mount(ctx, paths.NewRootDir); err != nil {
		return fmt.Errorf("build new root: %w", err)
	}
	return nil
}

// RestoreOverlayContexts reapplies the recorded attributes. Failures only
// cost labels, so they are logged.
func (m *MagiskInit) RestoreOverlayContexts(ctx context.Context) {
	if err := m.builder.RestoreContexts(ctx); err != nil {
		logger.FromContext(ctx).Warn("cannot restore some attributes", "phase", "patch", "error", err)
	}
}

// HandleSepolicy merges the policy for the new root. The second stage loads
// it straight into the kernel; otherwise it is handed to the preload hook
// when one is staged, or left at the new root's /sepolicy.
func (m *MagiskInit) HandleSepolicy(ctx context.Context) error {
	target := m.paths.Sub(paths.NewRootDir)
	loader := m.host.Policy
	if loader == nil {
		loader = sepolicy.NewTool(target.PolicyTool(m.tmpDir), filepath.Join(target.InternalDir(m.tmpDir), "sepolicy"))
	}

	mode := sepolicy.ModeStage
	switch {
	case m.Variant == SecondStage:
		mode = sepolicy.ModeLoad
	case exists(target.PreloadLib(m.tmpDir)):
		mode = sepolicy.ModePreload
		m.Env = append(m.Env, "LD_PRELOAD="+path.Join(m.tmpDir, "init-ld"))
	}

	patcher := sepolicy.NewPatcher(m.paths, target, m.tmpDir, loader)
	if m.builder != nil {
		patcher.Prepare = m.builder.ApplyAttr
	}
	if err := patcher.Handle(ctx, mode); err != nil {
		return fmt.Errorf("patch policy: %w", err)
	}
	return nil
}

// handoff switches into the new root and executes the real init with the
// original arguments.
func (m *MagiskInit) handoff(ctx context.Context) error {
	np, err := m.host.Switcher.SwitchRoot(m.paths, paths.NewRootDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandoff, err)
	}
	m.paths = np

	initPath := "/init"
	if m.Variant == SecondStage {
		initPath = systemInit
	}
	logger.FromContext(ctx).Info("handing off", "phase", "handoff", "init", initPath,
		"argv", m.Argv, "mounts", m.MountList.Len())
	if err := m.host.Execer.Exec(np.Path(initPath), m.Argv, m.Env); err != nil {
		return fmt.Errorf("%w: %v", ErrHandoff, err)
	}
	return m.advance(HandedOff)
}

// payload returns the root of the ramdisk payload.
func (m *MagiskInit) payload() *paths.Paths {
	if m.payloadDir == "" {
		return m.paths
	}
	return m.paths.Sub(m.payloadDir)
}
