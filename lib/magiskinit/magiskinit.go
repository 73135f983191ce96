// Package magiskinit sequences the boot transformation: it reads the boot
// configuration, finds the system partition, builds the new root, patches
// the SELinux policy and hands control to the platform's real init.
package magiskinit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kpfc/magiskinit/lib/bootconfig"
	"github.com/kpfc/magiskinit/lib/config"
	"github.com/kpfc/magiskinit/lib/devices"
	"github.com/kpfc/magiskinit/lib/logger"
	"github.com/kpfc/magiskinit/lib/mounts"
	"github.com/kpfc/magiskinit/lib/overlay"
	"github.com/kpfc/magiskinit/lib/paths"
)

const (
	defaultRootwait = 10 * time.Second
	pollInterval    = 10 * time.Millisecond
)

// MagiskInit owns all mutable boot state. There is exactly one per boot and
// it is not safe for concurrent use.
type MagiskInit struct {
	PreinitDev   string
	MountList    *mounts.MountList
	Argv         []string
	Config       *bootconfig.BootConfig
	Settings     *config.Config
	OverlayAttrs []overlay.Attr
	Variant      Variant
	// Env is the environment handed to the real init.
	Env []string

	host       Host
	paths      *paths.Paths
	devices    *devices.Discovery
	builder    *overlay.Builder
	tmpDir     string
	payloadDir string
	rootwait   time.Duration
	writable   func(path string) bool
	state      State
	history    []State
}

// New prepares a boot transformation of the root at p. argv is kept
// verbatim for the final exec.
func New(p *paths.Paths, argv []string, host Host) *MagiskInit {
	return &MagiskInit{
		MountList: mounts.NewMountList(),
		Argv:      append([]string(nil), argv...),
		Settings:  &config.Config{},
		Env:       os.Environ(),
		host:      host,
		paths:     p,
		tmpDir:    paths.DebugRamdiskDir,
		rootwait:  defaultRootwait,
		writable:  isWritable,
		state:     Start,
		history:   []State{Start},
	}
}

// Paths returns the current root. It changes whenever the root is switched.
func (m *MagiskInit) Paths() *paths.Paths {
	return m.paths
}

// ConfigPath returns where the persistent configuration lives for a boot
// with the given arguments.
func ConfigPath(p *paths.Paths, argv []string) string {
	if len(argv) > 1 && argv[1] == paths.SecondStageArg {
		return p.Sub(paths.DebugRamdiskDir).ConfigFile()
	}
	return p.ConfigFile()
}

// ParseConfigFile loads the persistent configuration and the preinit
// device name from it.
func (m *MagiskInit) ParseConfigFile() {
	m.Settings = config.Load(ConfigPath(m.paths, m.Argv))
	m.PreinitDev = m.Settings.PreinitDevice
}

// Run performs the whole transformation. On success the process image is
// replaced and Run does not return; it returns nil only when the Execer
// does. Any error leaves the machine in Failed.
func (m *MagiskInit) Run(ctx context.Context) error {
	if err := m.run(ctx); err != nil {
		logger.FromContext(ctx).Error("boot transformation failed", "phase", "init",
			"state", m.state.String(), "error", err)
		if !m.state.Terminal() {
			m.advance(Failed)
		}
		return err
	}
	return nil
}

func (m *MagiskInit) run(ctx context.Context) error {
	log := logger.FromContext(ctx).With("phase", "init")

	m.Config = bootconfig.Load(m.paths, "")
	m.Config.Print(logger.FromContext(ctx))
	m.Variant = DetectVariant(m.Argv, m.Config, m.paths)
	m.ParseConfigFile()
	log.Info("boot variant detected", "variant", m.Variant.String(),
		"preinit", m.PreinitDev, "keep_verity", m.Settings.KeepVerity,
		"keep_force_encrypt", m.Settings.KeepForceEncrypt)
	if err := m.advance(ConfigParsed); err != nil {
		return err
	}

	if m.Variant == Recovery {
		return m.bootRecovery(ctx)
	}

	m.devices = devices.New(m.paths, m.Config, m.host.Mounter)
	m.devices.Collect(ctx)
	if err := m.advance(DevicesCollected); err != nil {
		return err
	}

	switch m.Variant {
	case FirstStage:
		return m.firstStage(ctx)
	case SecondStage:
		return m.secondStage(ctx)
	case LegacySAR:
		twoStage, err := m.MountSystemRoot(ctx)
		if err != nil {
			return err
		}
		log.Info("system root ready", "two_stage", twoStage)
	}

	if err := m.advance(RootMounted); err != nil {
		return err
	}
	// Only a writable ramdisk root may be modified in place.
	if m.Variant == Normal && m.writable(m.paths.Root()) {
		return m.PatchRWRoot(ctx)
	}
	return m.PatchRORoot(ctx)
}

func isWritable(path string) bool {
	return unix.Access(path, unix.W_OK) == nil
}

// bootRecovery puts the stock init back and runs it untouched.
func (m *MagiskInit) bootRecovery(ctx context.Context) error {
	logger.FromContext(ctx).Info("recovery boot, restoring stock init", "phase", "init")
	if err := os.Rename(m.paths.BackupInit(), m.paths.Init()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("restore init: %w", err)
	}
	if err := m.host.Execer.Exec(m.paths.Init(), m.Argv, m.Env); err != nil {
		return fmt.Errorf("%w: %v", ErrHandoff, err)
	}
	return m.advance(HandedOff)
}
