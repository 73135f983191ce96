// Package paths provides centralized path construction for the boot-time root filesystem.
package paths

import "path/filepath"

// Well-known locations, relative to the root directory.
const (
	NewRootDir       = "/newroot"
	SystemRootDir    = "/system_root"
	DebugRamdiskDir  = "/debug_ramdisk"
	SbinDir          = "/sbin"
	DefaultDTDir     = "/proc/device-tree/firmware/android"
	SecondStageArg   = "selinux_setup"
	PayloadName      = "magisk"
	PayloadContext   = "u:object_r:magisk_file:s0"
	internalDirName  = ".magisk"
	preinitDirName   = "preinit"
	mountListName    = "mount_list"
	overlayMountList = "overlay_mounts"
)

// Paths provides typed path construction rooted at a single directory.
// In production the root is "/"; tests point it at a temporary directory.
type Paths struct {
	root string
}

// New creates a new Paths instance for the given root directory.
func New(root string) *Paths {
	return &Paths{root: filepath.Clean(root)}
}

// Root returns the root directory.
func (p *Paths) Root() string {
	return p.root
}

// Path resolves an absolute in-root path against the root directory.
func (p *Paths) Path(abs string) string {
	return filepath.Join(p.root, abs)
}

// Sub returns the Paths of a directory below the root.
func (p *Paths) Sub(abs string) *Paths {
	return New(p.Path(abs))
}

// Kernel interfaces

// ProcCmdline returns the kernel command line file.
func (p *Paths) ProcCmdline() string {
	return p.Path("/proc/cmdline")
}

// ProcBootconfig returns the bootconfig file.
func (p *Paths) ProcBootconfig() string {
	return p.Path("/proc/bootconfig")
}

// Mountinfo returns the mountinfo file of the current process.
func (p *Paths) Mountinfo() string {
	return p.Path("/proc/self/mountinfo")
}

// SelfExe returns the link to the running executable.
func (p *Paths) SelfExe() string {
	return p.Path("/proc/self/exe")
}

// SysBlockDir returns the sysfs directory listing block devices by major:minor.
func (p *Paths) SysBlockDir() string {
	return p.Path("/sys/dev/block")
}

// DevBlockDir returns the directory where block device nodes are created.
func (p *Paths) DevBlockDir() string {
	return p.Path("/dev/block")
}

// DevBlock returns the node path for a named block device.
func (p *Paths) DevBlock(name string) string {
	return filepath.Join(p.DevBlockDir(), name)
}

// DevRoot returns the node used to mount the system partition.
func (p *Paths) DevRoot() string {
	return p.Path("/dev/root")
}

// DevDir returns /dev.
func (p *Paths) DevDir() string {
	return p.Path("/dev")
}

// SELinux

// SelinuxLoad returns the selinuxfs node that loads a policy into the kernel.
func (p *Paths) SelinuxLoad() string {
	return p.Path("/sys/fs/selinux/load")
}

// SelinuxPolicy returns the selinuxfs node exposing the live kernel policy.
func (p *Paths) SelinuxPolicy() string {
	return p.Path("/sys/fs/selinux/policy")
}

// SplitPlatCil returns the platform fragment of a split policy.
func (p *Paths) SplitPlatCil() string {
	return p.Path("/system/etc/selinux/plat_sepolicy.cil")
}

// SplitCils returns every CIL fragment of a split policy in compile order.
func (p *Paths) SplitCils() []string {
	return []string{
		p.SplitPlatCil(),
		p.Path("/system_ext/etc/selinux/system_ext_sepolicy.cil"),
		p.Path("/product/etc/selinux/product_sepolicy.cil"),
		p.Path("/vendor/etc/selinux/plat_pub_versioned.cil"),
		p.Path("/vendor/etc/selinux/vendor_sepolicy.cil"),
		p.Path("/odm/etc/selinux/odm_sepolicy.cil"),
	}
}

// MonolithicPolicy returns the ramdisk or system root monolithic policy.
func (p *Paths) MonolithicPolicy() string {
	return p.Path("/sepolicy")
}

// Ramdisk artefacts

// BackupDir returns the directory holding the stock ramdisk backups.
func (p *Paths) BackupDir() string {
	return p.Path("/.backup")
}

// BackupInit returns the stock init saved when this binary replaced it.
func (p *Paths) BackupInit() string {
	return p.Path("/.backup/init")
}

// ConfigFile returns the persistent configuration file.
func (p *Paths) ConfigFile() string {
	return p.Path("/.backup/.magisk")
}

// OverlayDir returns the payload overlay directory.
func (p *Paths) OverlayDir() string {
	return p.Path("/overlay.d")
}

// OverlaySbin returns the payload binaries directory.
func (p *Paths) OverlaySbin() string {
	return p.Path("/overlay.d/sbin")
}

// Init returns the init executable at the top of the root.
func (p *Paths) Init() string {
	return p.Path("/init")
}

// InitRC returns the top-level init.rc.
func (p *Paths) InitRC() string {
	return p.Path("/init.rc")
}

// SystemInit returns the init binary on the system partition.
func (p *Paths) SystemInit() string {
	return p.Path("/system/bin/init")
}

// Apex returns the directory whose presence marks a two-stage system.
func (p *Paths) Apex() string {
	return p.Path("/apex")
}

// FirstStageRamdisk returns the directory used by two-stage ramdisks.
func (p *Paths) FirstStageRamdisk() string {
	return p.Path("/first_stage_ramdisk")
}

// RecoveryMarkers returns binaries whose presence marks a recovery boot.
func (p *Paths) RecoveryMarkers() []string {
	return []string{p.Path("/sbin/recovery"), p.Path("/system/bin/recovery")}
}

// FstabDirs returns the directories searched for fstab files.
func (p *Paths) FstabDirs() []string {
	return []string{p.Path("/"), p.Path("/first_stage_ramdisk"), p.Path("/vendor/etc")}
}

// Payload tmp dir

// InternalDir returns the payload bookkeeping directory inside tmpDir.
func (p *Paths) InternalDir(tmpDir string) string {
	return filepath.Join(p.Path(tmpDir), internalDirName)
}

// PreinitDir returns where the preinit partition's payload dir is bound.
func (p *Paths) PreinitDir(tmpDir string) string {
	return filepath.Join(p.InternalDir(tmpDir), preinitDirName)
}

// MountListFile returns the saved MountList used across the two-stage re-exec.
func (p *Paths) MountListFile(tmpDir string) string {
	return filepath.Join(p.InternalDir(tmpDir), mountListName)
}

// OverlayMountList returns the record of bind mounts made while mirroring.
func (p *Paths) OverlayMountList(tmpDir string) string {
	return filepath.Join(p.InternalDir(tmpDir), overlayMountList)
}

// PayloadBinary returns the main payload executable inside tmpDir.
func (p *Paths) PayloadBinary(tmpDir string) string {
	return filepath.Join(p.Path(tmpDir), PayloadName)
}

// PolicyTool returns the policy patching tool inside tmpDir.
func (p *Paths) PolicyTool(tmpDir string) string {
	return filepath.Join(p.Path(tmpDir), "magiskpolicy")
}

// PreloadLib returns the init preload hook library inside tmpDir.
func (p *Paths) PreloadLib(tmpDir string) string {
	return filepath.Join(p.Path(tmpDir), "init-ld")
}

// PreloadPolicy returns where the preload hook expects the merged policy.
func (p *Paths) PreloadPolicy(tmpDir string) string {
	return filepath.Join(p.InternalDir(tmpDir), "preload_policy")
}

// PreloadAck returns the marker created once the preload policy is ready.
func (p *Paths) PreloadAck(tmpDir string) string {
	return filepath.Join(p.InternalDir(tmpDir), "preload_ack")
}
