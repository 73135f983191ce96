package magiskinit

import (
	"os"

	"github.com/samber/lo"

	"github.com/kpfc/magiskinit/lib/bootconfig"
	"github.com/kpfc/magiskinit/lib/paths"
)

// Variant is the boot flavour, decided once at Start.
type Variant int

const (
	// Normal boots from a ramdisk that is the root filesystem.
	Normal Variant = iota
	// LegacySAR boots with the system partition as root.
	LegacySAR
	// FirstStage is the first run of a two-stage boot.
	FirstStage
	// SecondStage is the re-executed run inside the system root.
	SecondStage
	// Recovery boots the recovery image untouched.
	Recovery
)

func (v Variant) String() string {
	switch v {
	case Normal:
		return "normal"
	case LegacySAR:
		return "legacy-sar"
	case FirstStage:
		return "first-stage"
	case SecondStage:
		return "second-stage"
	case Recovery:
		return "recovery"
	}
	return "unknown"
}

// DetectVariant picks the boot flavour from the argument vector, the boot
// configuration and the shape of the root at p.
func DetectVariant(argv []string, cfg *bootconfig.BootConfig, p *paths.Paths) Variant {
	switch {
	case len(argv) > 1 && argv[1] == paths.SecondStageArg:
		return SecondStage
	case lo.SomeBy(p.RecoveryMarkers(), exists):
		return Recovery
	case cfg.SkipInitramfs:
		return LegacySAR
	case cfg.ForceNormalBoot:
		return FirstStage
	case !exists(p.Apex()) && (exists(p.FirstStageRamdisk()) || exists(p.SystemInit())):
		return FirstStage
	}
	return Normal
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
