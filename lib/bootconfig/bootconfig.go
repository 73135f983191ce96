// Package bootconfig derives the typed boot configuration from the kernel
// command line, /proc/bootconfig and the Android device-tree directory.
package bootconfig

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kpfc/magiskinit/lib/paths"
)

// Field capacities, terminator included.
const (
	SlotCap         = 3
	DTDirCap        = 64
	FstabSuffixCap  = 32
	HardwareCap     = 32
	HardwarePlatCap = 32
)

// BootConfig is created once per boot. Only the partition map changes after
// Derive returns, as devices are discovered.
type BootConfig struct {
	SkipInitramfs   bool
	ForceNormalBoot bool
	Rootwait        bool
	Emulator        bool

	Slot         Bounded
	DTDir        Bounded
	FstabSuffix  Bounded
	Hardware     Bounded
	HardwarePlat Bounded

	Partitions PartitionMap
}

// Sources holds the raw boot parameters.
type Sources struct {
	// Cmdline is the raw kernel command line.
	Cmdline string
	// Bootconfig is the raw content of /proc/bootconfig, if any.
	Bootconfig string
	// ReadDT reads a device-tree property file by its absolute in-root path.
	ReadDT func(path string) ([]byte, error)
	// DefaultSlot fills the slot when no boot parameter names one.
	DefaultSlot string
}

// New returns a configuration holding only defaults.
func New() *BootConfig {
	return &BootConfig{
		Slot:         NewBounded(SlotCap),
		DTDir:        NewBounded(DTDirCap),
		FstabSuffix:  NewBounded(FstabSuffixCap),
		Hardware:     NewBounded(HardwareCap),
		HardwarePlat: NewBounded(HardwarePlatCap),
	}
}

// Derive builds the configuration. It never fails: unknown keys are ignored
// and absent parameters leave fields at their defaults.
func Derive(src Sources) *BootConfig {
	c := New()
	c.Set(ParseCmdline(src.Cmdline), false)
	c.Set(ParseBootconfig(src.Bootconfig), true)

	if c.DTDir.Empty() {
		c.DTDir.Set(paths.DefaultDTDir)
	}
	if src.ReadDT != nil {
		dir := c.DTDir.String()
		readDT := func(name string, field *Bounded) {
			data, err := src.ReadDT(filepath.Join(dir, name))
			if err != nil || len(data) == 0 {
				return
			}
			field.Set(strings.TrimRight(string(data), "\n\x00"))
		}
		readDT("fstab_suffix", &c.FstabSuffix)
		readDT("hardware", &c.Hardware)
		readDT("hardware.platform", &c.HardwarePlat)
	}

	if c.Slot.Empty() && src.DefaultSlot != "" {
		c.setSlot(src.DefaultSlot)
	}
	return c
}

// Load reads every source below the root of p and derives the configuration.
func Load(p *paths.Paths, defaultSlot string) *BootConfig {
	cmdline, _ := os.ReadFile(p.ProcCmdline())
	bootconfig, _ := os.ReadFile(p.ProcBootconfig())
	return Derive(Sources{
		Cmdline:    string(cmdline),
		Bootconfig: string(bootconfig),
		ReadDT: func(path string) ([]byte, error) {
			return os.ReadFile(p.Path(path))
		},
		DefaultSlot: defaultSlot,
	})
}

// Set applies parsed key/value pairs. Partition mappings added here are
// override-capable when override is true.
func (c *BootConfig) Set(pairs []Pair, override bool) {
	for _, kv := range pairs {
		switch kv.Key {
		case "androidboot.slot_suffix":
			// Some A-only devices report a bogus "normal" suffix.
			if kv.Value == "normal" {
				continue
			}
			c.Slot.Set(kv.Value)
		case "androidboot.slot":
			c.setSlot(kv.Value)
		case "skip_initramfs":
			c.SkipInitramfs = true
		case "androidboot.force_normal_boot":
			c.ForceNormalBoot = strings.HasPrefix(kv.Value, "1")
		case "rootwait":
			c.Rootwait = true
		case "androidboot.android_dt_dir":
			c.DTDir.Set(kv.Value)
		case "androidboot.hardware":
			c.Hardware.Set(kv.Value)
		case "androidboot.hardware.platform":
			c.HardwarePlat.Set(kv.Value)
		case "androidboot.fstab_suffix":
			c.FstabSuffix.Set(kv.Value)
		case "qemu":
			c.Emulator = true
		case "androidboot.partition_map":
			// "vdb,metadata;vdc,userdata" maps device vdb to partition metadata.
			for _, m := range strings.Split(kv.Value, ";") {
				dev, name, ok := strings.Cut(m, ",")
				if !ok {
					continue
				}
				c.Partitions.Add(name, dev, override)
			}
		}
	}
}

func (c *BootConfig) setSlot(v string) {
	if v == "" {
		return
	}
	if !strings.HasPrefix(v, "_") {
		v = "_" + v
	}
	c.Slot.Set(v)
}
