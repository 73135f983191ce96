package bootconfig

import "log/slog"

// Print dumps the configuration for diagnostics.
func (c *BootConfig) Print(log *slog.Logger) {
	log = log.With("phase", "bootconfig")
	log.Debug("skip_initramfs", "value", c.SkipInitramfs)
	log.Debug("force_normal_boot", "value", c.ForceNormalBoot)
	log.Debug("rootwait", "value", c.Rootwait)
	log.Debug("slot", "value", c.Slot.String())
	log.Debug("dt_dir", "value", c.DTDir.String())
	log.Debug("fstab_suffix", "value", c.FstabSuffix.String())
	log.Debug("hardware", "value", c.Hardware.String())
	log.Debug("hardware.platform", "value", c.HardwarePlat.String())
	log.Debug("emulator", "value", c.Emulator)
	for _, e := range c.Partitions.Entries() {
		log.Debug("partition_map", "name", e.Key, "dev", e.Value, "override", e.Override)
	}
}
