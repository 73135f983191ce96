// Package main implements magiskinit, the binary that runs as PID 1 from the
// boot ramdisk. It rebuilds the root filesystem with the payload overlaid,
// patches the SELinux policy and then executes the platform's real init.
//
// Nothing is mounted when it starts; /proc, /sys and /dev are expected to be
// provided by the kernel's initramfs setup or the platform's first stage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kpfc/magiskinit/lib/config"
	"github.com/kpfc/magiskinit/lib/logger"
	"github.com/kpfc/magiskinit/lib/magiskinit"
	"github.com/kpfc/magiskinit/lib/paths"
)

const kmsg = "/dev/kmsg"

func main() {
	root := paths.New("/")

	// Phase 1: Logging. The level comes from the persistent config, which
	// is read again (and validated) by the boot sequence itself.
	level := new(slog.LevelVar)
	if config.Load(magiskinit.ConfigPath(root, os.Args)).Debug {
		level.Set(slog.LevelDebug)
	}
	log := logger.New(logger.OpenKmsg(kmsg), level)
	slog.SetDefault(log)
	ctx := logger.AddToContext(context.Background(), log)
	log.Info("magiskinit starting", "phase", "boot", "argv", os.Args)

	// Phase 2: Transform the root and hand off. On success the process
	// image is replaced and Run never returns.
	m := magiskinit.New(root, os.Args, magiskinit.LinuxHost())
	if err := m.Run(ctx); err != nil {
		log.Error("boot failed", "phase", "boot", "state", m.State().String(), "error", err)
		halt()
	}
}

// halt parks PID 1. Exiting would panic the kernel and hide the log.
func halt() {
	fmt.Fprintln(os.Stderr, "FATAL: magiskinit halted, see kernel log")
	for {
		unix.Pause()
	}
}
