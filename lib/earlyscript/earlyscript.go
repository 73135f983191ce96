// Package earlyscript runs an optional vendor startup script from the
// payload directory before the real init takes over.
package earlyscript

import (
	"context"
	"os"
	"path/filepath"

	"github.com/kpfc/magiskinit/lib/logger"
)

// Artifact names, relative to the payload directory.
const (
	Primary     = "magisk_Kpfc"
	Interpreter = "busybox"
	Script      = "magisk_Kpfc.sh"
)

// ExecFailed is the exit status reported when a program could not be
// executed at all.
const ExecFailed = 127

// Spawner runs a program to completion and returns its exit status. A child
// killed by a signal reports -1.
type Spawner interface {
	Run(argv []string) (int, error)
}

// Run looks for the artifacts in dir and runs at most one of them:
//   - the primary executable, retried as "busybox sh <primary>" when it
//     could not be executed and busybox is present;
//   - otherwise "busybox sh <script>" when both exist.
//
// Missing artifacts and failures are logged and never returned; nothing
// here may stop the boot. There is no timeout.
func Run(ctx context.Context, dir string, sp Spawner) {
	log := logger.FromContext(ctx).With("phase", "script")

	primary := filepath.Join(dir, Primary)
	busybox := filepath.Join(dir, Interpreter)
	script := filepath.Join(dir, Script)

	hasPrimary := isFile(primary)
	hasBusybox := isFile(busybox)
	hasScript := isFile(script)

	switch {
	case hasPrimary:
		status := spawn(ctx, sp, primary)
		if status == ExecFailed && hasBusybox {
			log.Info("primary not executable, retrying with busybox")
			spawn(ctx, sp, busybox, "sh", primary)
		}
	case hasBusybox && hasScript:
		spawn(ctx, sp, busybox, "sh", script)
	default:
		log.Debug("no early script", "dir", dir)
	}
}

func spawn(ctx context.Context, sp Spawner, argv ...string) int {
	log := logger.FromContext(ctx).With("phase", "script")
	log.Info("running early script", "argv", argv)
	status, err := sp.Run(argv)
	if err != nil {
		log.Warn("early script failed to start", "argv", argv, "error", err)
		return status
	}
	log.Info("early script finished", "argv", argv, "status", status)
	return status
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
