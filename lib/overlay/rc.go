package overlay

import "fmt"

// serviceRC is appended to init.rc so the platform init starts the payload
// at each boot milestone.
func serviceRC(tmpDir string) string {
	return fmt.Sprintf(`
on post-fs-data
    exec u:r:magisk:s0 0 0 -- %[1]s/magisk --post-fs-data

on property:vold.decrypt=trigger_restart_framework
    exec u:r:magisk:s0 0 0 -- %[1]s/magisk --service

on nonencrypted
    exec u:r:magisk:s0 0 0 -- %[1]s/magisk --service

on property:sys.boot_completed=1
    exec u:r:magisk:s0 0 0 -- %[1]s/magisk --boot-complete

on property:init.svc.zygote=restarting
    exec u:r:magisk:s0 0 0 -- %[1]s/magisk --zygote-restart

on property:init.svc.zygote=stopped
    exec u:r:magisk:s0 0 0 -- %[1]s/magisk --zygote-restart
`, tmpDir)
}
