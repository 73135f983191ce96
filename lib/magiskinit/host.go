package magiskinit

import (
	"os"
	"syscall"

	"github.com/kpfc/magiskinit/lib/earlyscript"
	"github.com/kpfc/magiskinit/lib/mounts"
	"github.com/kpfc/magiskinit/lib/overlay"
	"github.com/kpfc/magiskinit/lib/paths"
	"github.com/kpfc/magiskinit/lib/sepolicy"
)

// Switcher makes an in-root directory the new root and returns the paths of
// the result.
type Switcher interface {
	SwitchRoot(p *paths.Paths, newRoot string) (*paths.Paths, error)
}

// Execer replaces the running program. It only returns on failure.
type Execer interface {
	Exec(argv0 string, argv []string, env []string) error
}

// Host bundles the capabilities the boot sequence needs from the system.
type Host struct {
	Mounter  mounts.Mounter
	Attrs    overlay.AttrStore
	Switcher Switcher
	Execer   Execer
	// Spawner runs the early script; nil skips it.
	Spawner earlyscript.Spawner
	// Policy loads the platform policy; nil uses the staged magiskpolicy.
	Policy sepolicy.Loader
}

// LinuxHost returns the Host backed by the running kernel.
func LinuxHost() Host {
	m := mounts.NewLinux()
	return Host{
		Mounter:  m,
		Attrs:    overlay.LinuxAttrs{},
		Switcher: linuxSwitcher{mounter: m},
		Execer:   linuxExecer{},
		Spawner:  earlyscript.ExecSpawner{Env: os.Environ()},
	}
}

type linuxSwitcher struct {
	mounter mounts.Mounter
}

func (s linuxSwitcher) SwitchRoot(p *paths.Paths, newRoot string) (*paths.Paths, error) {
	if err := mounts.SwitchRoot(s.mounter, p.Mountinfo(), p.Path(newRoot)); err != nil {
		return nil, err
	}
	return paths.New("/"), nil
}

type linuxExecer struct{}

func (linuxExecer) Exec(argv0 string, argv []string, env []string) error {
	return syscall.Exec(argv0, argv, env)
}
