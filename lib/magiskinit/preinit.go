package magiskinit

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/kpfc/magiskinit/lib/logger"
	"github.com/kpfc/magiskinit/lib/mounts"
	"github.com/kpfc/magiskinit/lib/paths"
)

var preinitTypes = []string{"ext4", "f2fs"}

// mountPreinitDir exposes the payload directory of the preinit partition
// inside the new root. Any failure leaves it unmounted; the boot goes on.
func (m *MagiskInit) mountPreinitDir(ctx context.Context) {
	if m.PreinitDev == "" {
		return
	}
	log := logger.FromContext(ctx).With("phase", "preinit")

	rec, err := m.devices.Find(ctx, m.PreinitDev)
	if err != nil {
		log.Warn("preinit partition unavailable", "name", m.PreinitDev, "error", err)
		return
	}
	if err := m.mountPreinit(ctx, rec.Dev(), m.paths.DevBlock(rec.Name)); err != nil {
		log.Warn("cannot mount preinit partition", "name", rec.Name, "error", err)
	}
}

// mountPreinit mounts the partition at node under the payload's mirror
// directory and binds its magisk directory onto the preinit directory. A
// partition somebody already mounted is bound from where it is.
func (m *MagiskInit) mountPreinit(ctx context.Context, dev uint64, node string) error {
	log := logger.FromContext(ctx).With("phase", "preinit")
	internal := path.Join(m.tmpDir, ".magisk")
	preinitRel := path.Join(internal, "preinit")

	var source string
	if existing, ok := mounts.IsDeviceMounted(m.paths.Mountinfo(), dev); ok {
		source = m.paths.Path(existing)
		log.Info("preinit partition already mounted", "target", existing)
	} else {
		mirrorRel := path.Join(internal, "mirror", "preinit")
		mirror, err := m.builder.MkdirPayload(mirrorRel)
		if err != nil {
			return err
		}
		var mounted string
		for _, fsType := range preinitTypes {
			if m.host.Mounter.Mount(node, mirror, fsType, 0, "") == nil {
				mounted = fsType
				break
			}
		}
		if mounted == "" {
			return fmt.Errorf("no usable filesystem among %v", preinitTypes)
		}
		m.MountList.Push(path.Join(paths.NewRootDir, mirrorRel))
		source = mirror
		log.Info("mounted preinit partition", "node", node, "type", mounted)
	}

	data := filepath.Join(source, "magisk")
	if err := os.MkdirAll(data, 0700); err != nil {
		return fmt.Errorf("create preinit data dir: %w", err)
	}
	target, err := m.builder.MkdirPayload(preinitRel)
	if err != nil {
		return err
	}
	if err := mounts.Bind(m.host.Mounter, data, target, false); err != nil {
		return fmt.Errorf("bind preinit data: %w", err)
	}
	m.MountList.Push(path.Join(paths.NewRootDir, preinitRel))
	return nil
}
