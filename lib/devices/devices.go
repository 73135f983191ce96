// Package devices enumerates block devices reachable at boot and resolves
// partition names to device numbers.
package devices

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sys/unix"

	"github.com/kpfc/magiskinit/lib/bootconfig"
	"github.com/kpfc/magiskinit/lib/logger"
	"github.com/kpfc/magiskinit/lib/paths"
)

const (
	defaultBlockSize = 512
	findAttempts     = 3
	retryDelay       = 10 * time.Millisecond
)

// Discovery owns the list of discovered block devices.
type Discovery struct {
	paths      *paths.Paths
	config     *bootconfig.BootConfig
	nodes      Noder
	records    []Record
	collected  bool
	retryDelay time.Duration
}

// New creates a Discovery reading sysfs below p and adding what it finds to
// cfg's partition map. nodes may be nil, in which case no device nodes are
// created.
func New(p *paths.Paths, cfg *bootconfig.BootConfig, nodes Noder) *Discovery {
	return &Discovery{
		paths:      p,
		config:     cfg,
		nodes:      nodes,
		retryDelay: retryDelay,
	}
}

// Collect (re)enumerates every block device from sysfs uevents. Devices
// without a partition name take it from the boot partition map; every named
// device is added to the map without overriding earlier entries.
func (d *Discovery) Collect(ctx context.Context) {
	log := logger.FromContext(ctx).With("phase", "devices")

	d.records = d.records[:0]
	d.collected = true

	entries, err := os.ReadDir(d.paths.SysBlockDir())
	if err != nil {
		log.Warn("cannot list block devices", "error", err)
		return
	}

	for _, e := range entries {
		dir := filepath.Join(d.paths.SysBlockDir(), e.Name())
		rec, ok := readUevent(filepath.Join(dir, "uevent"))
		if !ok {
			continue
		}
		if rec.Name == "" {
			rec.Name, _ = d.config.Partitions.NameOf(rec.DevName)
		}
		rec.BlockSize = readBlockSize(dir)
		d.records = append(d.records, rec)

		if rec.Name != "" {
			d.config.Partitions.Add(rec.Name, filepath.Join("/dev/block", rec.DevName), false)
		}
		log.Debug("found block device", "name", rec.Name, "dev", rec.DevName,
			"major", rec.Major, "minor", rec.Minor, "block_size", rec.BlockSize)
	}
}

// Candidates returns the names tried for a partition, in order: exact,
// with slot, with hardware suffix, with both.
func (d *Discovery) Candidates(name string) []string {
	slot := d.config.Slot.String()
	var hw string
	if !d.config.Hardware.Empty() {
		hw = "_" + d.config.Hardware.String()
	}
	return lo.Uniq([]string{name, name + slot, name + hw, name + slot + hw})
}

// FindBlock resolves a partition name to a device number and creates its
// node under /dev/block. It returns 0 when no candidate name matches; some
// partitions are legitimately absent.
func (d *Discovery) FindBlock(ctx context.Context, name string) uint64 {
	rec, err := d.Find(ctx, name)
	if err != nil {
		logger.FromContext(ctx).Debug("partition not found", "phase", "devices", "name", name)
		return 0
	}
	return rec.Dev()
}

// Find is FindBlock returning the whole record, or ErrNotFound. With
// rootwait set, sysfs is scanned again between attempts.
func (d *Discovery) Find(ctx context.Context, name string) (Record, error) {
	if !d.collected {
		d.Collect(ctx)
	}

	// Only a kernel told to wait for its root device gets retries.
	attempts := 1
	if d.config.Rootwait {
		attempts = findAttempts
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(d.retryDelay)
			d.Collect(ctx)
		}
		for _, candidate := range d.Candidates(name) {
			rec, ok := lo.Find(d.records, func(r Record) bool {
				return strings.EqualFold(r.Name, candidate)
			})
			if !ok {
				continue
			}
			d.makeNode(ctx, rec)
			logger.FromContext(ctx).Debug("resolved partition", "phase", "devices",
				"name", name, "match", rec.Name, "dev", rec.DevName)
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("find %s: %w", name, ErrNotFound)
}

// Records returns a copy of the discovered devices.
func (d *Discovery) Records() []Record {
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

func (d *Discovery) makeNode(ctx context.Context, rec Record) {
	if d.nodes == nil {
		return
	}
	if err := os.MkdirAll(d.paths.DevBlockDir(), 0755); err != nil {
		logger.FromContext(ctx).Warn("mkdir /dev/block failed", "phase", "devices", "error", err)
		return
	}
	node := d.paths.DevBlock(rec.Name)
	if err := d.nodes.Mknod(node, unix.S_IFBLK|0600, rec.Dev()); err != nil && !os.IsExist(err) {
		logger.FromContext(ctx).Warn("mknod failed", "phase", "devices", "path", node, "error", err)
	}
}

// readUevent parses MAJOR, MINOR, DEVNAME and PARTNAME from a uevent file.
func readUevent(path string) (Record, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, false
	}
	defer f.Close()

	var rec Record
	var haveMajor, haveMinor bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "MAJOR":
			if n, err := strconv.ParseUint(value, 10, 32); err == nil {
				rec.Major = uint32(n)
				haveMajor = true
			}
		case "MINOR":
			if n, err := strconv.ParseUint(value, 10, 32); err == nil {
				rec.Minor = uint32(n)
				haveMinor = true
			}
		case "DEVNAME":
			rec.DevName = value
		case "PARTNAME":
			rec.Name = value
		}
	}
	return rec, haveMajor && haveMinor && rec.DevName != ""
}

// readBlockSize reads the logical block size of a device, looking at the
// parent disk for partitions.
func readBlockSize(dir string) int {
	candidates := []string{filepath.Join(dir, "queue", "logical_block_size")}
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(real), "queue", "logical_block_size"))
	}
	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err != nil {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && n > 0 {
			return n
		}
	}
	return defaultBlockSize
}
