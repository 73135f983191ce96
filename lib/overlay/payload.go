package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"

	"github.com/kpfc/magiskinit/lib/logger"
	"github.com/kpfc/magiskinit/lib/paths"
)

// StagePayload installs the payload binaries from overlay.d/sbin into the
// payload directory of the new root and writes the record of bind mounts
// made while mirroring. Files ending in .xz are decompressed.
func (b *Builder) StagePayload(ctx context.Context) error {
	if b.dest == "" {
		return ErrNotMounted
	}
	log := logger.FromContext(ctx).With("phase", "overlay")
	destPaths := b.paths.Sub(b.dest)

	tmp := destPaths.Path(b.opts.TmpDir)
	if err := b.ensureDir(tmp); err != nil {
		return fmt.Errorf("create payload dir: %w", err)
	}
	if err := b.ensureDir(destPaths.InternalDir(b.opts.TmpDir)); err != nil {
		return fmt.Errorf("create payload dir: %w", err)
	}

	entries, err := os.ReadDir(b.payload.OverlaySbin())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("cannot list payload binaries", "error", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name, err := b.stageBinary(filepath.Join(b.payload.OverlaySbin(), e.Name()), tmp)
		if err != nil {
			log.Warn("cannot stage payload binary", "name", e.Name(), "error", err)
			continue
		}
		log.Debug("staged payload binary", "name", name)
	}

	record := destPaths.OverlayMountList(b.opts.TmpDir)
	var content strings.Builder
	for _, bind := range b.binds {
		content.WriteString(strings.TrimPrefix(bind, destPaths.Root()))
		content.WriteByte('\n')
	}
	if err := os.WriteFile(record, []byte(content.String()), 0644); err != nil {
		log.Warn("cannot write bind mount record", "error", err)
	} else {
		b.record(payloadAttr(record, unix.S_IFREG|0644))
	}

	log.Info("payload staged", "dir", b.opts.TmpDir, "binaries", len(entries))
	return nil
}

func (b *Builder) stageBinary(src, tmp string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	name := filepath.Base(src)
	var r io.Reader = f
	if strings.HasSuffix(name, ".xz") {
		xr, err := xz.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("open xz stream: %w", err)
		}
		r = xr
		name = strings.TrimSuffix(name, ".xz")
	}

	dst := filepath.Join(tmp, name)
	if err := writeFile(dst, r, 0755); err != nil {
		os.Remove(dst)
		return "", err
	}
	b.record(payloadAttr(dst, unix.S_IFREG|0755))
	return name, nil
}

// ensureDir creates a payload directory. A directory that already exists
// keeps the attribute it was recorded with.
func (b *Builder) ensureDir(dir string) error {
	if fi, err := os.Lstat(dir); err == nil && fi.IsDir() {
		if !b.hasAttr(dir) {
			b.record(payloadAttr(dir, unix.S_IFDIR|0755))
		}
		return nil
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return err
	}
	b.record(payloadAttr(dir, unix.S_IFDIR|0755))
	return nil
}

func payloadAttr(path string, mode uint32) Attr {
	return Attr{Path: path, Mode: mode, Context: paths.PayloadContext}
}

// InjectRC rewrites init.rc in the new root: the original content, the
// payload's service triggers and every overlay.d/*.rc fragment, with
// ${MAGISKTMP} replaced by the payload directory.
func (b *Builder) InjectRC(ctx context.Context) error {
	if b.dest == "" {
		return ErrNotMounted
	}
	log := logger.FromContext(ctx).With("phase", "overlay")

	orig, err := os.ReadFile(b.paths.InitRC())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("no init.rc to patch")
			return nil
		}
		return fmt.Errorf("read init.rc: %w", err)
	}

	var rc strings.Builder
	rc.Write(orig)
	if len(orig) > 0 && orig[len(orig)-1] != '\n' {
		rc.WriteByte('\n')
	}
	rc.WriteString(serviceRC(b.opts.TmpDir))

	fragments, err := os.ReadDir(b.payload.OverlayDir())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("cannot list rc fragments", "error", err)
	}
	injected := 0
	for _, e := range fragments {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".rc") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.payload.OverlayDir(), e.Name()))
		if err != nil {
			log.Warn("cannot read rc fragment", "name", e.Name(), "error", err)
			continue
		}
		rc.WriteString("\n")
		rc.WriteString(strings.ReplaceAll(string(data), "${MAGISKTMP}", b.opts.TmpDir))
		injected++
		log.Debug("injected rc fragment", "name", e.Name())
	}

	target := b.paths.Sub(b.dest).InitRC()
	if !b.hasAttr(target) {
		attr, err := b.attrs.Snapshot(b.paths.InitRC())
		if err != nil {
			return fmt.Errorf("snapshot init.rc: %w", err)
		}
		attr.Path = target
		b.record(attr)
	}
	if err := writeFile(target, strings.NewReader(rc.String()), 0750); err != nil {
		return fmt.Errorf("write init.rc: %w", err)
	}
	log.Info("patched init.rc", "fragments", injected)
	return nil
}
