// Package overlay builds the writable tree that becomes the new root. The
// original root is mirrored into a tmpfs, the payload overlay is merged on
// top, and the security attributes of every created path are recorded so
// they can be restored once construction is done.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/samber/lo"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/kpfc/magiskinit/lib/logger"
	"github.com/kpfc/magiskinit/lib/mounts"
	"github.com/kpfc/magiskinit/lib/paths"
)

// Options configures a Builder.
type Options struct {
	// Size caps the tmpfs; zero leaves the kernel default.
	Size datasize.ByteSize
	// Reuse skips the tmpfs mount when the destination is already writable.
	Reuse bool
	// TmpDir is the in-root directory that receives the payload binaries.
	TmpDir string
	// PayloadDir is the in-root directory holding overlay.d and .backup.
	// Empty means the root itself. It is never mirrored.
	PayloadDir string
	// SkipInit leaves /init out of the mirror; the caller installs the
	// real init there.
	SkipInit bool
}

// Builder constructs the new root and owns the attribute record.
type Builder struct {
	paths     *paths.Paths
	payload   *paths.Paths
	mounter   mounts.Mounter
	attrs     AttrStore
	mountList *mounts.MountList
	opts      Options

	dest     string
	recorded []Attr
	seen     map[string]struct{}
	binds    []string
}

// NewBuilder creates a Builder mirroring the root of p.
func NewBuilder(p *paths.Paths, m mounts.Mounter, attrs AttrStore, list *mounts.MountList, opts Options) *Builder {
	if opts.TmpDir == "" {
		opts.TmpDir = paths.DebugRamdiskDir
	}
	payload := p
	if opts.PayloadDir != "" && opts.PayloadDir != "/" {
		payload = p.Sub(opts.PayloadDir)
	}
	return &Builder{
		paths:     p,
		payload:   payload,
		mounter:   m,
		attrs:     attrs,
		mountList: list,
		opts:      opts,
		seen:      make(map[string]struct{}),
	}
}

// Attrs returns the recorded attributes in creation order.
func (b *Builder) Attrs() []Attr {
	return append([]Attr(nil), b.recorded...)
}

// Binds returns the bind mounts made while mirroring.
func (b *Builder) Binds() []string {
	return append([]string(nil), b.binds...)
}

// Mount builds the new root at dest, an absolute in-root path. The tmpfs is
// recorded in the mount list under that in-root path.
func (b *Builder) Mount(ctx context.Context, dest string) error {
	log := logger.FromContext(ctx).With("phase", "overlay")
	destReal := b.paths.Path(dest)

	if err := os.MkdirAll(destReal, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationMount, err)
	}

	cu := cleanup.Make(b.reset)
	defer cu.Clean()

	if !b.opts.Reuse {
		data := "mode=755"
		if b.opts.Size > 0 {
			data += fmt.Sprintf(",size=%d", b.opts.Size.Bytes())
		}
		if err := b.mounter.Mount("tmpfs", destReal, "tmpfs", 0, data); err != nil {
			return fmt.Errorf("%w: %v", ErrDestinationMount, err)
		}
		b.mountList.Push(dest)
		cu.Add(func() {
			b.mounter.Unmount(destReal, unix.MNT_DETACH)
			b.mountList.Remove(dest)
		})
		log.Info("mounted tmpfs", "dest", dest, "options", data)
	}

	var st unix.Stat_t
	if err := unix.Stat(b.paths.Root(), &st); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceRoot, err)
	}

	b.dest = dest
	idx := b.indexPayload(ctx)
	if err := b.mirror(ctx, &cu, "/", destReal, idx, uint64(st.Dev)); err != nil {
		return err
	}
	b.merge(ctx, destReal)

	cu.Release()
	log.Info("overlay built", "dest", dest, "attrs", len(b.recorded), "binds", len(b.binds))
	return nil
}

// RestoreContexts reapplies every recorded attribute. It is safe to call any
// number of times; each failure is collected and the rest still applied.
func (b *Builder) RestoreContexts(ctx context.Context) error {
	var errs []error
	restored := 0
	for _, a := range b.recorded {
		if a.Bound {
			continue
		}
		if err := b.attrs.Apply(a); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}
	logger.FromContext(ctx).Debug("restored overlay attributes", "phase", "overlay",
		"restored", restored, "failed", len(errs))
	return errors.Join(errs...)
}

// ApplyAttr applies the attribute recorded for the new-root path dst to
// target: dst itself, or a file about to be renamed over it. A path with no
// record is adopted as a payload file.
func (b *Builder) ApplyAttr(target, dst string) error {
	attr, ok := lo.Find(b.recorded, func(a Attr) bool {
		return a.Path == dst
	})
	if !ok {
		attr = payloadAttr(dst, unix.S_IFREG|0644)
	}
	applied := attr
	applied.Path = target
	if err := b.attrs.Apply(applied); err != nil {
		return fmt.Errorf("apply attributes of %s: %w", dst, err)
	}
	b.record(attr)
	return nil
}

// record adds the attribute of a created path unless the path already has
// one.
func (b *Builder) record(a Attr) {
	if _, ok := b.seen[a.Path]; ok {
		return
	}
	b.seen[a.Path] = struct{}{}
	b.recorded = append(b.recorded, a)
}

func (b *Builder) hasAttr(path string) bool {
	_, ok := b.seen[path]
	return ok
}

// reset forgets a failed build.
func (b *Builder) reset() {
	b.dest = ""
	b.recorded = nil
	b.binds = nil
	b.seen = make(map[string]struct{})
}

// payloadIndex classifies in-root paths by what the payload does to them.
type payloadIndex struct {
	// files are provided by the payload; the original is not mirrored.
	files map[string]bool
	// dirs are descended into instead of bind-mounted whole.
	dirs map[string]bool
	// copies are mirrored as fresh copies because they get rewritten or
	// replaced in the new root.
	copies map[string]bool
}

func (idx payloadIndex) addDir(rel string) {
	for rel != "/" && rel != "." {
		idx.dirs[rel] = true
		rel = path.Dir(rel)
	}
}

// indexPayload scans overlay.d. sbin holds the payload binaries and the
// top-level .rc files are init fragments; neither is merged as a tree.
func (b *Builder) indexPayload(ctx context.Context) payloadIndex {
	idx := payloadIndex{
		files:  make(map[string]bool),
		dirs:   make(map[string]bool),
		copies: map[string]bool{"/init.rc": true, "/sepolicy": true},
	}
	idx.addDir(b.opts.TmpDir)

	root := b.payload.OverlayDir()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := "/" + strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		switch {
		case rel == "/":
			return nil
		case rel == "/sbin" && d.IsDir():
			return filepath.SkipDir
		case path.Dir(rel) == "/" && strings.HasSuffix(rel, ".rc") && !d.IsDir():
			return nil
		case d.IsDir():
			idx.addDir(rel)
		default:
			idx.files[rel] = true
			idx.addDir(path.Dir(rel))
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.FromContext(ctx).Warn("cannot scan payload overlay", "phase", "overlay", "error", err)
	}
	return idx
}

// skip reports whether an in-root path is a ramdisk artefact that never
// appears in the new root.
func (b *Builder) skip(rel string) bool {
	switch rel {
	case "/.backup", "/overlay.d", b.dest:
		return true
	case "/init":
		return b.opts.SkipInit
	}
	return b.opts.PayloadDir != "" && rel == b.opts.PayloadDir
}

// mirror recreates the directory rel of the original root under destReal.
func (b *Builder) mirror(ctx context.Context, cu *cleanup.Cleanup, rel, destReal string, idx payloadIndex, rootDev uint64) error {
	log := logger.FromContext(ctx).With("phase", "overlay")

	entries, err := os.ReadDir(b.paths.Path(rel))
	if err != nil {
		if rel == "/" {
			return fmt.Errorf("%w: %v", ErrSourceRoot, err)
		}
		log.Warn("cannot list directory", "path", rel, "error", err)
		return nil
	}

	for _, e := range entries {
		childRel := path.Join(rel, e.Name())
		if b.skip(childRel) || idx.files[childRel] {
			continue
		}
		src := b.paths.Path(childRel)
		dst := filepath.Join(destReal, childRel)

		attr, err := b.attrs.Snapshot(src)
		if err != nil {
			log.Warn("cannot snapshot", "path", childRel, "error", err)
			continue
		}
		attr.Path = dst

		switch attr.Mode & unix.S_IFMT {
		case unix.S_IFDIR:
			if err := os.Mkdir(dst, os.FileMode(attr.Mode&0777)); err != nil && !os.IsExist(err) {
				log.Warn("cannot create directory", "path", childRel, "error", err)
				continue
			}
			var st unix.Stat_t
			if err := unix.Lstat(src, &st); err == nil && uint64(st.Dev) != rootDev {
				// Another filesystem; the root switch moves its mount here.
				b.record(attr)
				continue
			}
			if idx.dirs[childRel] {
				b.record(attr)
				if err := b.mirror(ctx, cu, childRel, destReal, idx, rootDev); err != nil {
					return err
				}
				continue
			}
			if err := b.bind(cu, src, dst); err != nil {
				log.Warn("cannot bind directory", "path", childRel, "error", err)
				b.record(attr)
				continue
			}
			attr.Bound = true
			b.record(attr)

		case unix.S_IFREG:
			if idx.copies[childRel] {
				if err := copyFile(src, dst, os.FileMode(attr.Mode&0777)); err != nil {
					log.Warn("cannot copy file", "path", childRel, "error", err)
					continue
				}
				b.record(attr)
				continue
			}
			if err := touch(dst); err != nil {
				log.Warn("cannot create placeholder", "path", childRel, "error", err)
				continue
			}
			if err := b.bind(cu, src, dst); err != nil {
				log.Warn("cannot bind file", "path", childRel, "error", err)
				os.Remove(dst)
				continue
			}
			attr.Bound = true
			b.record(attr)

		case unix.S_IFLNK:
			target, err := os.Readlink(src)
			if err == nil {
				err = os.Symlink(target, dst)
			}
			if err != nil {
				log.Warn("cannot recreate symlink", "path", childRel, "error", err)
				continue
			}
			b.record(attr)

		default:
			log.Debug("skipping special file", "path", childRel)
		}
	}
	return nil
}

func (b *Builder) bind(cu *cleanup.Cleanup, src, dst string) error {
	if err := mounts.Bind(b.mounter, src, dst, true); err != nil {
		return err
	}
	b.binds = append(b.binds, dst)
	cu.Add(func() { b.mounter.Unmount(dst, unix.MNT_DETACH) })
	return nil
}

// merge copies the payload overlay into the new root. Payload entries win
// over mirrored ones and carry the payload's own attributes.
func (b *Builder) merge(ctx context.Context, destReal string) {
	log := logger.FromContext(ctx).With("phase", "overlay")
	root := b.payload.OverlayDir()

	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn("cannot walk payload overlay", "path", p, "error", err)
			}
			return nil
		}
		rel := "/" + strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		if rel == "/" {
			return nil
		}
		if rel == "/sbin" && d.IsDir() {
			return filepath.SkipDir
		}
		if path.Dir(rel) == "/" && strings.HasSuffix(rel, ".rc") && !d.IsDir() {
			return nil
		}

		target, err := securejoin.SecureJoin(destReal, rel)
		if err != nil {
			log.Warn("unsafe payload path", "path", rel, "error", err)
			return nil
		}
		attr, err := b.attrs.Snapshot(p)
		if err != nil {
			log.Warn("cannot snapshot payload", "path", rel, "error", err)
			return nil
		}
		attr.Path = target

		switch {
		case d.IsDir():
			if fi, err := os.Lstat(target); err == nil && fi.IsDir() {
				return nil
			}
			if err := os.Mkdir(target, os.FileMode(attr.Mode&0777)); err != nil {
				log.Warn("cannot create payload directory", "path", rel, "error", err)
				return filepath.SkipDir
			}
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err == nil {
				err = os.Symlink(link, target)
			}
			if err != nil {
				log.Warn("cannot create payload symlink", "path", rel, "error", err)
				return nil
			}
		case d.Type().IsRegular():
			if err := copyFile(p, target, os.FileMode(attr.Mode&0777)); err != nil {
				log.Warn("cannot copy payload file", "path", rel, "error", err)
				return nil
			}
		default:
			return nil
		}
		b.record(attr)
		log.Debug("merged payload entry", "path", rel)
		return nil
	})
}

// InstallFile copies src to the in-root path rel of the new root, carrying
// src's attributes.
func (b *Builder) InstallFile(src, rel string) error {
	if b.dest == "" {
		return ErrNotMounted
	}
	attr, err := b.attrs.Snapshot(src)
	if err != nil {
		return err
	}
	attr.Path = b.paths.Sub(b.dest).Path(rel)
	if err := copyFile(src, attr.Path, os.FileMode(attr.Mode&0777)); err != nil {
		return fmt.Errorf("install %s: %w", rel, err)
	}
	b.record(attr)
	return nil
}

// MkdirPayload creates the in-root directory rel of the new root, and any
// missing parents, as payload directories. It returns the real path.
func (b *Builder) MkdirPayload(rel string) (string, error) {
	if b.dest == "" {
		return "", ErrNotMounted
	}
	destPaths := b.paths.Sub(b.dest)
	var dir string
	for _, part := range strings.Split(strings.Trim(path.Clean(rel), "/"), "/") {
		if part == "" {
			continue
		}
		dir = path.Join("/", dir, part)
		if err := b.ensureDir(destPaths.Path(dir)); err != nil {
			return "", err
		}
	}
	return destPaths.Path(rel), nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|unix.O_NOFOLLOW, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(dst, in, perm)
}

func writeFile(dst string, r io.Reader, perm os.FileMode) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|unix.O_NOFOLLOW, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
