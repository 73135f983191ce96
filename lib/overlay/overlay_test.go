package overlay

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"

	"github.com/kpfc/magiskinit/lib/mounts"
	"github.com/kpfc/magiskinit/lib/paths"
)

type memAttrs struct {
	contexts map[string]string
}

func newMemAttrs() *memAttrs {
	return &memAttrs{contexts: make(map[string]string)}
}

func (m *memAttrs) Snapshot(path string) (Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Attr{}, err
	}
	return Attr{Path: path, UID: st.Uid, GID: st.Gid, Mode: st.Mode, Context: m.contexts[path]}, nil
}

func (m *memAttrs) Apply(a Attr) error {
	if !a.IsSymlink() {
		if err := os.Chmod(a.Path, os.FileMode(a.Mode&0777)); err != nil {
			return err
		}
	}
	if a.Context != "" {
		m.contexts[a.Path] = a.Context
	}
	return nil
}

type mountCall struct {
	source, target, fstype string
	flags                  uintptr
	data                   string
}

type fakeMounter struct {
	mounts   []mountCall
	unmounts []string
	failType string
}

func (f *fakeMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	if fstype != "" && fstype == f.failType {
		return errors.New("no space left")
	}
	f.mounts = append(f.mounts, mountCall{source, target, fstype, flags, data})
	return nil
}

func (f *fakeMounter) Unmount(target string, flags int) error {
	f.unmounts = append(f.unmounts, target)
	return nil
}

func (f *fakeMounter) Mknod(string, uint32, uint64) error { return nil }

func mkfile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func xzData(t *testing.T, content string) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.String()
}

// setupTestRoot lays out a small ramdisk root with a payload overlay.
func setupTestRoot(t *testing.T) *paths.Paths {
	t.Helper()
	p := paths.New(t.TempDir())

	mkfile(t, p.Init(), "magiskinit")
	mkfile(t, p.BackupInit(), "stock init")
	mkfile(t, p.ConfigFile(), "KEEPVERITY=true\n")
	mkfile(t, p.InitRC(), "on early-init\n    start ueventd")
	mkfile(t, p.MonolithicPolicy(), "policy")
	mkfile(t, p.Path("/system/bin/sh"), "sh")
	mkfile(t, p.Path("/vendor/bin/other"), "other")
	mkfile(t, p.Path("/vendor/lib/libx.so"), "lib")
	require.NoError(t, os.Symlink("/system/etc", p.Path("/etc")))
	require.NoError(t, unix.Mkfifo(p.Path("/fifo"), 0600))

	mkfile(t, filepath.Join(p.OverlaySbin(), "magisk.xz"), xzData(t, "payload binary"))
	mkfile(t, filepath.Join(p.OverlaySbin(), "busybox"), "busybox")
	mkfile(t, filepath.Join(p.OverlayDir(), "custom.rc"), "service custom ${MAGISKTMP}/custom\n")
	mkfile(t, filepath.Join(p.OverlayDir(), "vendor", "bin", "tool"), "tool")
	return p
}

func setupTestBuilder(t *testing.T, opts Options) (*Builder, *paths.Paths, *fakeMounter, *memAttrs, *mounts.MountList) {
	t.Helper()
	p := setupTestRoot(t)
	m := &fakeMounter{}
	attrs := newMemAttrs()
	attrs.contexts[p.Path("/vendor")] = "u:object_r:vendor_file:s0"
	attrs.contexts[filepath.Join(p.OverlayDir(), "vendor", "bin", "tool")] = "u:object_r:vendor_exec:s0"
	list := mounts.NewMountList()
	return NewBuilder(p, m, attrs, list, opts), p, m, attrs, list
}

func TestMountBuildsNewRoot(t *testing.T) {
	b, p, m, attrs, list := setupTestBuilder(t, Options{SkipInit: true})
	ctx := context.Background()

	require.NoError(t, b.Mount(ctx, paths.NewRootDir))
	nr := p.Sub(paths.NewRootDir)

	require.NotEmpty(t, m.mounts)
	assert.Equal(t, mountCall{"tmpfs", nr.Root(), "tmpfs", 0, "mode=755"}, m.mounts[0])
	assert.Equal(t, []string{paths.NewRootDir}, list.Paths())

	assert.ElementsMatch(t, []string{
		nr.Path("/system"),
		nr.Path("/vendor/bin/other"),
		nr.Path("/vendor/lib"),
	}, b.Binds())

	for _, gone := range []string{"/init", "/.backup", "/overlay.d", "/fifo", "/newroot"} {
		_, err := os.Lstat(nr.Path(gone))
		assert.True(t, os.IsNotExist(err), "%s should not be mirrored", gone)
	}

	tool, err := os.ReadFile(nr.Path("/vendor/bin/tool"))
	require.NoError(t, err)
	assert.Equal(t, "tool", string(tool))

	link, err := os.Readlink(nr.Path("/etc"))
	require.NoError(t, err)
	assert.Equal(t, "/system/etc", link)

	rc, err := os.ReadFile(nr.InitRC())
	require.NoError(t, err)
	assert.Contains(t, string(rc), "start ueventd")

	// exactly one attribute per created path
	seen := map[string]bool{}
	for _, a := range b.Attrs() {
		assert.False(t, seen[a.Path], "duplicate attr for %s", a.Path)
		seen[a.Path] = true
	}
	for _, created := range []string{"/vendor", "/vendor/bin", "/vendor/bin/tool", "/etc", "/init.rc", "/sepolicy", "/system"} {
		assert.True(t, seen[nr.Path(created)], "missing attr for %s", created)
	}

	require.NoError(t, b.RestoreContexts(ctx))
	assert.Equal(t, "u:object_r:vendor_file:s0", attrs.contexts[nr.Path("/vendor")])
	assert.Equal(t, "u:object_r:vendor_exec:s0", attrs.contexts[nr.Path("/vendor/bin/tool")])
}

func TestRestoreContextsIsIdempotent(t *testing.T) {
	b, _, _, attrs, _ := setupTestBuilder(t, Options{})
	ctx := context.Background()
	require.NoError(t, b.Mount(ctx, paths.NewRootDir))

	snapshot := func() []Attr {
		var out []Attr
		for _, a := range b.Attrs() {
			cur, err := attrs.Snapshot(a.Path)
			require.NoError(t, err)
			out = append(out, cur)
		}
		return out
	}

	require.NoError(t, b.RestoreContexts(ctx))
	once := snapshot()
	require.NoError(t, b.RestoreContexts(ctx))
	assert.Equal(t, once, snapshot())
}

func TestMountSizeOption(t *testing.T) {
	b, _, m, _, _ := setupTestBuilder(t, Options{Size: 64 * datasize.MB})
	require.NoError(t, b.Mount(context.Background(), paths.NewRootDir))
	assert.Equal(t, "mode=755,size=67108864", m.mounts[0].data)
}

func TestMountDestinationFailureIsFatal(t *testing.T) {
	b, _, m, _, list := setupTestBuilder(t, Options{})
	m.failType = "tmpfs"

	err := b.Mount(context.Background(), paths.NewRootDir)
	require.ErrorIs(t, err, ErrDestinationMount)
	assert.Zero(t, list.Len())
	assert.Empty(t, b.Attrs())
	assert.ErrorIs(t, b.StagePayload(context.Background()), ErrNotMounted)
}

func TestMountReuseSkipsTmpfs(t *testing.T) {
	b, _, m, _, list := setupTestBuilder(t, Options{Reuse: true})
	require.NoError(t, b.Mount(context.Background(), paths.NewRootDir))

	for _, call := range m.mounts {
		assert.NotEqual(t, "tmpfs", call.fstype)
	}
	assert.Zero(t, list.Len())
}

func TestStagePayload(t *testing.T) {
	b, p, _, _, _ := setupTestBuilder(t, Options{})
	ctx := context.Background()
	require.NoError(t, b.Mount(ctx, paths.NewRootDir))
	require.NoError(t, b.StagePayload(ctx))

	nr := p.Sub(paths.NewRootDir)
	data, err := os.ReadFile(nr.PayloadBinary(paths.DebugRamdiskDir))
	require.NoError(t, err)
	assert.Equal(t, "payload binary", string(data))

	_, err = os.Stat(filepath.Join(nr.Path(paths.DebugRamdiskDir), "busybox"))
	require.NoError(t, err)

	record, err := os.ReadFile(nr.OverlayMountList(paths.DebugRamdiskDir))
	require.NoError(t, err)
	assert.Contains(t, string(record), "/vendor/lib\n")

	var payload []Attr
	for _, a := range b.Attrs() {
		if a.Context == paths.PayloadContext {
			payload = append(payload, a)
		}
	}
	// dir, internal dir, two binaries, bind record
	assert.Len(t, payload, 5)
}

func TestInjectRC(t *testing.T) {
	b, p, _, _, _ := setupTestBuilder(t, Options{TmpDir: "/sbin"})
	ctx := context.Background()
	require.NoError(t, b.Mount(ctx, paths.NewRootDir))
	before := len(b.Attrs())
	require.NoError(t, b.InjectRC(ctx))

	rc, err := os.ReadFile(p.Sub(paths.NewRootDir).InitRC())
	require.NoError(t, err)
	content := string(rc)
	assert.Contains(t, content, "on early-init\n    start ueventd\n")
	assert.Contains(t, content, "/sbin/magisk --post-fs-data")
	assert.Contains(t, content, "service custom /sbin/custom")
	assert.NotContains(t, content, "${MAGISKTMP}")
	assert.Equal(t, before, len(b.Attrs()), "init.rc reuses its attribute")
}

func TestMountMirrorsInitUnlessSkipped(t *testing.T) {
	b, p, _, _, _ := setupTestBuilder(t, Options{})
	require.NoError(t, b.Mount(context.Background(), paths.NewRootDir))
	assert.Contains(t, b.Binds(), p.Sub(paths.NewRootDir).Init())
}

func TestMountWithSeparatePayloadDir(t *testing.T) {
	p := paths.New(t.TempDir())
	mkfile(t, p.Path("/system/bin/init"), "init")
	payload := p.Sub(paths.DebugRamdiskDir)
	mkfile(t, filepath.Join(payload.OverlaySbin(), "magisk"), "payload")
	mkfile(t, filepath.Join(payload.OverlayDir(), "system", "etc", "extra.conf"), "extra")
	mkfile(t, payload.BackupInit(), "stock")

	b := NewBuilder(p, &fakeMounter{}, newMemAttrs(), mounts.NewMountList(), Options{PayloadDir: paths.DebugRamdiskDir})
	ctx := context.Background()
	require.NoError(t, b.Mount(ctx, paths.NewRootDir))
	require.NoError(t, b.StagePayload(ctx))

	nr := p.Sub(paths.NewRootDir)
	data, err := os.ReadFile(nr.Path("/system/etc/extra.conf"))
	require.NoError(t, err)
	assert.Equal(t, "extra", string(data))

	// the payload dir itself is rebuilt, not mirrored
	_, err = os.Stat(nr.Path(paths.DebugRamdiskDir + "/overlay.d"))
	assert.True(t, os.IsNotExist(err))
	data, err = os.ReadFile(nr.PayloadBinary(paths.DebugRamdiskDir))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestInstallFileAndMkdirPayload(t *testing.T) {
	b, p, _, _, _ := setupTestBuilder(t, Options{SkipInit: true})
	ctx := context.Background()

	_, err := b.MkdirPayload("/x")
	require.ErrorIs(t, err, ErrNotMounted)

	require.NoError(t, b.Mount(ctx, paths.NewRootDir))
	require.NoError(t, b.InstallFile(p.BackupInit(), "/init"))

	nr := p.Sub(paths.NewRootDir)
	data, err := os.ReadFile(nr.Init())
	require.NoError(t, err)
	assert.Equal(t, "stock init", string(data))

	dir, err := b.MkdirPayload(paths.DebugRamdiskDir + "/.magisk/preinit")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	var payloadDirs int
	for _, a := range b.Attrs() {
		if a.Context == paths.PayloadContext && a.IsDir() {
			payloadDirs++
		}
	}
	assert.Equal(t, 3, payloadDirs)
}

func TestApplyAttrCarriesRecordToReplacement(t *testing.T) {
	b, p, _, attrs, _ := setupTestBuilder(t, Options{SkipInit: true})
	attrs.contexts[p.MonolithicPolicy()] = "u:object_r:rootfs:s0"
	require.NoError(t, b.Mount(context.Background(), paths.NewRootDir))
	nr := p.Sub(paths.NewRootDir)

	// A fresh file that will be renamed over /sepolicy takes its record.
	tmp := nr.Path("/.sepolicy-new")
	require.NoError(t, os.WriteFile(tmp, []byte("patched"), 0600))
	require.NoError(t, b.ApplyAttr(tmp, nr.MonolithicPolicy()))
	assert.Equal(t, "u:object_r:rootfs:s0", attrs.contexts[tmp])
	fi, err := os.Stat(tmp)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), fi.Mode().Perm())

	// An unrecorded path is adopted as a payload file.
	ack := nr.Path(paths.DebugRamdiskDir + "/ack")
	require.NoError(t, os.MkdirAll(filepath.Dir(ack), 0755))
	require.NoError(t, os.WriteFile(ack, nil, 0600))
	require.NoError(t, b.ApplyAttr(ack, ack))
	assert.Equal(t, paths.PayloadContext, attrs.contexts[ack])
	var adopted int
	for _, a := range b.Attrs() {
		if a.Path == ack {
			adopted++
		}
	}
	assert.Equal(t, 1, adopted)

	missing := nr.Path("/missing")
	require.Error(t, b.ApplyAttr(missing, missing))
	for _, a := range b.Attrs() {
		assert.NotEqual(t, missing, a.Path)
	}
}
