package mounts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const sampleMountinfo = `1 0 0:2 / / rw - rootfs rootfs rw
20 1 0:20 / /proc rw,nosuid - proc proc rw
21 1 0:21 / /sys rw,nosuid - sysfs sysfs rw
22 1 0:6 / /dev rw,nosuid - devtmpfs devtmpfs rw
23 22 0:22 / /dev/pts rw - devpts devpts rw
30 1 259:3 / /system_root ro,relatime - ext4 /dev/block/sda3 ro
31 1 259:3 / /mnt/second\040copy ro,relatime - ext4 /dev/block/sda3 ro
40 1 0:40 / /newroot rw - tmpfs tmpfs rw
`

type unmountCall struct {
	target string
	flags  int
}

type recordingMounter struct {
	unmounts []unmountCall
	moves    [][2]string
	failOn   string
}

func (r *recordingMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	if flags&unix.MS_MOVE != 0 {
		r.moves = append(r.moves, [2]string{source, target})
	}
	return nil
}

func (r *recordingMounter) Unmount(target string, flags int) error {
	r.unmounts = append(r.unmounts, unmountCall{target, flags})
	if target == r.failOn {
		return errors.New("busy")
	}
	return nil
}

func (r *recordingMounter) Mknod(string, uint32, uint64) error { return nil }

func writeMountinfo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mountinfo")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseMountInfo(t *testing.T) {
	infos := ParseMountInfo(strings.NewReader(sampleMountinfo + "garbage line\n"))
	require.Len(t, infos, 8)

	sys := infos[5]
	assert.Equal(t, "/system_root", sys.Target)
	assert.Equal(t, "ext4", sys.FSType)
	assert.Equal(t, "/dev/block/sda3", sys.Source)
	assert.Equal(t, unix.Mkdev(259, 3), sys.Dev())
	assert.Equal(t, "/mnt/second copy", infos[6].Target)
}

func TestIsDeviceMountedNoEntry(t *testing.T) {
	path := writeMountinfo(t, sampleMountinfo)

	target, ok := IsDeviceMounted(path, unix.Mkdev(8, 1))
	assert.False(t, ok)
	assert.Empty(t, target)
}

func TestIsDeviceMountedSingleEntry(t *testing.T) {
	path := writeMountinfo(t, sampleMountinfo)

	target, ok := IsDeviceMounted(path, unix.Mkdev(0, 40))
	assert.True(t, ok)
	assert.Equal(t, "/newroot", target)
}

func TestIsDeviceMountedFirstFound(t *testing.T) {
	path := writeMountinfo(t, sampleMountinfo)

	target, ok := IsDeviceMounted(path, unix.Mkdev(259, 3))
	assert.True(t, ok)
	assert.Equal(t, "/system_root", target)
}

func TestIsDeviceMountedMissingFile(t *testing.T) {
	_, ok := IsDeviceMounted(filepath.Join(t.TempDir(), "nope"), unix.Mkdev(259, 3))
	assert.False(t, ok)
}

func TestMountListTeardownReverseOrder(t *testing.T) {
	l := NewMountList()
	l.Push("/newroot")
	l.Push("/newroot/dev")
	l.Push("/newroot/sbin")
	m := &recordingMounter{failOn: "/newroot/dev"}

	err := l.Teardown(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/newroot/dev")
	assert.Equal(t, []unmountCall{
		{"/newroot/sbin", unix.MNT_DETACH},
		{"/newroot/dev", unix.MNT_DETACH},
		{"/newroot", unix.MNT_DETACH},
	}, m.unmounts)
	assert.Zero(t, l.Len())
}

func TestMountListSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".magisk", "mount_list")
	l := NewMountList("/dev", "/system/bin/init")
	require.NoError(t, l.Save(path))

	loaded, err := LoadMountList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev", "/system/bin/init"}, loaded.Paths())

	assert.True(t, loaded.Remove("/system/bin/init"))
	assert.False(t, loaded.Remove("/system/bin/init"))
	assert.Equal(t, []string{"/dev"}, loaded.Paths())
}

func TestMountListPathsIsACopy(t *testing.T) {
	l := NewMountList("/newroot")
	paths := l.Paths()
	paths[0] = "/elsewhere"
	assert.Equal(t, []string{"/newroot"}, l.Paths())
}

func TestMovePlan(t *testing.T) {
	infos := ParseMountInfo(strings.NewReader(sampleMountinfo))
	var targets []string
	for _, i := range infos {
		targets = append(targets, i.Target)
	}

	assert.Equal(t,
		[]string{"/proc", "/sys", "/dev", "/system_root", "/mnt/second copy"},
		MovePlan(targets, "/newroot"))
}

func TestMovePlanSkipsPrefixLookalikes(t *testing.T) {
	assert.Equal(t, []string{"/dev", "/devices"}, MovePlan([]string{"/dev", "/devices", "/dev/pts"}, "/newroot"))
}

func TestBindReadOnlyRemounts(t *testing.T) {
	m := &flagRecorder{}
	require.NoError(t, Bind(m, "/system/etc", "/newroot/system/etc", true))
	require.Len(t, m.flags, 2)
	assert.Equal(t, uintptr(unix.MS_BIND), m.flags[0])
	assert.NotZero(t, m.flags[1]&unix.MS_RDONLY)
}

type flagRecorder struct {
	recordingMounter
	flags []uintptr
}

func (f *flagRecorder) Mount(source, target, fstype string, flags uintptr, data string) error {
	f.flags = append(f.flags, flags)
	return nil
}

func TestMountListRebase(t *testing.T) {
	l := NewMountList("/dev", "/system_root", "/system_root/debug_ramdisk", "/system_root/system/bin/init")
	l.Rebase("/system_root")
	assert.Equal(t, []string{"/dev", "/debug_ramdisk", "/system/bin/init"}, l.Paths())

	l.Rebase("/")
	assert.Equal(t, []string{"/dev", "/debug_ramdisk", "/system/bin/init"}, l.Paths())
}
