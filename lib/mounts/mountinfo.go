package mounts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// MountInfo is one line of /proc/<pid>/mountinfo.
type MountInfo struct {
	ID     int
	Parent int
	Major  uint32
	Minor  uint32
	Root   string
	Target string
	FSType string
	Source string
}

// Dev returns the combined device number of the mounted filesystem.
func (m MountInfo) Dev() uint64 {
	return unix.Mkdev(m.Major, m.Minor)
}

// ParseMountInfo reads mountinfo lines in table order. Malformed lines are
// skipped.
func ParseMountInfo(r io.Reader) []MountInfo {
	var out []MountInfo
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if m, ok := parseLine(scanner.Text()); ok {
			out = append(out, m)
		}
	}
	return out
}

// ReadMountInfo parses a mountinfo file.
func ReadMountInfo(path string) ([]MountInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()
	return ParseMountInfo(f), nil
}

// IsDeviceMounted reports where dev is mounted. When the device is mounted
// more than once the first entry in table order wins.
func IsDeviceMounted(mountinfoPath string, dev uint64) (string, bool) {
	infos, err := ReadMountInfo(mountinfoPath)
	if err != nil {
		return "", false
	}
	for _, m := range infos {
		if m.Dev() == dev {
			return m.Target, true
		}
	}
	return "", false
}

// 36 35 98:0 /mnt1 /mnt/parent rw,noatime master:1 - ext3 /dev/root rw
func parseLine(line string) (MountInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return MountInfo{}, false
	}
	sep := -1
	for i := 6; i < len(fields); i++ {
		if fields[i] == "-" {
			sep = i
			break
		}
	}
	if sep < 0 || sep+2 >= len(fields) {
		return MountInfo{}, false
	}

	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return MountInfo{}, false
	}
	parent, err := strconv.Atoi(fields[1])
	if err != nil {
		return MountInfo{}, false
	}
	majStr, minStr, ok := strings.Cut(fields[2], ":")
	if !ok {
		return MountInfo{}, false
	}
	major, err := strconv.ParseUint(majStr, 10, 32)
	if err != nil {
		return MountInfo{}, false
	}
	minor, err := strconv.ParseUint(minStr, 10, 32)
	if err != nil {
		return MountInfo{}, false
	}

	return MountInfo{
		ID:     id,
		Parent: parent,
		Major:  uint32(major),
		Minor:  uint32(minor),
		Root:   unescape(fields[3]),
		Target: unescape(fields[4]),
		FSType: fields[sep+1],
		Source: unescape(fields[sep+2]),
	}, true
}

// unescape decodes the octal escapes (\040 and friends) the kernel uses for
// whitespace in mountinfo paths.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
