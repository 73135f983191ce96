package devices

import "golang.org/x/sys/unix"

// Record is one block device found at boot.
type Record struct {
	// Name is the partition's logical name (PARTNAME, or the boot partition
	// map entry for the device).
	Name string
	// DevName is the kernel device name, e.g. "sda12" or "vdb".
	DevName   string
	Major     uint32
	Minor     uint32
	BlockSize int
}

// Dev returns the combined device number.
func (r Record) Dev() uint64 {
	return unix.Mkdev(r.Major, r.Minor)
}

// Noder creates device nodes.
type Noder interface {
	Mknod(path string, mode uint32, dev uint64) error
}
