package bootconfig

import (
	"strings"

	"github.com/samber/lo"
)

// KeyValue maps a partition logical name to a physical device path.
type KeyValue struct {
	Key   string
	Value string
	// Override marks entries allowed to replace an earlier mapping.
	Override bool
}

// PartitionMap is an ordered partition-name to device mapping. Entries
// accumulate: a later entry for a known name is dropped unless it is marked
// override-capable.
type PartitionMap struct {
	entries []KeyValue
}

// Add records name -> dev. It reports whether the map changed.
func (m *PartitionMap) Add(name, dev string, override bool) bool {
	if name == "" || dev == "" {
		return false
	}
	for i := range m.entries {
		if m.entries[i].Key != name {
			continue
		}
		if !override || m.entries[i].Value == dev {
			return false
		}
		m.entries[i].Value = dev
		m.entries[i].Override = true
		return true
	}
	m.entries = append(m.entries, KeyValue{Key: name, Value: dev, Override: override})
	return true
}

// Lookup returns the device mapped to a partition name.
func (m *PartitionMap) Lookup(name string) (string, bool) {
	e, ok := lo.Find(m.entries, func(e KeyValue) bool {
		return e.Key == name
	})
	return e.Value, ok
}

// NameOf returns the partition name mapped to a device. The device may be
// given as a bare name ("vdb") or a path ending in it.
func (m *PartitionMap) NameOf(dev string) (string, bool) {
	e, ok := lo.Find(m.entries, func(e KeyValue) bool {
		return e.Value == dev || strings.HasSuffix(e.Value, "/"+dev)
	})
	return e.Key, ok
}

// Entries returns a copy of the mapping in insertion order.
func (m *PartitionMap) Entries() []KeyValue {
	out := make([]KeyValue, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of mapped partitions.
func (m *PartitionMap) Len() int {
	return len(m.entries)
}
