package bootconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoundedTruncates(t *testing.T) {
	b := NewBounded(4)
	assert.True(t, b.Set("abcdef"))
	assert.Equal(t, "abc", b.String())
	assert.Equal(t, 4, b.Cap())
}

func TestBoundedRejectsNUL(t *testing.T) {
	b := NewBounded(8)
	b.Set("ok")
	assert.False(t, b.Set("a\x00b"))
	assert.Equal(t, "ok", b.String())
}

func TestPartitionMapFirstWins(t *testing.T) {
	var m PartitionMap
	assert.True(t, m.Add("system", "/dev/block/sda1", false))
	assert.False(t, m.Add("system", "/dev/block/sdb1", false))
	dev, _ := m.Lookup("system")
	assert.Equal(t, "/dev/block/sda1", dev)

	assert.True(t, m.Add("system", "/dev/block/sdc1", true))
	dev, _ = m.Lookup("system")
	assert.Equal(t, "/dev/block/sdc1", dev)
	assert.Equal(t, 1, m.Len())

	name, ok := m.NameOf("sdc1")
	assert.True(t, ok)
	assert.Equal(t, "system", name)
}
