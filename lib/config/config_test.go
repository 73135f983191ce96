package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".magisk")
	content := "KEEPVERITY=true\nKEEPFORCEENCRYPT=false\nRECOVERYMODE=false\n" +
		"PREINITDEVICE=metadata\nSHA1=0123abcd\nOVERLAYSIZE=64MB\nDEBUG=1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := Load(path)
	assert.Equal(t, "metadata", cfg.PreinitDevice)
	assert.True(t, cfg.KeepVerity)
	assert.False(t, cfg.KeepForceEncrypt)
	assert.False(t, cfg.RecoveryMode)
	assert.Equal(t, "0123abcd", cfg.SHA1)
	assert.Equal(t, 64*datasize.MB, cfg.OverlaySize)
	assert.True(t, cfg.Debug)
}

func TestLoadMissingFile(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, &Config{}, cfg)
}

func TestFromMapIgnoresMalformedValues(t *testing.T) {
	cfg := FromMap(map[string]string{
		"KEEPVERITY":  "maybe",
		"OVERLAYSIZE": "lots",
	})
	assert.False(t, cfg.KeepVerity)
	assert.Zero(t, cfg.OverlaySize)
}
