package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKmsgHandlerFormatsOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelDebug)

	log.Info("mirrored root", "phase", "overlay", "entries", 12)
	log.With("phase", "sepolicy").Error("commit failed", "error", "boom")

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "<6>magiskinit: [overlay] mirrored root entries=12", lines[0])
	assert.Equal(t, "<3>magiskinit: [sepolicy] commit failed error=boom", lines[1])
}

func TestKmsgHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo)

	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Equal(t, "<4>magiskinit: shown\n", buf.String())
}

func TestKmsgHandlerGroupPrefixesKeys(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, nil)

	log.WithGroup("dev").Info("found", "name", "system")
	assert.Equal(t, "<6>magiskinit: found dev.name=system\n", buf.String())
}

func TestKmsgHandlerGroupAppliesToLaterAttrsOnly(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, nil)

	log.With("slot", "_a").WithGroup("dev").With("major", 259).Info("found", "name", "system")
	assert.Equal(t, "<6>magiskinit: found slot=_a dev.major=259 dev.name=system\n", buf.String())
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, nil)

	ctx := AddToContext(context.Background(), log)
	assert.Same(t, log, FromContext(ctx))
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
