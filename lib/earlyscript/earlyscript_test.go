package earlyscript

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpawner struct {
	calls    [][]string
	statuses map[string]int
}

func (f *fakeSpawner) Run(argv []string) (int, error) {
	f.calls = append(f.calls, argv)
	return f.statuses[argv[0]], nil
}

func setupTestDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("#!/bin/sh\n"), 0755))
	}
	return dir
}

func TestRunNoArtifacts(t *testing.T) {
	sp := &fakeSpawner{}
	Run(context.Background(), setupTestDir(t), sp)
	assert.Empty(t, sp.calls)
}

func TestRunInterpreterAndScript(t *testing.T) {
	dir := setupTestDir(t, Interpreter, Script)
	sp := &fakeSpawner{}

	Run(context.Background(), dir, sp)

	require.Len(t, sp.calls, 1)
	assert.Equal(t, []string{filepath.Join(dir, Interpreter), "sh", filepath.Join(dir, Script)}, sp.calls[0])
}

func TestRunPrimaryFallsBackOnExecFailure(t *testing.T) {
	dir := setupTestDir(t, Primary, Interpreter)
	sp := &fakeSpawner{statuses: map[string]int{filepath.Join(dir, Primary): ExecFailed}}

	Run(context.Background(), dir, sp)

	require.Len(t, sp.calls, 2)
	assert.Equal(t, []string{filepath.Join(dir, Primary)}, sp.calls[0])
	assert.Equal(t, []string{filepath.Join(dir, Interpreter), "sh", filepath.Join(dir, Primary)}, sp.calls[1])
}

func TestRunPrimarySuccessIsFinal(t *testing.T) {
	dir := setupTestDir(t, Primary, Interpreter, Script)
	sp := &fakeSpawner{}

	Run(context.Background(), dir, sp)

	assert.Equal(t, [][]string{{filepath.Join(dir, Primary)}}, sp.calls)
}

func TestRunPrimaryExecFailureWithoutBusybox(t *testing.T) {
	dir := setupTestDir(t, Primary, Script)
	sp := &fakeSpawner{statuses: map[string]int{filepath.Join(dir, Primary): ExecFailed}}

	Run(context.Background(), dir, sp)

	assert.Len(t, sp.calls, 1)
}

func TestRunScriptWithoutInterpreter(t *testing.T) {
	sp := &fakeSpawner{}
	Run(context.Background(), setupTestDir(t, Script), sp)
	assert.Empty(t, sp.calls)
}

func TestRunIgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, Primary), 0755))
	sp := &fakeSpawner{}

	Run(context.Background(), dir, sp)
	assert.Empty(t, sp.calls)
}

func TestSpawners(t *testing.T) {
	dir := t.TempDir()
	exit3 := filepath.Join(dir, "exit3")
	require.NoError(t, os.WriteFile(exit3, []byte("#!/bin/sh\nexit 3\n"), 0755))
	noShebang := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(noShebang, []byte("exit 0\n"), 0755))

	for name, sp := range map[string]Spawner{"exec": ExecSpawner{}, "raw": RawSpawner{}} {
		t.Run(name, func(t *testing.T) {
			status, err := sp.Run([]string{exit3})
			require.NoError(t, err)
			assert.Equal(t, 3, status)

			status, err = sp.Run([]string{noShebang})
			require.NoError(t, err)
			assert.Equal(t, ExecFailed, status)

			status, err = sp.Run([]string{filepath.Join(dir, "missing")})
			require.NoError(t, err)
			assert.Equal(t, ExecFailed, status)
		})
	}
}
