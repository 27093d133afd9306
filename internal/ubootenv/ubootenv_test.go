package ubootenv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T, size int) *Env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "env")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return &Env{path: path, size: size, values: map[string]string{}}
}

func TestSetSaveLoadRoundTrip(t *testing.T) {
	e := newTestEnv(t, 4096)
	e.Set("fw_priority_sw1", "0")
	e.Set("bootcount", "1")
	require.NoError(t, e.Save())

	reloaded := &Env{path: e.path, size: e.size, values: map[string]string{}}
	require.NoError(t, reloaded.load())

	v, ok := reloaded.Get("fw_priority_sw1")
	require.True(t, ok)
	require.Equal(t, "0", v)

	v, ok = reloaded.Get("bootcount")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestLoadRejectsCorruptCRC(t *testing.T) {
	e := newTestEnv(t, 4096)
	e.Set("k", "v")
	require.NoError(t, e.Save())

	raw, err := os.ReadFile(e.path)
	require.NoError(t, err)
	raw[4] ^= 0xff // corrupt one byte of the body
	require.NoError(t, os.WriteFile(e.path, raw, 0o644))

	corrupt := &Env{path: e.path, size: e.size, values: map[string]string{}}
	require.Error(t, corrupt.load())
}

func TestSaveRejectsOversizeEnvironment(t *testing.T) {
	e := newTestEnv(t, 8)
	e.Set("key-too-long-for-this-partition", "value")
	require.Error(t, e.Save())
}

func TestSetPriorityMirrorsFlashIDAndPersists(t *testing.T) {
	e := newTestEnv(t, 4096)
	require.NoError(t, e.SetPriority("sw1", 2))

	v, ok := e.Get("fw_priority_sw1")
	require.True(t, ok)
	require.Equal(t, "2", v)

	reloaded := &Env{path: e.path, size: e.size, values: map[string]string{}}
	require.NoError(t, reloaded.load())
	v, ok = reloaded.Get("fw_priority_sw1")
	require.True(t, ok)
	require.Equal(t, "2", v)
}
