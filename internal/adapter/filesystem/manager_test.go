package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "models"))
	require.NoError(t, err)
	return m
}

func TestManager_Paths(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, filepath.Join(m.RootDir(), "m.gguf"), m.ModelPath("m.gguf"))
	assert.Equal(t, filepath.Join(m.RootDir(), "m.gguf.downloading"), m.PartialPath("m.gguf"))
}

func TestManager_OpenAppendResumesAtOffset(t *testing.T) {
	m := newTestManager(t)
	path := m.PartialPath("m.bin")

	f, err := m.OpenAppend(path, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Bytes past the offset are dropped before appending
	f, err = m.OpenAppend(path, 5)
	require.NoError(t, err)
	_, err = f.Write([]byte("!!"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello!!", string(data))

	size, err := m.Size(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), size)
}

func TestManager_OpenAppendRejectsOffsetPastEnd(t *testing.T) {
	m := newTestManager(t)
	_, err := m.OpenAppend(m.PartialPath("m.bin"), 10)
	assert.Error(t, err)

	_, err = m.OpenAppend(m.PartialPath("m.bin"), -1)
	assert.Error(t, err)
}

func TestManager_PromoteAndReadDir(t *testing.T) {
	m := newTestManager(t)

	f, err := m.OpenAppend(m.PartialPath("b.bin"), 0)
	require.NoError(t, err)
	_, _ = f.Write([]byte("abc"))
	require.NoError(t, f.Close())

	require.NoError(t, os.WriteFile(m.ModelPath("a.bin"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(m.PartialPath("c.bin"), []byte("partial"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(m.RootDir(), "sub"), 0755))

	require.NoError(t, m.Promote(m.PartialPath("b.bin"), m.ModelPath("b.bin")))
	assert.False(t, m.Exists(m.PartialPath("b.bin")))
	assert.True(t, m.Exists(m.ModelPath("b.bin")))

	files, err := m.ReadDir(m.RootDir())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.bin", files[0].Name)
	assert.Equal(t, "b.bin", files[1].Name)
	assert.Equal(t, int64(3), files[1].Size)
	assert.Equal(t, m.ModelPath("b.bin"), files[1].Path)
	assert.False(t, files[1].Modified.IsZero())
}

func TestManager_DeleteIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	path := m.ModelPath("x.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.NoError(t, m.Delete(path))
	require.NoError(t, m.Delete(path))
	assert.False(t, m.Exists(path))
}

func TestManager_DiskUsage(t *testing.T) {
	m := newTestManager(t)
	usage, err := m.DiskUsage()
	require.NoError(t, err)
	assert.Greater(t, usage.Total, uint64(0))
	assert.LessOrEqual(t, usage.Free, usage.Total)
}
