package bundlecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic_FinalizesReadOnly(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sub", "index.html")

	require.NoError(t, WriteAtomic(dest, []byte("<html>Hi</html>")))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "<html>Hi</html>", string(data))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())

	// no leftover temp file
	_, err = os.Stat(dest + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestCache_ExistsUIIndex(t *testing.T) {
	c := New(t.TempDir())
	hash := "abc123"

	assert.False(t, c.ExistsUIIndex(hash))

	require.NoError(t, WriteAtomic(filepath.Join(c.UIDir(hash), "index.html"), []byte("hi")))
	assert.True(t, c.ExistsUIIndex(hash))
}

func TestCache_RemoveEntry(t *testing.T) {
	c := New(t.TempDir())
	hash := "deadbeef"
	require.NoError(t, WriteAtomic(filepath.Join(c.UIDir(hash), "index.html"), []byte("hi")))
	require.NoError(t, c.RemoveEntry(hash))
	assert.False(t, c.ExistsUIIndex(hash))
	_, err := os.Stat(c.EntryDir(hash))
	assert.True(t, os.IsNotExist(err))
}

func TestCache_Size(t *testing.T) {
	c := New(t.TempDir())
	hash := "f00d"
	require.NoError(t, WriteAtomic(filepath.Join(c.UIDir(hash), "index.html"), []byte("0123456789")))
	require.NoError(t, WriteAtomic(filepath.Join(c.UIDir(hash), "assets", "a.js"), []byte("01234")))

	size, err := c.Size(hash)
	require.NoError(t, err)
	assert.Equal(t, int64(15), size)
}
