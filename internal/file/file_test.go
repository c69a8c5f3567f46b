package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Error(t, EnsureDir(""))
}

func TestWriteAtomicOverwritesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "out.bin")

	require.NoError(t, WriteAtomic(target, []byte("first")))
	require.NoError(t, WriteAtomic(target, []byte("second")))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, IsTemp(e.Name()), "temp file left behind: %s", e.Name())
	}
}

func TestCopyAtomicFailedReaderKeepsPreviousContent(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, WriteAtomic(target, []byte("keep")))

	err := CopyAtomic(target, failingReader{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "copy to temp"))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))
}

func TestRemoveIfExists(t *testing.T) {
	target := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, RemoveIfExists(target))

	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	require.NoError(t, RemoveIfExists(target))
	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, os.ErrClosed }
