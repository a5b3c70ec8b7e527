package linktree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutStatRemove(t *testing.T) {
	dir := t.TempDir()
	blobRoot := filepath.Join(dir, "blobs")
	require.NoError(t, os.MkdirAll(filepath.Join(blobRoot, "ab"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(blobRoot, "ab", "abcd"), []byte("x"), 0o600))

	tr, err := New(filepath.Join(dir, "links"))
	require.NoError(t, err)

	require.False(t, tr.Exists("/foo/bar"))
	require.NoError(t, tr.Put("/foo/bar", "abcd", blobRoot, 1000))
	require.True(t, tr.Exists("/foo/bar"))

	digest, version, err := tr.Stat("/foo/bar")
	require.NoError(t, err)
	require.Equal(t, "abcd", digest)
	require.Equal(t, int64(1000), version)

	require.NoError(t, tr.Remove("/foo/bar"))
	require.False(t, tr.Exists("/foo/bar"))

	// Parent dirs pruned.
	_, err = os.Stat(filepath.Join(dir, "links", "foo"))
	require.True(t, os.IsNotExist(err))
}

func TestPutOverwritesExistingLink(t *testing.T) {
	dir := t.TempDir()
	blobRoot := filepath.Join(dir, "blobs")
	require.NoError(t, os.MkdirAll(filepath.Join(blobRoot, "ab"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(blobRoot, "ab", "abcd"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(blobRoot, "cd"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(blobRoot, "cd", "cdef"), []byte("y"), 0o600))

	tr, err := New(filepath.Join(dir, "links"))
	require.NoError(t, err)

	require.NoError(t, tr.Put("/foo", "abcd", blobRoot, 1))
	require.NoError(t, tr.Put("/foo", "cdef", blobRoot, 2))

	digest, version, err := tr.Stat("/foo")
	require.NoError(t, err)
	require.Equal(t, "cdef", digest)
	require.Equal(t, int64(2), version)
}

func TestWalkFiltersCutoff(t *testing.T) {
	dir := t.TempDir()
	blobRoot := filepath.Join(dir, "blobs")
	require.NoError(t, os.MkdirAll(filepath.Join(blobRoot, "ab"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(blobRoot, "ab", "abcd"), []byte("x"), 0o600))

	tr, err := New(filepath.Join(dir, "links"))
	require.NoError(t, err)
	require.NoError(t, tr.Put("/a/old", "abcd", blobRoot, 100))
	require.NoError(t, tr.Put("/a/new", "abcd", blobRoot, 200))

	var seen []string
	require.NoError(t, tr.Walk("/a", 150, func(relPath string, version, size int64) error {
		seen = append(seen, relPath)
		return nil
	}))
	require.ElementsMatch(t, []string{"old"}, seen)
}
