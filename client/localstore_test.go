package client

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sio2project/filetracker/internal/nametools"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "src-*")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestLocalStoreAddThenGetRoundtrips(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := writeTempFile(t, "hello world")
	vname, err := store.AddFile("/a/b.txt", src)
	require.NoError(t, err)

	base, _, hasVersion, err := nametools.Split(vname)
	require.NoError(t, err)
	require.True(t, hasVersion)
	require.Equal(t, "/a/b.txt", base)

	require.True(t, store.Exists(vname))

	stream, gotVname, err := store.GetStream(vname)
	require.NoError(t, err)
	defer stream.Close()
	require.Equal(t, vname, gotVname)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestLocalStoreAddDoesNotRegressVersion(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := writeTempFile(t, "first")
	_, err = store.AddFile(nametools.Join("/x.txt", 2000), src)
	require.NoError(t, err)

	olderSrc := writeTempFile(t, "stale")
	vname, err := store.AddFile(nametools.Join("/x.txt", 1000), olderSrc)
	require.NoError(t, err)

	_, version, _, err := nametools.Split(vname)
	require.NoError(t, err)
	require.Equal(t, int64(2000), version)
}

func TestLocalStoreGetFileHardlinks(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := writeTempFile(t, "payload")
	vname, err := store.AddFile("/f.bin", src)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.bin")
	gotVname, err := store.GetFile(vname, dest)
	require.NoError(t, err)
	require.Equal(t, vname, gotVname)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestLocalStoreVersionMismatchIsNotFound(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := writeTempFile(t, "v1")
	vname, err := store.AddFile(nametools.Join("/versioned.txt", 100), src)
	require.NoError(t, err)
	require.NotEmpty(t, vname)

	_, _, err = store.GetStream(nametools.Join("/versioned.txt", 999))
	require.Error(t, err)
}

func TestLocalStoreDeleteFilePrunesEmptyDirs(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := writeTempFile(t, "data")
	vname, err := store.AddFile("/nested/dir/file.txt", src)
	require.NoError(t, err)

	require.NoError(t, store.DeleteFile(vname))
	require.False(t, store.Exists("/nested/dir/file.txt"))

	_, err = os.Stat(filepath.Join(store.filesDir(), "nested"))
	require.True(t, os.IsNotExist(err))
}

func TestLocalStoreDeleteFileVersionMismatchIsNoOp(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := writeTempFile(t, "data")
	vname, err := store.AddFile("/keep.txt", src)
	require.NoError(t, err)
	_, version, _, err := nametools.Split(vname)
	require.NoError(t, err)

	err = store.DeleteFile(nametools.Join("/keep.txt", version-1))
	require.NoError(t, err)
	require.True(t, store.Exists("/keep.txt"))
}

func TestLocalStoreListFiles(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.AddFile("/one.txt", writeTempFile(t, "1"))
	require.NoError(t, err)
	_, err = store.AddFile("/dir/two.txt", writeTempFile(t, "22"))
	require.NoError(t, err)

	entries, err := store.ListFiles()
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestFileVersionMatchesMtime(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	src := writeTempFile(t, "x")
	vname, err := store.AddFile("/timed.txt", src)
	require.NoError(t, err)

	_, version, _, err := nametools.Split(vname)
	require.NoError(t, err)
	require.InDelta(t, time.Now().Unix(), version, 5)
}
