package client

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sio2project/filetracker/internal/nametools"
	"github.com/sio2project/filetracker/server"
	"github.com/sio2project/filetracker/storage"
	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T) *RemoteStore {
	t.Helper()
	e, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	srv := httptest.NewServer(server.New(e))
	t.Cleanup(srv.Close)

	return NewRemoteStore(srv.URL)
}

func TestRemoteStoreNegotiatesProtocolTwo(t *testing.T) {
	r := newTestRemote(t)
	v, err := r.ProtocolVersion()
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestRemoteStoreAddThenGetStreamRoundtrips(t *testing.T) {
	r := newTestRemote(t)

	src := writeTempFile(t, "remote payload")
	vname, err := r.AddFile("/remote.txt", src)
	require.NoError(t, err)
	require.NotEmpty(t, vname)

	stream, gotVname, err := r.GetStream(vname)
	require.NoError(t, err)
	defer stream.Close()
	require.Equal(t, vname, gotVname)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, "remote payload", string(data))
}

func TestRemoteStoreGetFileWritesDest(t *testing.T) {
	r := newTestRemote(t)

	src := writeTempFile(t, "on disk")
	vname, err := r.AddFile("/d.txt", src)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.txt")
	_, err = r.GetFile(vname, dest)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "on disk", string(data))
}

func TestRemoteStoreExistsAndFileSize(t *testing.T) {
	r := newTestRemote(t)

	src := writeTempFile(t, "12345")
	vname, err := r.AddFile("/sized.txt", src)
	require.NoError(t, err)

	require.True(t, r.Exists(vname))
	require.False(t, r.Exists("/missing.txt"))

	size, err := r.FileSize(vname)
	require.NoError(t, err)
	require.Equal(t, int64(5), size)
}

func TestRemoteStoreDeleteFile(t *testing.T) {
	r := newTestRemote(t)

	src := writeTempFile(t, "gone soon")
	vname, err := r.AddFile("/del.txt", src)
	require.NoError(t, err)

	require.NoError(t, r.DeleteFile(vname))
	require.False(t, r.Exists("/del.txt"))
}

func TestRemoteStoreUncompressedUploadWhenHintDisabled(t *testing.T) {
	r := newTestRemote(t)

	src := writeTempFile(t, "plain")
	vname, err := r.addFile("/plain.txt", src, false)
	require.NoError(t, err)

	stream, _, err := r.GetStream(vname)
	require.NoError(t, err)
	defer stream.Close()

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, "plain", string(data))
}

func TestRemoteStoreVersionedGetRejectsMismatch(t *testing.T) {
	r := newTestRemote(t)

	src := writeTempFile(t, "v")
	vname, err := r.AddFile("/mismatch.txt", src)
	require.NoError(t, err)
	base, version, _, err := nametools.Split(vname)
	require.NoError(t, err)

	_, _, err = r.GetStream(nametools.Join(base, version+1))
	require.Error(t, err)
}
