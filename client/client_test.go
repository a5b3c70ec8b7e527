package client

import (
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sio2project/filetracker/internal/nametools"
	"github.com/sio2project/filetracker/server"
	"github.com/sio2project/filetracker/storage"
	"github.com/stretchr/testify/require"
)

func newStandaloneClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{CacheDir: t.TempDir()})
	require.NoError(t, err)
	return c
}

func newClientWithRemote(t *testing.T) *Client {
	t.Helper()
	e, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	srv := httptest.NewServer(server.New(e))
	t.Cleanup(srv.Close)

	c, err := New(Config{CacheDir: t.TempDir(), RemoteURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestNewRejectsConfigWithoutAnyStore(t *testing.T) {
	_, err := New(Config{NoLocal: true})
	require.Error(t, err)
}

func TestStandaloneClientPutThenGetFile(t *testing.T) {
	c := newStandaloneClient(t)

	src := writeTempFile(t, "standalone")
	vname, err := c.PutFile("/s.txt", src, true, true, true)
	require.NoError(t, err)
	require.NotEmpty(t, vname)

	dest := filepath.Join(t.TempDir(), "out.txt")
	gotVname, err := c.GetFile(vname, dest, true, false)
	require.NoError(t, err)
	require.Equal(t, vname, gotVname)
}

func TestStandaloneClientDeleteFile(t *testing.T) {
	c := newStandaloneClient(t)

	src := writeTempFile(t, "to delete")
	vname, err := c.PutFile("/del.txt", src, true, true, true)
	require.NoError(t, err)

	require.NoError(t, c.DeleteFile(vname))
	require.False(t, c.Local.Exists("/del.txt"))
}

func TestStandaloneClientListLocalFiles(t *testing.T) {
	c := newStandaloneClient(t)

	_, err := c.PutFile("/one.txt", writeTempFile(t, "1"), true, true, true)
	require.NoError(t, err)
	_, err = c.PutFile("/two.txt", writeTempFile(t, "2"), true, true, true)
	require.NoError(t, err)

	entries, err := c.ListLocalFiles()
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestClientWithRemotePutReachesBothStores(t *testing.T) {
	c := newClientWithRemote(t)

	src := writeTempFile(t, "both stores")
	vname, err := c.PutFile("/both.txt", src, true, true, true)
	require.NoError(t, err)

	require.True(t, c.Local.Exists(vname))
	require.True(t, c.Remote.Exists(vname))
}

func TestClientWithRemoteUnversionedGetPrefersRemote(t *testing.T) {
	c := newClientWithRemote(t)

	src := writeTempFile(t, "remote copy")
	vname, err := c.PutFile("/pref.txt", src, true, true, true)
	require.NoError(t, err)
	require.NotEmpty(t, vname)

	dest := filepath.Join(t.TempDir(), "out.txt")
	gotVname, err := c.GetFile("/pref.txt", dest, true, false)
	require.NoError(t, err)
	require.Equal(t, vname, gotVname)
}

func TestClientFileVersionPrefersRemote(t *testing.T) {
	c := newClientWithRemote(t)

	src := writeTempFile(t, "v")
	vname, err := c.PutFile("/fv.txt", src, true, true, true)
	require.NoError(t, err)

	v, err := c.FileVersion("/fv.txt")
	require.NoError(t, err)

	_, expected, _, err := nametools.Split(vname)
	require.NoError(t, err)
	require.Equal(t, expected, v)
}

func TestClientGetStreamReturnsReadableContent(t *testing.T) {
	c := newStandaloneClient(t)

	src := writeTempFile(t, "streamed")
	vname, err := c.PutFile("/stream.txt", src, true, true, true)
	require.NoError(t, err)

	stream, gotVname, err := c.GetStream(vname, false, false)
	require.NoError(t, err)
	defer stream.Close()
	require.Equal(t, vname, gotVname)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, "streamed", string(data))
}
