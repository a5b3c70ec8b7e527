package blobstore

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteNewAndOpenRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	digest := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"
	require.False(t, s.Exists(digest))

	require.NoError(t, s.WriteNew(digest, bytes.NewReader([]byte("hello world")), false))
	require.True(t, s.Exists(digest))

	rc, size, err := s.Open(digest)
	require.NoError(t, err)
	defer rc.Close()
	require.Greater(t, size, int64(0))

	gr, err := gzip.NewReader(rc)
	require.NoError(t, err)
	got, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestWriteNewAlreadyCompressed(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("precompressed"))
	gw.Close()

	digest := "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"[:64]
	require.NoError(t, s.WriteNew(digest, bytes.NewReader(buf.Bytes()), true))

	rc, _, err := s.Open(digest)
	require.NoError(t, err)
	defer rc.Close()
	gr, err := gzip.NewReader(rc)
	require.NoError(t, err)
	got, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Equal(t, "precompressed", string(got))
}

func TestRemoveIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	digest := "0000000000000000000000000000000000000000000000000000000000000000"[:64]
	require.NoError(t, s.Remove(digest))
	require.NoError(t, s.WriteNew(digest, bytes.NewReader([]byte("x")), false))
	require.NoError(t, s.Remove(digest))
	require.NoError(t, s.Remove(digest))
	require.False(t, s.Exists(digest))
}

func TestHashReaderTracksDigestAndSize(t *testing.T) {
	hr := NewHashReader(bytes.NewReader([]byte("abc")))
	got, err := io.ReadAll(hr)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
	require.Equal(t, int64(3), hr.N())
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hr.Digest())
}
