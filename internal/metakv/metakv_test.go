package metakv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncrefNewGetDecref(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	digest := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

	_, present, err := s.Get(digest)
	require.NoError(t, err)
	require.False(t, present)

	require.NoError(t, s.IncrefNew(digest, 42))

	entry, present, err := s.Get(digest)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, int64(1), entry.Count)
	require.Equal(t, int64(42), entry.LogicalSize)

	require.NoError(t, s.Incref(digest, entry))
	entry, present, err = s.Get(digest)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, int64(2), entry.Count)

	removedLast, err := s.Decref(digest, entry)
	require.NoError(t, err)
	require.False(t, removedLast)

	entry, present, err = s.Get(digest)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, int64(1), entry.Count)

	removedLast, err = s.Decref(digest, entry)
	require.NoError(t, err)
	require.True(t, removedLast)

	_, present, err = s.Get(digest)
	require.NoError(t, err)
	require.False(t, present)
}

func TestForEachDigest(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	d1 := "1111111111111111111111111111111111111111111111111111111111111111"[:64]
	d2 := "2222222222222222222222222222222222222222222222222222222222222222"[:64]
	require.NoError(t, s.IncrefNew(d1, 10))
	require.NoError(t, s.IncrefNew(d2, 20))

	seen := map[string]int64{}
	require.NoError(t, s.ForEachDigest(func(digest string, entry Entry) error {
		seen[digest] = entry.LogicalSize
		return nil
	}))
	require.Equal(t, map[string]int64{d1: 10, d2: 20}, seen)
}

func TestSetCountAndDeleteEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close()

	digest := "3333333333333333333333333333333333333333333333333333333333333333"[:64]

	require.NoError(t, s.SetCount(digest, 5, 99))
	entry, present, err := s.Get(digest)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, int64(5), entry.Count)
	require.Equal(t, int64(99), entry.LogicalSize)

	require.NoError(t, s.SetCount(digest, 3, 99))
	entry, _, err = s.Get(digest)
	require.NoError(t, err)
	require.Equal(t, int64(3), entry.Count)

	require.NoError(t, s.DeleteEntry(digest))
	_, present, err = s.Get(digest)
	require.NoError(t, err)
	require.False(t, present)
}
