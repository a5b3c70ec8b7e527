package nametools

import (
	"errors"
	"testing"

	"github.com/sio2project/filetracker/internal/fterrors"
	"github.com/stretchr/testify/require"
)

func TestSplitNoVersion(t *testing.T) {
	base, version, has, err := Split("/foo/bar")
	require.NoError(t, err)
	require.False(t, has)
	require.Equal(t, "/foo/bar", base)
	require.Equal(t, int64(0), version)
}

func TestSplitWithVersion(t *testing.T) {
	base, version, has, err := Split("/foo/bar@12345")
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, "/foo/bar", base)
	require.Equal(t, int64(12345), version)
}

func TestSplitBadSuffix(t *testing.T) {
	_, _, _, err := Split("/foo/bar@notanumber")
	require.Error(t, err)
	require.True(t, errors.Is(err, fterrors.ErrInvalidName))
}

func TestSplitAtOutsideFinalSegment(t *testing.T) {
	_, _, _, err := Split("/foo@1/bar")
	require.Error(t, err)
	require.True(t, errors.Is(err, fterrors.ErrInvalidName))
}

func TestJoin(t *testing.T) {
	require.Equal(t, "/foo@7", Join("/foo", 7))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name         string
		allowVersion bool
		wantErr      bool
	}{
		{"/foo/bar", true, false},
		{"/foo/bar@1", true, false},
		{"/foo/bar@1", false, true},
		{"relative", true, true},
		{"/has/../dotdot", true, true},
		{"/two@1@2", true, true},
	}
	for _, c := range cases {
		err := Validate(c.name, c.allowVersion)
		if c.wantErr {
			require.Error(t, err, c.name)
		} else {
			require.NoError(t, err, c.name)
		}
	}
}
