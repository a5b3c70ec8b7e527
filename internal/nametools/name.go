// Package nametools implements the filetracker name codec: parsing and
// composing "/path@version" forms and validating logical names.
package nametools

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sio2project/filetracker/internal/fterrors"
)

// Split separates a versioned name "path@version" into its base path and
// version. If name carries no "@", version is 0 and hasVersion is false.
//
// Only the final slash-separated segment may carry an "@"; a name whose
// last "@" is in an earlier segment is rejected with ErrInvalidName
// (there is at most one version marker per name, and it is always at
// the end).
func Split(name string) (base string, version int64, hasVersion bool, err error) {
	idx := strings.LastIndexByte(name, '@')
	if idx < 0 {
		return name, 0, false, nil
	}
	// The "@" must be in the final path segment.
	if strings.IndexByte(name[idx:], '/') >= 0 {
		return "", 0, false, fmt.Errorf("%w: %q: \"@\" outside final segment", fterrors.ErrInvalidName, name)
	}
	v, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false, fmt.Errorf("%w: %q: bad version suffix: %v", fterrors.ErrInvalidName, name, err)
	}
	return name[:idx], v, true, nil
}

// Join composes a versioned name from a base path and a version.
func Join(base string, version int64) string {
	return fmt.Sprintf("%s@%d", base, version)
}

// Validate checks that name is an acceptable logical name: it must be
// absolute (start with "/"), must not contain "..", and must carry at
// most one "@" overall, only in its final segment. If allowVersion is
// false, the name must not carry a version marker at all.
func Validate(name string, allowVersion bool) error {
	if name == "" || name[0] != '/' {
		return fmt.Errorf("%w: %q: must be absolute", fterrors.ErrInvalidName, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q: must not contain \"..\"", fterrors.ErrInvalidName, name)
	}
	if strings.Count(name, "@") > 1 {
		return fmt.Errorf("%w: %q: more than one \"@\"", fterrors.ErrInvalidName, name)
	}
	_, _, hasVersion, err := Split(name)
	if err != nil {
		return err
	}
	if hasVersion && !allowVersion {
		return fmt.Errorf("%w: %q: version not allowed here", fterrors.ErrInvalidName, name)
	}
	return nil
}

// TrimLeadingSlash returns name without its leading "/", as used when
// joining onto a filesystem root with filepath.Join.
func TrimLeadingSlash(name string) string {
	return strings.TrimPrefix(name, "/")
}
