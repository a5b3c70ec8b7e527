package client

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sio2project/filetracker/internal/fterrors"
	"github.com/sio2project/filetracker/internal/nametools"
)

// LocalStore is the degenerate storage engine backing the client cache:
// plain files named by logical path directly under <dir>/files/<name>,
// with the file's own mtime carrying the version and no compression or
// content-addressing.
type LocalStore struct {
	// Dir is the cache root; files live under Dir/files.
	Dir string
}

// NewLocalStore returns a LocalStore rooted at dir, creating
// dir/files if necessary.
func NewLocalStore(dir string) (*LocalStore, error) {
	filesDir := filepath.Join(dir, "files")
	if err := os.MkdirAll(filesDir, 0o700); err != nil {
		return nil, fmt.Errorf("localstore: creating %q: %w", filesDir, err)
	}
	return &LocalStore{Dir: dir}, nil
}

func (l *LocalStore) filesDir() string { return filepath.Join(l.Dir, "files") }

func (l *LocalStore) path(name string) (string, int64, bool, error) {
	base, version, hasVersion, err := nametools.Split(name)
	if err != nil {
		return "", 0, false, err
	}
	return filepath.Join(l.filesDir(), nametools.TrimLeadingSlash(base)), version, hasVersion, nil
}

func fileVersion(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.ModTime().Unix(), nil
}

// AddFile ingests the file at srcPath under name, hardlinking when
// possible (same filesystem, distinct path) and falling back to a copy
// otherwise.
func (l *LocalStore) AddFile(name, srcPath string) (string, error) {
	dst, version, hasVersion, err := l.path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return "", fmt.Errorf("localstore: creating parent dirs: %w", err)
	}

	if hasVersion {
		if existingVersion, err := fileVersion(dst); err == nil && existingVersion >= version {
			base, _, _, _ := nametools.Split(name)
			return nametools.Join(base, existingVersion), nil
		}
	}

	if err := linkOrCopy(srcPath, dst); err != nil {
		return "", err
	}
	if hasVersion {
		ts := time.Unix(version, 0)
		if err := os.Chtimes(dst, ts, ts); err != nil {
			return "", fmt.Errorf("localstore: setting mtime: %w", err)
		}
	}
	finalVersion, err := fileVersion(dst)
	if err != nil {
		return "", err
	}
	base, _, _, _ := nametools.Split(name)
	return nametools.Join(base, finalVersion), nil
}

// linkOrCopy hardlinks src to dst, falling back to a byte copy if the
// link fails (e.g. cross-device).
func linkOrCopy(src, dst string) error {
	if samePath(src, dst) {
		return nil
	}
	os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("localstore: opening source %q: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("localstore: creating dest %q: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("localstore: copying %q to %q: %w", src, dst, err)
	}
	return nil
}

func samePath(a, b string) bool {
	ai, aerr := os.Stat(a)
	bi, berr := os.Stat(b)
	if aerr != nil || berr != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

// GetStream opens name for reading.
func (l *LocalStore) GetStream(name string) (io.ReadCloser, string, error) {
	path, version, hasVersion, err := l.path(name)
	if err != nil {
		return nil, "", err
	}
	actualVersion, err := fileVersion(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
		}
		return nil, "", err
	}
	if hasVersion && actualVersion != version {
		return nil, "", fmt.Errorf("%w: %s: have %d", fterrors.ErrNotFound, name, actualVersion)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("localstore: opening %q: %w", name, err)
	}
	base, _, _, _ := nametools.Split(name)
	return f, nametools.Join(base, actualVersion), nil
}

// GetFile materialises name into dest via hardlink-or-copy.
func (l *LocalStore) GetFile(name, dest string) (string, error) {
	path, version, hasVersion, err := l.path(name)
	if err != nil {
		return "", err
	}
	actualVersion, err := fileVersion(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
		}
		return "", err
	}
	if hasVersion && actualVersion != version {
		return "", fmt.Errorf("%w: %s: have %d", fterrors.ErrNotFound, name, actualVersion)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return "", fmt.Errorf("localstore: creating dest dirs: %w", err)
	}
	if err := linkOrCopy(path, dest); err != nil {
		return "", err
	}
	base, _, _, _ := nametools.Split(name)
	return nametools.Join(base, actualVersion), nil
}

// Exists reports whether name (optionally versioned) is present.
func (l *LocalStore) Exists(name string) bool {
	path, version, hasVersion, err := l.path(name)
	if err != nil {
		return false
	}
	actualVersion, err := fileVersion(path)
	if err != nil {
		return false
	}
	if hasVersion && actualVersion != version {
		return false
	}
	return true
}

// FileVersion returns the current on-disk mtime for name.
func (l *LocalStore) FileVersion(name string) (int64, error) {
	path, _, _, err := l.path(name)
	if err != nil {
		return 0, err
	}
	v, err := fileVersion(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
		}
		return 0, err
	}
	return v, nil
}

// FileSize returns the byte size of name, failing if a requested
// version doesn't match what's on disk.
func (l *LocalStore) FileSize(name string) (int64, error) {
	path, version, hasVersion, err := l.path(name)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
		}
		return 0, err
	}
	if hasVersion && fi.ModTime().Unix() != version {
		return 0, fmt.Errorf("%w: version not found: %s", fterrors.ErrNotFound, name)
	}
	return fi.Size(), nil
}

// DeleteFile removes name if its on-disk version matches (or no version
// was requested), pruning now-empty parent directories. A version
// mismatch or missing file is a silent no-op.
func (l *LocalStore) DeleteFile(name string) error {
	path, version, hasVersion, err := l.path(name)
	if err != nil {
		return err
	}
	if hasVersion {
		actual, err := fileVersion(path)
		if err != nil || actual != version {
			return nil
		}
	}
	if err := os.Remove(path); err != nil {
		return nil
	}
	dir := filepath.Dir(path)
	for dir != l.filesDir() {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// ListFiles walks the cache and returns every stored file.
func (l *LocalStore) ListFiles() ([]FileInfoEntry, error) {
	var result []FileInfoEntry
	root := l.filesDir()
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := "/" + filepath.ToSlash(rel)
		result = append(result, FileInfoEntry{
			VersionedName: nametools.Join(name, info.ModTime().Unix()),
			MTime:         info.ModTime().Unix(),
			Size:          info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: listing files: %w", err)
	}
	return result, nil
}

var _ DataStore = (*LocalStore)(nil)
