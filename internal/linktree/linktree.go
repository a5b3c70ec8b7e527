// Package linktree maintains the symlink mirror of the logical namespace:
// each logical name is a symlink under the tree's root pointing at a blob
// in the blob pool, with the link's own mtime carrying the logical version.
package linktree

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sio2project/filetracker/internal/nametools"
)

// Tree is a symlink forest rooted at Dir mirroring logical names.
type Tree struct {
	Dir string
}

// New returns a Tree rooted at dir, creating it if necessary.
func New(dir string) (*Tree, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("linktree: creating root %q: %w", dir, err)
	}
	return &Tree{Dir: dir}, nil
}

func (t *Tree) path(name string) string {
	return filepath.Join(t.Dir, nametools.TrimLeadingSlash(name))
}

// Put creates or replaces the symlink at name so that it points at the
// blob for digest within blobRoot, and sets the link's own mtime to
// version. The caller is responsible for holding the per-name lock and
// for the refcount bookkeeping of any digest this overwrites.
func (t *Tree) Put(name, digest, blobRoot string, version int64) error {
	linkPath := t.path(name)
	dir := filepath.Dir(linkPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("linktree: creating parent dirs for %q: %w", name, err)
	}

	target, err := filepath.Rel(dir, filepath.Join(blobRoot, digest[:2], digest))
	if err != nil {
		return fmt.Errorf("linktree: computing relative target for %q: %w", name, err)
	}

	// Remove any existing link first: os.Symlink fails if the path exists.
	if _, err := os.Lstat(linkPath); err == nil {
		if err := os.Remove(linkPath); err != nil {
			return fmt.Errorf("linktree: replacing existing link %q: %w", name, err)
		}
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return fmt.Errorf("linktree: creating link %q: %w", name, err)
	}

	tv := unix.NsecToTimeval(time.Unix(version, 0).UnixNano())
	if err := unix.Lutimes(linkPath, []unix.Timeval{tv, tv}); err != nil {
		return fmt.Errorf("linktree: setting mtime on %q: %w", name, err)
	}
	return nil
}

// Stat returns the digest the link for name points at and its mtime
// (the logical version). It returns os.ErrNotExist if the link does not
// exist.
func (t *Tree) Stat(name string) (digest string, version int64, err error) {
	linkPath := t.path(name)
	fi, err := os.Lstat(linkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, os.ErrNotExist
		}
		return "", 0, fmt.Errorf("linktree: stat %q: %w", name, err)
	}
	target, err := os.Readlink(linkPath)
	if err != nil {
		return "", 0, fmt.Errorf("linktree: readlink %q: %w", name, err)
	}
	return filepath.Base(target), fi.ModTime().Unix(), nil
}

// Exists reports whether a link exists at name.
func (t *Tree) Exists(name string) bool {
	_, err := os.Lstat(t.path(name))
	return err == nil
}

// Remove unlinks the symlink at name and prunes now-empty parent
// directories upward, stopping at the tree root.
func (t *Tree) Remove(name string) error {
	linkPath := t.path(name)
	if err := os.Remove(linkPath); err != nil {
		if os.IsNotExist(err) {
			return os.ErrNotExist
		}
		return fmt.Errorf("linktree: removing link %q: %w", name, err)
	}
	t.pruneEmptyParents(filepath.Dir(linkPath))
	return nil
}

// pruneEmptyParents removes dir and its ancestors, up to but excluding
// the tree root, as long as each is empty. Errors are ignored: a
// directory that fails to remove (not empty, raced by a concurrent
// writer) simply stays.
func (t *Tree) pruneEmptyParents(dir string) {
	root := filepath.Clean(t.Dir)
	for {
		dir = filepath.Clean(dir)
		if dir == root || dir == "." || dir == string(filepath.Separator) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Walk lists every link path under prefix (relative to prefix, with no
// leading "/") whose mtime is <= cutoff, calling fn for each.
func (t *Tree) Walk(prefix string, cutoff int64, fn func(relPath string, version int64, size int64) error) error {
	root := t.path(prefix)
	fi, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return os.ErrNotExist
		}
		return fmt.Errorf("linktree: stat prefix %q: %w", prefix, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("linktree: prefix %q is not a directory", prefix)
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		linkInfo, statErr := os.Lstat(path)
		if statErr != nil {
			return statErr
		}
		if linkInfo.ModTime().Unix() > cutoff {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		targetInfo, statErr := os.Stat(path)
		var size int64
		if statErr == nil {
			size = targetInfo.Size()
		}
		return fn(rel, linkInfo.ModTime().Unix(), size)
	})
}

// LinkEntry describes one entry found during a ForEachLink pass.
type LinkEntry struct {
	// RelPath is the logical name, relative to the tree root, leading
	// slash included.
	RelPath string
	// Digest is the blob digest the link resolves to. Empty if Broken.
	Digest string
	// Broken is true if the entry is not a symlink, or its target does
	// not resolve to an existing file.
	Broken bool
}

// ForEachLink walks the entire tree, reporting every entry found
// (including broken ones), used by the recovery utility to rebuild
// refcounts from scratch. Unlike Walk, there is no prefix or mtime
// filter: recovery must see everything.
func (t *Tree) ForEachLink(fn func(entry LinkEntry) error) error {
	return filepath.Walk(t.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(t.Dir, path)
		if relErr != nil {
			return relErr
		}
		rel = "/" + filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink == 0 {
			return fn(LinkEntry{RelPath: rel, Broken: true})
		}
		target, err := os.Readlink(path)
		if err != nil {
			return fn(LinkEntry{RelPath: rel, Broken: true})
		}
		targetPath := filepath.Join(filepath.Dir(path), target)
		if _, statErr := os.Stat(targetPath); statErr != nil {
			return fn(LinkEntry{RelPath: rel, Broken: true})
		}
		return fn(LinkEntry{RelPath: rel, Digest: filepath.Base(targetPath)})
	})
}
