// Package lockmgr implements named, cooperative exclusive/shared locks:
// one lock per link path, one per blob digest, retried a bounded number
// of times with a fixed delay so a contended lock yields instead of
// blocking a whole worker. Locking itself is handled by
// github.com/gofrs/flock over flock(2), with a tree-wide lock guarding
// the creation of new per-name lock files.
package lockmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/sio2project/filetracker/internal/fterrors"
	"github.com/sio2project/filetracker/internal/nametools"
)

const (
	// DefaultRetries is the default lock-acquisition retry budget.
	DefaultRetries = 20
	// DefaultDelay is the default delay between retry attempts.
	DefaultDelay = 1 * time.Second
)

// Manager hands out named locks rooted at Dir, with two subtrees:
// Dir/links/<name> and Dir/blobs/<digest>, plus Dir/tree.lock guarding
// the creation of new lock files so two workers never race on the
// intermediate directories of a freshly-used name.
type Manager struct {
	Dir string

	Retries int
	Delay   time.Duration

	treeLock *flock.Flock
}

// New returns a Manager rooted at dir, creating it and its tree-wide
// guard lock file if necessary.
func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("lockmgr: creating root %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "links"), 0o700); err != nil {
		return nil, fmt.Errorf("lockmgr: creating links lock dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o700); err != nil {
		return nil, fmt.Errorf("lockmgr: creating blobs lock dir: %w", err)
	}
	treePath := filepath.Join(dir, "tree.lock")
	return &Manager{
		Dir:      dir,
		Retries:  DefaultRetries,
		Delay:    DefaultDelay,
		treeLock: flock.New(treePath),
	}, nil
}

// Lock is a held, named advisory lock. It must be released with Unlock.
type Lock struct {
	mgr      *Manager
	fl       *flock.Flock
	path     string
	shared   bool
	released bool
}

// LockLink acquires the lock for logical name name (version marker, if
// any, is ignored: locks are not versioned).
func (m *Manager) LockLink(name string, exclusive bool) (*Lock, error) {
	base, _, _, err := nametools.Split(name)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(m.Dir, "links", nametools.TrimLeadingSlash(base))
	return m.lockPath(path, exclusive)
}

// LockBlob acquires the lock for a blob digest.
func (m *Manager) LockBlob(digest string, exclusive bool) (*Lock, error) {
	path := filepath.Join(m.Dir, "blobs", digest)
	return m.lockPath(path, exclusive)
}

// LockTree acquires the tree-wide guard lock itself, held exclusive for
// the whole duration (not just the span of a lock-file creation). It is
// exposed for the recovery utility, which needs every in-progress
// lock-file creation blocked out for the duration of its pass; a live
// server only ever holds this lock briefly, so the two are mutually
// exclusive rather than deadlocking.
func (m *Manager) LockTree() (*Lock, error) {
	if err := m.treeLock.Lock(); err != nil {
		return nil, fmt.Errorf("lockmgr: acquiring tree lock: %w", err)
	}
	return &Lock{mgr: m, fl: m.treeLock, path: m.treeLock.Path()}, nil
}

func (m *Manager) lockPath(path string, exclusive bool) (*Lock, error) {
	if err := m.createLockFile(path); err != nil {
		return nil, err
	}
	fl := flock.New(path)
	lk := &Lock{mgr: m, fl: fl, path: path, shared: !exclusive}

	retries := m.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	delay := m.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	for attempt := 0; attempt < retries; attempt++ {
		var ok bool
		var err error
		if exclusive {
			ok, err = fl.TryLock()
		} else {
			ok, err = fl.TryRLock()
		}
		if err != nil {
			return nil, fmt.Errorf("lockmgr: locking %q: %w", path, err)
		}
		if ok {
			return lk, nil
		}
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("%w: %q after %d attempts", fterrors.ErrConcurrentModification, path, retries)
}

// createLockFile makes sure the lock file and its parent directories
// exist, serialized by the tree-wide guard lock so concurrent creators
// of sibling lock files never race on MkdirAll.
func (m *Manager) createLockFile(path string) error {
	if err := m.treeLock.Lock(); err != nil {
		return fmt.Errorf("lockmgr: acquiring tree lock: %w", err)
	}
	defer m.treeLock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("lockmgr: creating lock dirs for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("lockmgr: creating lock file %q: %w", path, err)
	}
	now := time.Now()
	f.Close()
	// Touch the mtime so a future cleanup pass can age out unused lock
	// files, even though this process just created or reused it.
	os.Chtimes(path, now, now)
	return nil
}

// Upgrade releases a shared lock and reacquires it in exclusive mode.
// There is an unlocked gap between the two: callers relying on
// at-most-one-writer semantics across the gap must re-check state after
// Upgrade returns, exactly as client.Client.getFile does when it
// upgrades its cache-insert lock.
func (l *Lock) Upgrade() (*Lock, error) {
	if err := l.Unlock(); err != nil {
		return nil, err
	}
	return l.mgr.lockPath(l.path, true)
}

// Unlock releases the lock. It is safe to call more than once.
func (l *Lock) Unlock() error {
	if l.released {
		return nil
	}
	l.released = true
	return l.fl.Unlock()
}
