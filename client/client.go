package client

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/sio2project/filetracker/internal/lockmgr"
	"github.com/sio2project/filetracker/internal/nametools"
)

// Environment variables consulted when cacheDir/remoteURL are left
// unset in Config.
const (
	envCacheDir  = "FILETRACKER_DIR"
	envRemoteURL = "FILETRACKER_URL"
)

const defaultCacheDirName = ".filetracker-store"

// Config controls how New builds a Client. An empty Config resolves
// cache directory and remote URL from the environment, exactly like the
// zero-argument Python constructor it replaces.
type Config struct {
	// CacheDir is the local cache root. Empty means consult
	// FILETRACKER_DIR, falling back to ~/.filetracker-store.
	CacheDir string
	// RemoteURL is the base URL of a filetracker HTTP server. Empty
	// means consult FILETRACKER_URL; if still empty, the client is
	// local-only.
	RemoteURL string
	// NoLocal disables the local cache store entirely, even if
	// CacheDir resolves to something.
	NoLocal bool
	// NoLocks disables the lock manager, for callers who already
	// guarantee single-process, single-thread access.
	NoLocks bool
}

// Client is the main filetracker client: a LocalStore cache, an
// optional RemoteStore, and a lock manager mediating between them.
//
// A Client with only a LocalStore is a valid, self-sufficient
// standalone store usable by multiple processes on one machine. A
// Client with both stores treats the remote as authoritative for
// unversioned names and uses the local cache as a fast path for
// versioned ones.
type Client struct {
	Local  *LocalStore
	Remote *RemoteStore
	Locks  *lockmgr.Manager
}

// New builds a Client from cfg, resolving unset fields from the
// environment. It returns an error if neither a local cache directory
// nor a remote URL end up configured.
func New(cfg Config) (*Client, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = os.Getenv(envCacheDir)
	}
	if cacheDir == "" && !cfg.NoLocal {
		home, err := os.UserHomeDir()
		if err == nil {
			cacheDir = filepath.Join(home, defaultCacheDirName)
		}
	}
	if cfg.NoLocal {
		cacheDir = ""
	}

	remoteURL := cfg.RemoteURL
	if remoteURL == "" {
		remoteURL = os.Getenv(envRemoteURL)
	}

	c := &Client{}

	if cacheDir != "" {
		local, err := NewLocalStore(cacheDir)
		if err != nil {
			return nil, err
		}
		c.Local = local

		if !cfg.NoLocks {
			locks, err := lockmgr.New(filepath.Join(cacheDir, "locks"))
			if err != nil {
				return nil, err
			}
			c.Locks = locks
		}
	}
	if remoteURL != "" {
		c.Remote = NewRemoteStore(remoteURL)
	}

	if c.Local == nil && c.Remote == nil {
		return nil, fmt.Errorf("client: neither local nor remote filetracker store is configured")
	}
	return c, nil
}

func (c *Client) lockFor(name string, exclusive bool) (*lockmgr.Lock, error) {
	if c.Locks == nil {
		return nil, nil
	}
	return c.Locks.LockLink(name, exclusive)
}

func unlock(l *lockmgr.Lock) {
	if l != nil {
		l.Unlock()
	}
}

func (c *Client) addToCache(name, path string) {
	if c.Local == nil {
		return
	}
	if _, err := c.Local.AddFile(name, path); err != nil {
		log.Printf("client: error adding %q to cache (from %q): %v", name, path, err)
	}
}

// GetFile retrieves name, writing it to dest, and returns the resulting
// versioned name. If a remote store is configured and name carries no
// explicit version, the local cache is bypassed in favour of the
// remote, since only the remote is guaranteed to have the latest
// version.
func (c *Client) GetFile(name, dest string, addToCache, forceRefresh bool) (string, error) {
	return c.getFile(name, dest, addToCache, forceRefresh, false)
}

func (c *Client) getFile(name, dest string, addToCache, forceRefresh, lockExclusive bool) (string, error) {
	_, _, hasVersion, err := nametools.Split(name)
	if err != nil {
		return "", err
	}

	lock, err := c.lockFor(name, lockExclusive)
	if err != nil {
		return "", err
	}
	if c.Local == nil {
		addToCache = false
	}
	defer unlock(lock)

	if c.Remote == nil || (hasVersion && !forceRefresh) {
		if c.Local != nil && c.Local.Exists(name) {
			return c.Local.GetFile(name, dest)
		}
		if c.Remote == nil {
			return "", fmt.Errorf("client: file not available: %s", name)
		}
	}

	if !lockExclusive && addToCache {
		unlock(lock)
		return c.getFile(name, dest, addToCache, forceRefresh, true)
	}

	vname, err := c.Remote.GetFile(name, dest)
	if err != nil {
		return "", err
	}
	if addToCache {
		c.addToCache(vname, dest)
	}
	return vname, nil
}

// GetStream retrieves name as a readable stream and its versioned name.
// When serveFromCache is set and both stores are configured, the file
// is downloaded into the local cache (if not already present at the
// requested version) and served from there.
func (c *Client) GetStream(name string, forceRefresh, serveFromCache bool) (stream io.ReadCloser, versionedName string, err error) {
	base, version, hasVersion, err := nametools.Split(name)
	if err != nil {
		return nil, "", err
	}

	lock, err := c.lockFor(name, false)
	if err != nil {
		return nil, "", err
	}
	defer unlock(lock)

	if c.Remote == nil || (hasVersion && !forceRefresh) {
		if c.Local != nil && c.Local.Exists(name) {
			return c.Local.GetStream(name)
		}
		if c.Remote == nil {
			return nil, "", fmt.Errorf("client: file not available: %s", name)
		}
	}

	if c.Local != nil && serveFromCache {
		if !hasVersion {
			v, err := c.Remote.FileVersion(name)
			if err == nil {
				version = v
				name = nametools.Join(base, version)
				hasVersion = true
			}
		}
		if forceRefresh || !c.Local.Exists(name) {
			rs, vname, err := c.Remote.GetStream(name)
			if err != nil {
				return nil, "", err
			}
			defer rs.Close()
			tmp, err := os.CreateTemp("", "filetracker-stream-*")
			if err != nil {
				return nil, "", err
			}
			defer os.Remove(tmp.Name())
			if _, err := io.Copy(tmp, rs); err != nil {
				tmp.Close()
				return nil, "", err
			}
			tmp.Close()
			name, err = c.Local.AddFile(vname, tmp.Name())
			if err != nil {
				return nil, "", err
			}
		}
		return c.Local.GetStream(name)
	}
	return c.Remote.GetStream(name)
}

// FileVersion returns the newest available version of name, preferring
// the remote store when one is configured since it is assumed to
// always hold the latest version.
func (c *Client) FileVersion(name string) (int64, error) {
	if c.Remote != nil {
		return c.Remote.FileVersion(name)
	}
	return c.Local.FileVersion(name)
}

// FileSize returns the size of name. This operation does not take a
// lock, so it may race with a concurrent update; use it only for
// informational purposes.
func (c *Client) FileSize(name string, forceRefresh bool) (int64, error) {
	_, _, hasVersion, err := nametools.Split(name)
	if err != nil {
		return 0, err
	}
	if c.Remote == nil || (hasVersion && !forceRefresh) {
		if c.Local != nil && c.Local.Exists(name) {
			return c.Local.FileSize(name)
		}
		if c.Remote == nil {
			return 0, fmt.Errorf("client: file not available: %s", name)
		}
	}
	return c.Remote.FileSize(name)
}

// PutFile adds the file at path under name, returning the resulting
// versioned name. By default the file lands in both configured stores;
// toLocal/toRemote narrow that to one, and are ignored if only one
// store exists. compressHint controls whether the upload is
// client-side gzip-compressed (protocol 2 only); setting it to false
// pushes the compression work to the server instead.
func (c *Client) PutFile(name, path string, toLocal, toRemote, compressHint bool) (string, error) {
	if !toLocal && !toRemote {
		return "", fmt.Errorf("client: neither toLocal nor toRemote set in PutFile")
	}
	if err := nametools.Validate(name, true); err != nil {
		return "", err
	}

	lock, err := c.lockFor(name, true)
	if err != nil {
		return "", err
	}
	defer unlock(lock)

	var versionedName string
	if (toLocal || c.Remote == nil) && c.Local != nil {
		vname, err := c.Local.AddFile(name, path)
		if err != nil {
			return "", err
		}
		versionedName = vname
	}
	if (toRemote || c.Local == nil) && c.Remote != nil {
		remoteName := name
		if versionedName != "" {
			remoteName = versionedName
		}
		vname, err := c.Remote.addFile(remoteName, path, compressHint)
		if err != nil {
			return "", err
		}
		versionedName = vname
	}
	return versionedName, nil
}

// DeleteFile removes name from every configured store.
func (c *Client) DeleteFile(name string) error {
	if c.Local != nil {
		lock, err := c.lockFor(name, true)
		if err != nil {
			return err
		}
		if err := c.Local.DeleteFile(name); err != nil {
			unlock(lock)
			return err
		}
		unlock(lock)
	}
	if c.Remote != nil {
		return c.Remote.DeleteFile(name)
	}
	return nil
}

// ListLocalFiles returns every file known to the local cache. There is
// no remote equivalent: the server's /list endpoint enumerates one
// prefix subtree at a time, not the whole store.
func (c *Client) ListLocalFiles() ([]FileInfoEntry, error) {
	if c.Local == nil {
		return nil, nil
	}
	return c.Local.ListFiles()
}
