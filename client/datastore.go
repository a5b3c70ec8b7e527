// Package client implements the filetracker client: a LocalStore cache
// and a RemoteStore combined behind cache-coherence rules, plus the
// LocalStore's own degenerate storage engine.
package client

import "io"

// FileInfoEntry describes one stored file, returned by DataStore.List
// and surfaced to the cache cleaner via Client.ListLocalFiles.
type FileInfoEntry struct {
	VersionedName string
	MTime         int64
	Size          int64
}

// DataStore is the capability set shared by LocalStore and RemoteStore:
// add, get, exists, version, size, delete, list.
type DataStore interface {
	// AddFile ingests the local file at path under name, returning the
	// resulting versioned name.
	AddFile(name, path string) (versionedName string, err error)
	// GetStream returns a readable stream for name and its versioned
	// name.
	GetStream(name string) (stream io.ReadCloser, versionedName string, err error)
	// GetFile materialises name into dest, returning the versioned name.
	GetFile(name, dest string) (versionedName string, err error)
	// Exists reports whether name (optionally versioned) is present.
	Exists(name string) bool
	// FileVersion returns the newest available version for name.
	FileVersion(name string) (int64, error)
	// FileSize returns the logical (decompressed) size of name.
	FileSize(name string) (int64, error)
	// DeleteFile removes name. Version mismatches are a no-op, not an
	// error.
	DeleteFile(name string) error
	// ListFiles returns every stored file known to this store.
	ListFiles() ([]FileInfoEntry, error)
}
