// Package storage implements the filetracker storage engine: the
// store/delete/storedVersion/logicalSize operations that combine the
// blob pool, link tree, metadata KV and lock manager into one
// consistent on-disk store.
package storage

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sio2project/filetracker/internal/blobstore"
	"github.com/sio2project/filetracker/internal/fterrors"
	"github.com/sio2project/filetracker/internal/linktree"
	"github.com/sio2project/filetracker/internal/lockmgr"
	"github.com/sio2project/filetracker/internal/metakv"
	"github.com/sio2project/filetracker/internal/nametools"
)

// Engine is the on-disk content-addressed storage engine rooted at Dir:
//
//	<root>/blobs/<xx>/<digest>
//	<root>/links/<path>
//	<root>/locks/{links,blobs}/...
//	<root>/db/<xx>
type Engine struct {
	Dir string

	Blobs *blobstore.Store
	Links *linktree.Tree
	Meta  *metakv.Store
	Locks *lockmgr.Manager
}

// Open creates (if necessary) and wires together the four on-disk
// components rooted at dir.
func Open(dir string) (*Engine, error) {
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, err
	}
	links, err := linktree.New(filepath.Join(dir, "links"))
	if err != nil {
		return nil, err
	}
	meta, err := metakv.New(filepath.Join(dir, "db"))
	if err != nil {
		return nil, err
	}
	locks, err := lockmgr.New(filepath.Join(dir, "locks"))
	if err != nil {
		return nil, err
	}
	return &Engine{Dir: dir, Blobs: blobs, Links: links, Meta: meta, Locks: locks}, nil
}

// Close releases resources held by the engine (currently just the
// metadata shards still open from recent transactions).
func (e *Engine) Close() error {
	return e.Meta.Close()
}

// PutRequest describes a store call.
type PutRequest struct {
	Name string
	Data io.Reader
	// Version is the uploader-chosen logical version (seconds since epoch).
	Version int64
	// Size, if non-zero, is the exact byte count available from Data.
	// Some HTTP request bodies never EOF on their own.
	Size int64
	// Compressed indicates Data is already a gzip stream of Digest's
	// decompressed content.
	Compressed bool
	// Hinted indicates the caller has already computed Digest and
	// LogicalSize (e.g. a protocol-2 client that gzip-compressed and
	// hashed the payload itself). When false, the engine computes both
	// from Data via a temp-file pass, even if Digest/LogicalSize happen
	// to be their zero values.
	Hinted bool
	// Digest, when Hinted, is the precomputed SHA-256 of the
	// decompressed content.
	Digest string
	// LogicalSize, when Hinted, is the decompressed byte count.
	LogicalSize int64
}

// Store writes req.Data under req.Name at req.Version, returning the
// version now recorded for name, which may be the caller's Version or,
// if a newer version was already stored, the existing one (a no-op).
func (e *Engine) Store(req PutRequest) (storedVersion int64, err error) {
	if err := nametools.Validate(req.Name, false); err != nil {
		return 0, err
	}

	linkLock, err := e.Locks.LockLink(req.Name, true)
	if err != nil {
		return 0, err
	}
	defer linkLock.Unlock()

	existingDigest, existingVersion, statErr := e.Links.Stat(req.Name)
	linkExisted := statErr == nil
	if linkExisted && existingVersion > req.Version {
		return existingVersion, nil
	}

	digest := req.Digest
	logicalSize := req.LogicalSize
	var tmpPath string
	if !req.Hinted {
		tmpPath, digest, logicalSize, err = materialise(req.Data, req.Size, req.Compressed)
		if err != nil {
			return 0, err
		}
		defer os.Remove(tmpPath)
	}

	blobLock, err := e.Locks.LockBlob(digest, true)
	if err != nil {
		return 0, err
	}

	entry, present, err := e.Meta.Get(digest)
	if err != nil {
		blobLock.Unlock()
		return 0, err
	}

	isNewBlob := !present
	if isNewBlob {
		if err := e.Meta.IncrefNew(digest, logicalSize); err != nil {
			blobLock.Unlock()
			return 0, err
		}
	} else {
		if err := e.Meta.Incref(digest, entry); err != nil {
			blobLock.Unlock()
			return 0, err
		}
	}

	if isNewBlob {
		if tmpPath != "" {
			if req.Compressed {
				if err := e.Blobs.WriteNewFromFile(digest, tmpPath); err != nil {
					blobLock.Unlock()
					return 0, err
				}
				tmpPath = ""
			} else {
				f, openErr := os.Open(tmpPath)
				if openErr != nil {
					blobLock.Unlock()
					return 0, fmt.Errorf("storage: reopening temp file: %w", openErr)
				}
				err = e.Blobs.WriteNew(digest, f, false)
				f.Close()
				if err != nil {
					blobLock.Unlock()
					return 0, err
				}
			}
		} else {
			if err := e.Blobs.WriteNew(digest, req.Data, req.Compressed); err != nil {
				blobLock.Unlock()
				return 0, err
			}
		}
	}
	blobLock.Unlock()

	// If a link already existed (an overwrite with a newer version),
	// decrement the previous digest's refcount using the link lock we
	// already hold (lendLock=true), as in storage.py's store(): this
	// step's blob-lock acquisition for the *previous* digest happens
	// after the new blob's transaction already committed, so the two
	// blob locks are never held at once.
	if linkExisted {
		if _, err := e.deleteLocked(req.Name, req.Version, existingDigest); err != nil {
			return 0, err
		}
	}

	if err := e.Links.Put(req.Name, digest, e.Blobs.Dir, req.Version); err != nil {
		return 0, err
	}

	return req.Version, nil
}

// materialise streams data to a temp file, computing digest and
// logicalSize, and (if data was already gzip-compressed) transparently
// decompresses a second pass to get the decompressed digest/size while
// leaving the on-disk temp file holding the original (compressed) bytes
// when compressed is true, or the raw bytes otherwise.
func materialise(data io.Reader, size int64, compressed bool) (tmpPath, digest string, logicalSize int64, err error) {
	tmp, err := os.CreateTemp("", "filetracker-upload-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("storage: creating temp file: %w", err)
	}
	tmpPath = tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := copyStream(tmp, data, size); err != nil {
		tmp.Close()
		return "", "", 0, fmt.Errorf("storage: spooling upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", 0, fmt.Errorf("storage: closing temp file: %w", err)
	}

	if compressed {
		f, err := os.Open(tmpPath)
		if err != nil {
			return "", "", 0, err
		}
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return "", "", 0, fmt.Errorf("storage: decompressing upload to compute digest: %w", err)
		}
		hr := blobstore.NewHashReader(gr)
		if _, err := io.Copy(io.Discard, hr); err != nil {
			f.Close()
			return "", "", 0, fmt.Errorf("storage: hashing decompressed upload: %w", err)
		}
		f.Close()
		digest, logicalSize = hr.Digest(), hr.N()
	} else {
		f, err := os.Open(tmpPath)
		if err != nil {
			return "", "", 0, err
		}
		hr := blobstore.NewHashReader(f)
		if _, err := io.Copy(io.Discard, hr); err != nil {
			f.Close()
			return "", "", 0, fmt.Errorf("storage: hashing upload: %w", err)
		}
		f.Close()
		digest, logicalSize = hr.Digest(), hr.N()
	}

	success = true
	return tmpPath, digest, logicalSize, nil
}

const copyBufSize = 64 * 1024

// copyStream copies exactly size bytes when size is given, instead of
// relying on the source to EOF, since some HTTP request bodies never
// do.
func copyStream(dst io.Writer, src io.Reader, size int64) (int64, error) {
	if size <= 0 {
		return io.Copy(dst, src)
	}
	return io.CopyN(dst, src, size)
}

// Delete removes name if its stored version is not newer than version.
// It returns false (no-op) if the stored version is already newer.
func (e *Engine) Delete(name string, version int64) (deleted bool, err error) {
	if err := nametools.Validate(name, false); err != nil {
		return false, err
	}
	linkLock, err := e.Locks.LockLink(name, true)
	if err != nil {
		return false, err
	}
	defer linkLock.Unlock()

	digest, linkVersion, statErr := e.Links.Stat(name)
	if statErr != nil {
		return false, fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
	}
	if linkVersion > version {
		return false, nil
	}
	return e.deleteLocked(name, version, digest)
}

// deleteLocked performs the body of Delete assuming the caller already
// holds the link lock (either Delete itself, or Store lending its lock
// to remove a previous version's digest reference during an overwrite).
func (e *Engine) deleteLocked(name string, version int64, digest string) (bool, error) {
	blobLock, err := e.Locks.LockBlob(digest, true)
	if err != nil {
		return false, err
	}

	entry, present, err := e.Meta.Get(digest)
	if err != nil {
		blobLock.Unlock()
		return false, err
	}
	if !present {
		blobLock.Unlock()
		return false, fmt.Errorf("%w: digest %s has no metadata entry for live link %s", fterrors.ErrInternalInconsistency, digest, name)
	}

	removeBlob, err := e.Meta.Decref(digest, entry)
	if err != nil {
		blobLock.Unlock()
		return false, err
	}

	if err := e.Links.Remove(name); err != nil && err != os.ErrNotExist {
		blobLock.Unlock()
		return false, err
	}

	if removeBlob {
		if err := e.Blobs.Remove(digest); err != nil {
			blobLock.Unlock()
			return false, err
		}
	}
	blobLock.Unlock()
	return true, nil
}

// StoredVersion returns the link's mtime, or fterrors.ErrNotFound.
func (e *Engine) StoredVersion(name string) (int64, error) {
	if err := nametools.Validate(name, false); err != nil {
		return 0, err
	}
	_, version, err := e.Links.Stat(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
	}
	return version, nil
}

// LogicalSize reads the target digest through the symlink and consults
// the metadata store for its decompressed size. Absence of a metadata
// entry for a live link's digest signals store corruption
// (fterrors.ErrInternalInconsistency).
func (e *Engine) LogicalSize(name string) (int64, error) {
	if err := nametools.Validate(name, false); err != nil {
		return 0, err
	}
	digest, _, err := e.Links.Stat(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
	}
	entry, present, err := e.Meta.Get(digest)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, fmt.Errorf("%w: digest %s for link %s has no metadata entry", fterrors.ErrInternalInconsistency, digest, name)
	}
	return entry.LogicalSize, nil
}

// OpenBlob opens the compressed bytes for the digest that name's link
// currently points at, along with the link's version and the logical
// (decompressed) size, for streaming by the HTTP server.
func (e *Engine) OpenBlob(name string) (rc io.ReadCloser, compressedSize int64, version int64, logicalSize int64, err error) {
	if err := nametools.Validate(name, true); err != nil {
		return nil, 0, 0, 0, err
	}
	digest, ver, statErr := e.Links.Stat(name)
	if statErr != nil {
		return nil, 0, 0, 0, fmt.Errorf("%w: %s", fterrors.ErrNotFound, name)
	}
	entry, present, err := e.Meta.Get(digest)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	if !present {
		return nil, 0, 0, 0, fmt.Errorf("%w: digest %s for link %s has no metadata entry", fterrors.ErrInternalInconsistency, digest, name)
	}
	rc, compressedSize, err = e.Blobs.Open(digest)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	return rc, compressedSize, ver, entry.LogicalSize, nil
}

// List invokes fn for every link path under prefix whose mtime is
// <= cutoff.
func (e *Engine) List(prefix string, cutoff int64, fn func(relPath string, version, size int64) error) error {
	return e.Links.Walk(prefix, cutoff, fn)
}
