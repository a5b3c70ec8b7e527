// Package blobstore implements the content-addressed blob pool: blobs are
// gzip-compressed byte sequences named by the SHA-256 of their decompressed
// content, stored as <root>/<first-two-hex>/<64-hex-digest>.
package blobstore

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store is a content-addressed pool of gzip-compressed blobs rooted at Dir.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("blobstore: creating root %q: %w", dir, err)
	}
	return &Store{Dir: dir}, nil
}

// Path returns the on-disk path for digest, which need not exist yet.
func (s *Store) Path(digest string) string {
	return filepath.Join(s.Dir, digest[:2], digest)
}

// Exists reports whether a blob for digest is present.
func (s *Store) Exists(digest string) bool {
	_, err := os.Stat(s.Path(digest))
	return err == nil
}

// WriteNew creates the blob file for digest from src.
//
// If alreadyCompressed is true, src is assumed to already be a gzip stream
// and is written verbatim; otherwise src is gzip-compressed on the fly.
// The caller must hold the per-digest blob lock and must guarantee the
// blob does not already exist.
func (s *Store) WriteNew(digest string, src io.Reader, alreadyCompressed bool) error {
	dir := filepath.Join(s.Dir, digest[:2])
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("blobstore: creating shard dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, digest+".tmp*")
	if err != nil {
		return fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	if alreadyCompressed {
		if _, err := io.Copy(tmp, src); err != nil {
			tmp.Close()
			return fmt.Errorf("blobstore: writing blob %s: %w", digest, err)
		}
	} else {
		gw := gzip.NewWriter(tmp)
		if _, err := io.Copy(gw, src); err != nil {
			gw.Close()
			tmp.Close()
			return fmt.Errorf("blobstore: compressing blob %s: %w", digest, err)
		}
		if err := gw.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("blobstore: closing gzip writer for %s: %w", digest, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("blobstore: syncing blob %s: %w", digest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blobstore: closing blob %s: %w", digest, err)
	}
	if err := os.Rename(tmpName, s.Path(digest)); err != nil {
		return fmt.Errorf("blobstore: placing blob %s: %w", digest, err)
	}
	success = true
	return nil
}

// WriteNewFromFile places an already-materialised gzip-compressed file at
// path into the pool for digest via rename, avoiding a copy when the
// source and the pool share a filesystem.
func (s *Store) WriteNewFromFile(digest, path string) error {
	dir := filepath.Join(s.Dir, digest[:2])
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("blobstore: creating shard dir %q: %w", dir, err)
	}
	if err := os.Rename(path, s.Path(digest)); err != nil {
		return fmt.Errorf("blobstore: placing blob %s: %w", digest, err)
	}
	return nil
}

// Open returns a reader over the compressed bytes for digest, and their
// compressed size.
func (s *Store) Open(digest string) (io.ReadCloser, int64, error) {
	path := s.Path(digest)
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, 0, os.ErrNotExist
	}
	if err != nil {
		return nil, 0, fmt.Errorf("blobstore: stat %s: %w", digest, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("blobstore: open %s: %w", digest, err)
	}
	return f, fi.Size(), nil
}

// Remove unlinks the blob file for digest. It is idempotent: removing an
// already-missing blob is not an error.
func (s *Store) Remove(digest string) error {
	err := os.Remove(s.Path(digest))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: removing %s: %w", digest, err)
	}
	return nil
}

// ForEachBlob walks every blob file in the pool, calling fn with its
// digest. Used by the recovery utility's orphan sweep.
func (s *Store) ForEachBlob(fn func(digest string) error) error {
	shards, err := os.ReadDir(s.Dir)
	if err != nil {
		return fmt.Errorf("blobstore: listing shards: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		blobs, err := os.ReadDir(filepath.Join(s.Dir, shard.Name()))
		if err != nil {
			return fmt.Errorf("blobstore: listing shard %s: %w", shard.Name(), err)
		}
		for _, blob := range blobs {
			if blob.IsDir() {
				continue
			}
			if err := fn(blob.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

// HashReader wraps src with a running SHA-256 and byte count, so that
// digest and logical size can be computed from a single uncompressed
// pass. It is used by the storage engine when a caller does not hint the
// digest or logical size up front.
type HashReader struct {
	src    io.Reader
	hasher interface {
		io.Writer
		Sum([]byte) []byte
	}
	n int64
}

// NewHashReader wraps src so that reads through the returned HashReader
// also feed a SHA-256 accumulator.
func NewHashReader(src io.Reader) *HashReader {
	return &HashReader{src: src, hasher: sha256.New()}
}

func (h *HashReader) Read(p []byte) (int, error) {
	n, err := h.src.Read(p)
	if n > 0 {
		h.hasher.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

// Digest returns the hex SHA-256 of everything read so far.
func (h *HashReader) Digest() string {
	return hex.EncodeToString(h.hasher.Sum(nil))
}

// N returns the number of bytes read so far.
func (h *HashReader) N() int64 {
	return h.n
}
