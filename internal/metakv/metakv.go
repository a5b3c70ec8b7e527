// Package metakv is the transactional metadata store holding, per blob
// digest, a link refcount and the blob's decompressed logical size.
//
// It is sharded into one github.com/syndtr/goleveldb database per
// two-hex-character digest prefix (256 shards), since leveldb does not
// allow concurrent access from multiple processes to one database.
// A shard is opened for the span of a transaction and closed again once
// no goroutine of this Store uses it. Within one process, goroutines
// share an open shard. Across processes there is no exclusion per
// shard: the caller's per-digest lock (internal/lockmgr) serializes
// work on one digest only, and a second process that opens a shard
// while another process holds it open gets an error from leveldb.
package metakv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Store is the sharded metadata KV rooted at a "db/" directory.
type Store struct {
	root string

	mu     sync.Mutex
	shards map[string]*shard
}

type shard struct {
	db       *leveldb.DB
	refcount int
}

// New returns a Store rooted at dir (typically "<server-root>/db"),
// creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("metakv: creating root %q: %w", dir, err)
	}
	return &Store{root: dir, shards: make(map[string]*shard)}, nil
}

func (s *Store) shardDir(prefix string) string {
	return filepath.Join(s.root, prefix)
}

// acquire opens (or reuses, if already open in this process) the shard
// database for prefix. Callers must call release when done. The
// refcount lets goroutines of this process that work on different
// digests with the same prefix share one open database, since leveldb
// refuses a second open of a database that is already open.
func (s *Store) acquire(prefix string) (*leveldb.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shards[prefix]; ok {
		sh.refcount++
		return sh.db, nil
	}
	opts := &opt.Options{}
	db, err := leveldb.OpenFile(s.shardDir(prefix), opts)
	if err != nil {
		return nil, fmt.Errorf("metakv: opening shard %q: %w", prefix, err)
	}
	s.shards[prefix] = &shard{db: db, refcount: 1}
	return db, nil
}

func (s *Store) release(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[prefix]
	if !ok {
		return
	}
	sh.refcount--
	if sh.refcount <= 0 {
		sh.db.Close()
		delete(s.shards, prefix)
	}
}

// Entry is the decoded metadata for a digest.
type Entry struct {
	Count       int64
	LogicalSize int64
}

func refcountKey(digest string) []byte { return []byte(digest) }
func sizeKey(digest string) []byte     { return []byte(digest + ":logical_size") }

// Get returns the current entry for digest. Count is 0 and present is
// false if the digest has no live entry.
func (s *Store) Get(digest string) (entry Entry, present bool, err error) {
	prefix := digest[:2]
	db, err := s.acquire(prefix)
	if err != nil {
		return Entry{}, false, err
	}
	defer s.release(prefix)

	countBytes, err := db.Get(refcountKey(digest), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("metakv: get refcount for %s: %w", digest, err)
	}
	count, err := strconv.ParseInt(string(countBytes), 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("metakv: corrupt refcount for %s: %w", digest, err)
	}
	sizeBytes, err := db.Get(sizeKey(digest), nil)
	if err != nil {
		return Entry{}, false, fmt.Errorf("metakv: get logical size for %s: %w", digest, err)
	}
	size, err := strconv.ParseInt(string(sizeBytes), 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("metakv: corrupt logical size for %s: %w", digest, err)
	}
	return Entry{Count: count, LogicalSize: size}, true, nil
}

// IncrefNew atomically records the birth of digest with the given
// logical size and a refcount of 1. The caller must have confirmed the
// digest was previously absent.
func (s *Store) IncrefNew(digest string, logicalSize int64) error {
	prefix := digest[:2]
	db, err := s.acquire(prefix)
	if err != nil {
		return err
	}
	defer s.release(prefix)

	batch := new(leveldb.Batch)
	batch.Put(refcountKey(digest), []byte(strconv.FormatInt(1, 10)))
	batch.Put(sizeKey(digest), []byte(strconv.FormatInt(logicalSize, 10)))
	if err := db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("metakv: creating entry for %s: %w", digest, err)
	}
	return nil
}

// Incref atomically bumps the refcount of an already-live digest.
func (s *Store) Incref(digest string, current Entry) error {
	prefix := digest[:2]
	db, err := s.acquire(prefix)
	if err != nil {
		return err
	}
	defer s.release(prefix)

	if err := db.Put(refcountKey(digest), []byte(strconv.FormatInt(current.Count+1, 10)), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("metakv: incrementing refcount for %s: %w", digest, err)
	}
	return nil
}

// Decref atomically decrements the refcount of digest. If the refcount
// reaches zero, both keys are removed in the same write and
// removedLast is true, signalling the caller that the blob file itself
// should now be removed.
func (s *Store) Decref(digest string, current Entry) (removedLast bool, err error) {
	prefix := digest[:2]
	db, err := s.acquire(prefix)
	if err != nil {
		return false, err
	}
	defer s.release(prefix)

	batch := new(leveldb.Batch)
	if current.Count <= 1 {
		batch.Delete(refcountKey(digest))
		batch.Delete(sizeKey(digest))
		removedLast = true
	} else {
		batch.Put(refcountKey(digest), []byte(strconv.FormatInt(current.Count-1, 10)))
	}
	if err := db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return false, fmt.Errorf("metakv: decrementing refcount for %s: %w", digest, err)
	}
	return removedLast, nil
}

// SetCount overwrites both the refcount and the logical size for
// digest with count and logicalSize. Used by the recovery utility to
// rebuild refcounts from scratch; it passes the existing logical size
// when the digest already has a live entry.
func (s *Store) SetCount(digest string, count, logicalSize int64) error {
	prefix := digest[:2]
	db, err := s.acquire(prefix)
	if err != nil {
		return err
	}
	defer s.release(prefix)

	batch := new(leveldb.Batch)
	batch.Put(refcountKey(digest), []byte(strconv.FormatInt(count, 10)))
	batch.Put(sizeKey(digest), []byte(strconv.FormatInt(logicalSize, 10)))
	if err := db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("metakv: setting count for %s: %w", digest, err)
	}
	return nil
}

// DeleteEntry removes digest's refcount and logical-size entries
// entirely, used by the recovery utility to drop metadata for blobs
// that no longer have any live links.
func (s *Store) DeleteEntry(digest string) error {
	prefix := digest[:2]
	db, err := s.acquire(prefix)
	if err != nil {
		return err
	}
	defer s.release(prefix)

	batch := new(leveldb.Batch)
	batch.Delete(refcountKey(digest))
	batch.Delete(sizeKey(digest))
	if err := db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("metakv: deleting entry for %s: %w", digest, err)
	}
	return nil
}

// Close closes every currently open shard. It is intended for orderly
// shutdown and tests; in normal operation shards are opened and closed
// per-transaction via acquire/release.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for prefix, sh := range s.shards {
		if err := sh.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.shards, prefix)
	}
	return firstErr
}

// ForEachDigest walks every digest with a live refcount entry across all
// shards that have been created on disk, calling fn for each. Used by
// the recovery utility.
func (s *Store) ForEachDigest(fn func(digest string, entry Entry) error) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("metakv: listing shards: %w", err)
	}
	for _, de := range entries {
		if !de.IsDir() || len(de.Name()) != 2 {
			continue
		}
		prefix := de.Name()
		db, err := s.acquire(prefix)
		if err != nil {
			return err
		}
		it := db.NewIterator(nil, nil)
		for it.Next() {
			key := string(it.Key())
			if len(key) != 64 { // skip "<digest>:logical_size" companion keys
				continue
			}
			count, parseErr := strconv.ParseInt(string(it.Value()), 10, 64)
			if parseErr != nil {
				continue
			}
			sizeBytes, getErr := db.Get(sizeKey(key), nil)
			var size int64
			if getErr == nil {
				size, _ = strconv.ParseInt(string(sizeBytes), 10, 64)
			}
			if err := fn(key, Entry{Count: count, LogicalSize: size}); err != nil {
				it.Release()
				s.release(prefix)
				return err
			}
		}
		it.Release()
		s.release(prefix)
		if err := it.Error(); err != nil {
			return fmt.Errorf("metakv: iterating shard %s: %w", prefix, err)
		}
	}
	return nil
}
