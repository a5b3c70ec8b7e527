// Package recover rebuilds storage consistency after a crash or a bug:
// it walks every link, removes broken ones, recomputes blob refcounts
// from the surviving link graph, and removes blobs no link points at
// any more.
//
// Running it concurrently with a live server corrupts state, since it
// bypasses the engine's per-name and per-digest locks entirely; callers
// must hold the storage tree's exclusive lock for the whole pass.
package recover

import (
	"compress/gzip"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/sio2project/filetracker/internal/linktree"
	"github.com/sio2project/filetracker/storage"
)

// Report summarises one recovery pass.
type Report struct {
	LinksChecked int
	BrokenLinks  int
	BlobsChecked int
	OrphanBlobs  int
}

// Run performs one recovery pass over the storage rooted at root. It
// acquires the tree-wide lock for the duration, so it refuses to run
// alongside a live server holding the same lock.
func Run(root string) (Report, error) {
	e, err := storage.Open(root)
	if err != nil {
		return Report{}, err
	}
	defer e.Close()

	treeLock, err := e.Locks.LockTree()
	if err != nil {
		return Report{}, fmt.Errorf("recover: %w", err)
	}
	defer treeLock.Unlock()

	return run(e)
}

func run(e *storage.Engine) (Report, error) {
	var report Report
	refs := make(map[string]int64)
	sizes := make(map[string]int64)

	err := e.Links.ForEachLink(linkVisitor(e, &report, refs, sizes))
	if err != nil {
		return report, fmt.Errorf("recover: walking links: %w", err)
	}

	if err := rebuildRefcounts(e, refs, sizes); err != nil {
		return report, err
	}

	if err := sweepOrphanBlobs(e, refs, &report); err != nil {
		return report, err
	}

	return report, nil
}

// linkVisitor returns the ForEachLink callback that removes broken links
// on sight and tallies a refcount for every digest a live link points
// at. Logical size is only recomputed, by decompressing the blob, the
// first time a digest is seen without already-live metadata: that is
// the one case rebuildRefcounts cannot otherwise recover a correct
// value for.
func linkVisitor(e *storage.Engine, report *Report, refs, sizes map[string]int64) func(entry linktree.LinkEntry) error {
	return func(entry linktree.LinkEntry) error {
		report.LinksChecked++
		if entry.Broken {
			report.BrokenLinks++
			if err := e.Links.Remove(entry.RelPath); err != nil {
				return fmt.Errorf("removing broken link %s: %w", entry.RelPath, err)
			}
			return nil
		}
		refs[entry.Digest]++
		if _, known := sizes[entry.Digest]; known {
			return nil
		}
		if _, present, err := e.Meta.Get(entry.Digest); err == nil && present {
			return nil
		}
		size, err := decompressedSize(e, entry.Digest)
		if err != nil {
			return fmt.Errorf("recomputing logical size for %s: %w", entry.Digest, err)
		}
		sizes[entry.Digest] = size
		return nil
	}
}

// decompressedSize reads and discards the decompressed form of a blob
// to recover its logical size, for a digest whose metadata was lost.
func decompressedSize(e *storage.Engine, digest string) (int64, error) {
	rc, _, err := e.Blobs.Open(digest)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	gr, err := gzip.NewReader(rc)
	if err != nil {
		return 0, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gr.Close()
	n, err := io.Copy(io.Discard, gr)
	if err != nil {
		return 0, fmt.Errorf("decompressing: %w", err)
	}
	return n, nil
}

// rebuildRefcounts overwrites the metadata store's refcount for every
// digest seen among live links, in parallel across shards' worth of
// work since each digest's write only touches its own leveldb shard.
func rebuildRefcounts(e *storage.Engine, refs, sizes map[string]int64) error {
	var g errgroup.Group
	g.SetLimit(8)
	for digest, count := range refs {
		digest, count := digest, count
		g.Go(func() error {
			existing, present, err := e.Meta.Get(digest)
			logicalSize := sizes[digest]
			if present {
				logicalSize = existing.LogicalSize
			}
			if err != nil {
				return fmt.Errorf("rebuilding refcount for %s: %w", digest, err)
			}
			return e.Meta.SetCount(digest, count, logicalSize)
		})
	}
	return g.Wait()
}

// sweepOrphanBlobs removes every blob with no entry in refs, which can
// only be a blob that (a) no live link points to or (b) has stale
// metadata from a previous crash.
func sweepOrphanBlobs(e *storage.Engine, refs map[string]int64, report *Report) error {
	var orphans []string
	err := e.Blobs.ForEachBlob(func(digest string) error {
		report.BlobsChecked++
		if _, referenced := refs[digest]; !referenced {
			orphans = append(orphans, digest)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover: walking blobs: %w", err)
	}

	for _, digest := range orphans {
		if err := e.Blobs.Remove(digest); err != nil {
			return fmt.Errorf("removing orphan blob %s: %w", digest, err)
		}
		if err := e.Meta.DeleteEntry(digest); err != nil {
			return fmt.Errorf("removing orphan metadata %s: %w", digest, err)
		}
		report.OrphanBlobs++
	}
	return nil
}
