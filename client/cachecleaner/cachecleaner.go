// Package cachecleaner implements the watermark logic a local-cache
// eviction daemon would run on a schedule: given a snapshot of cache
// entries, decide which to evict so the cache shrinks from its high
// watermark back down to its low watermark, keeping the newest files.
//
// The scheduling loop itself (scan disk, sleep, repeat) is a thin
// wrapper around Prune and is not provided here.
package cachecleaner

import (
	"sort"

	"github.com/sio2project/filetracker/client"
)

// Prune decides which cache entries to evict. entries is sorted by
// mtime, newest first (ties broken by smaller size first), and walked
// while accumulating a running total size. If the running total never
// reaches highWatermark, nothing is evicted. Otherwise, everything from
// the point the running total first reached lowWatermark onward is
// evicted, leaving the newest lowWatermark bytes (approximately) in
// the cache.
func Prune(entries []client.FileInfoEntry, highWatermark, lowWatermark int64) []string {
	sorted := make([]client.FileInfoEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].MTime != sorted[j].MTime {
			return sorted[i].MTime > sorted[j].MTime
		}
		return sorted[i].Size < sorted[j].Size
	})

	var total int64
	cutoff := -1
	for i, e := range sorted {
		total += e.Size
		if cutoff == -1 && total >= lowWatermark {
			cutoff = i
		}
	}

	if total < highWatermark || cutoff == -1 {
		return nil
	}

	toDelete := make([]string, 0, len(sorted)-cutoff)
	for _, e := range sorted[cutoff:] {
		toDelete = append(toDelete, e.VersionedName)
	}
	return toDelete
}
