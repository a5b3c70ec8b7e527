package cachecleaner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sio2project/filetracker/client"
)

func entry(name string, mtime, size int64) client.FileInfoEntry {
	return client.FileInfoEntry{VersionedName: name, MTime: mtime, Size: size}
}

func TestPruneBelowHighWatermarkDeletesNothing(t *testing.T) {
	entries := []client.FileInfoEntry{
		entry("a@1", 3, 40),
		entry("b@2", 2, 40),
		entry("c@3", 1, 40),
	}
	toDelete := Prune(entries, 1000, 10)
	require.Nil(t, toDelete)
}

func TestPruneAboveHighWatermarkKeepsNewestDownToLowWatermark(t *testing.T) {
	entries := []client.FileInfoEntry{
		entry("oldest@1", 1, 50),
		entry("middle@2", 2, 50),
		entry("newest@3", 3, 50),
	}
	// total = 150 >= highWatermark(100); the running total (over the
	// newest entries first) only crosses lowWatermark(120) once oldest
	// is included, so oldest is the one evicted.
	toDelete := Prune(entries, 100, 120)
	require.Equal(t, []string{"oldest@1"}, toDelete)
}

func TestPruneTiesBrokenBySmallerSizeFirst(t *testing.T) {
	entries := []client.FileInfoEntry{
		entry("big@1", 5, 100),
		entry("small@1", 5, 10),
	}
	// Same mtime: smaller entry sorts first, so it counts toward the
	// kept quota before the larger one does.
	toDelete := Prune(entries, 100, 50)
	require.Equal(t, []string{"big@1"}, toDelete)
}

func TestPruneNothingWhenLowWatermarkExceedsTotal(t *testing.T) {
	entries := []client.FileInfoEntry{
		entry("a@1", 1, 10),
		entry("b@2", 2, 10),
	}
	toDelete := Prune(entries, 15, 1000)
	require.Nil(t, toDelete)
}
