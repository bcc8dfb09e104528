package idempotency

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore_RememberThenGet(t *testing.T) {
	s := New(Config{Capacity: 10})
	s.Remember("k1", "completed", map[string]any{"n": 1}, time.Hour)

	res, ok := s.Get("k1")
	require.True(t, ok)
	require.Equal(t, "completed", res.Status)
	require.Equal(t, map[string]any{"n": 1}, res.Output)
}

func TestStore_GetOnExpiredReturnsFalseAndEvicts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(Config{Capacity: 10, Clock: clock})

	s.Remember("k1", "completed", "v", time.Second)
	now = now.Add(2 * time.Second)

	_, ok := s.Get("k1")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestStore_ZeroTTLNeverExpires(t *testing.T) {
	s := New(Config{Capacity: 10})
	s.Remember("k1", "completed", "v", 0)

	res, ok := s.Get("k1")
	require.True(t, ok)
	require.Equal(t, "v", res.Output)
}

func TestStore_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	s := New(Config{Capacity: 2})
	s.Remember("a", "completed", 1, time.Hour)
	s.Remember("b", "completed", 2, time.Hour)

	// touch a so b becomes least-recently-used
	_, _ = s.Get("a")

	s.Remember("c", "completed", 3, time.Hour)

	_, ok := s.Get("b")
	require.False(t, ok, "b should have been evicted as LRU")

	_, ok = s.Get("a")
	require.True(t, ok)
	_, ok = s.Get("c")
	require.True(t, ok)
}

func TestStore_RememberSameKeyOverwritesWithoutGrowing(t *testing.T) {
	s := New(Config{Capacity: 10})
	s.Remember("k1", "completed", "first", time.Hour)
	s.Remember("k1", "completed", "second", time.Hour)

	require.Equal(t, 1, s.Len())
	res, ok := s.Get("k1")
	require.True(t, ok)
	require.Equal(t, "second", res.Output)
}

func TestStore_PrunePersistsSnapshotAndReloadsOnNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idempotency.json")

	s1 := New(Config{Capacity: 10, SnapshotPath: path})
	s1.Remember("k1", "completed", "v1", time.Hour)
	require.NoError(t, s1.Prune())

	s2 := New(Config{Capacity: 10, SnapshotPath: path})
	res, ok := s2.Get("k1")
	require.True(t, ok)
	require.Equal(t, "v1", res.Output)
}

func TestStore_PruneDropsExpiredFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idempotency.json")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s1 := New(Config{Capacity: 10, SnapshotPath: path, Clock: clock})
	s1.Remember("k1", "completed", "v1", time.Second)
	now = now.Add(2 * time.Second)
	require.NoError(t, s1.Prune())

	s2 := New(Config{Capacity: 10, SnapshotPath: path, Clock: clock})
	require.Equal(t, 0, s2.Len())
}

func TestStore_MissingSnapshotIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")
	s := New(Config{Capacity: 10, SnapshotPath: path})
	require.Equal(t, 0, s.Len())
}
