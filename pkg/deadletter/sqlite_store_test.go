package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_PutThenGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer s.Close()

	rec := Record{
		EntryID:     "e1",
		FlowID:      "flow-a",
		TaskID:      "t1",
		Payload:     map[string]any{"k": "v"},
		Attempts:    5,
		FailureCode: "STRUCTURAL_ERROR",
		FirstFailed: time.Now(),
		LastFailed:  time.Now(),
	}
	require.NoError(t, s.Put(ctx, rec))

	got, ok, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatePending, got.State)
	require.Equal(t, "flow-a", got.FlowID)
	require.Equal(t, "v", got.Payload["k"])
}

func TestSQLiteStore_GetMissingReturnsNotFound(t *testing.T) {
	s, err := NewSQLite(SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStore_RequeueTransitionsFromPending(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put(ctx, Record{EntryID: "e1"}))

	rec, ok, err := s.Requeue(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateRequeued, rec.State)

	_, ok, err = s.Requeue(ctx, "e1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStore_ListFiltersByState(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put(ctx, Record{EntryID: "e1"}))
	require.NoError(t, s.Put(ctx, Record{EntryID: "e2"}))
	_, _, err = s.Requeue(ctx, "e2")
	require.NoError(t, err)

	pending, err := s.List(ctx, StatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "e1", pending[0].EntryID)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}
