package workqueue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_PutThenLeaseThenAck(t *testing.T) {
	q := NewMemoryQueue()
	taskID, err := q.Put(map[string]any{"n": 1})
	require.NoError(t, err)
	require.Equal(t, 1, q.PendingCount())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	leased, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, taskID, leased.TaskID)
	require.Equal(t, 1, leased.Attempt)
	require.Equal(t, 0, q.PendingCount())
	require.Equal(t, 1, q.InflightCount())

	require.NoError(t, q.Ack(taskID, leased.LeaseToken))
	require.Equal(t, 0, q.InflightCount())
}

func TestMemoryQueue_NackWithRequeueRedeliversWithIncrementedAttempt(t *testing.T) {
	q := NewMemoryQueue()
	taskID, _ := q.Put(map[string]any{})

	ctx := context.Background()
	leased, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Nack(taskID, leased.LeaseToken, true))
	require.Equal(t, 1, q.PendingCount())

	leased2, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, taskID, leased2.TaskID)
	require.Equal(t, 2, leased2.Attempt)
}

func TestMemoryQueue_NackWithoutRequeueDropsTask(t *testing.T) {
	q := NewMemoryQueue()
	taskID, _ := q.Put(map[string]any{})
	leased, err := q.Lease(context.Background(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Nack(taskID, leased.LeaseToken, false))
	require.Equal(t, 0, q.PendingCount())
	require.Equal(t, 0, q.InflightCount())
}

func TestMemoryQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	q := NewMemoryQueue()
	_, _ = q.Put(map[string]any{})

	ctx := context.Background()
	_, err := q.Lease(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	leased2, err := q.Lease(ctx2, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, leased2.Attempt)
}

func TestMemoryQueue_LeaseRespectsContextCancellation(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Lease(ctx, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_StaleAckIsIgnored(t *testing.T) {
	q := NewMemoryQueue()
	taskID, _ := q.Put(map[string]any{})
	leased, err := q.Lease(context.Background(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Ack(taskID, "wrong-token"))
	require.Equal(t, 1, q.InflightCount()) // ack with wrong token is a no-op

	require.NoError(t, q.Ack(taskID, leased.LeaseToken))
	require.Equal(t, 0, q.InflightCount())
}

func TestFileWorkQueue_PutSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	q1, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	taskID, err := q1.Put(map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, q1.Close())

	q2, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	defer q2.Close()

	require.Equal(t, 1, q2.PendingCount())
	leased, err := q2.Lease(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, taskID, leased.TaskID)
	require.Equal(t, map[string]any{"k": "v"}, leased.Payload)
}

func TestFileWorkQueue_AckedTaskDoesNotReappearAfterReopen(t *testing.T) {
	dir := t.TempDir()

	q1, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	taskID, err := q1.Put(map[string]any{})
	require.NoError(t, err)
	leased, err := q1.Lease(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, q1.Ack(taskID, leased.LeaseToken))
	require.NoError(t, q1.Close())

	q2, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	defer q2.Close()
	require.Equal(t, 0, q2.PendingCount())
}

func TestFileWorkQueue_UnackedLeaseBecomesPendingAfterCrashRestart(t *testing.T) {
	dir := t.TempDir()

	q1, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	_, err = q1.Put(map[string]any{})
	require.NoError(t, err)
	_, err = q1.Lease(context.Background(), time.Hour) // never acked: simulates a crash mid-processing
	require.NoError(t, err)
	require.NoError(t, q1.Close())

	q2, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	defer q2.Close()
	require.Equal(t, 1, q2.PendingCount())
}

func TestFileWorkQueue_LeasedButUnackedOffsetsComeBackFirstAfterReopen(t *testing.T) {
	dir := t.TempDir()

	q1, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	ids := make([]string, 10)
	for i := range ids {
		ids[i], err = q1.Put(map[string]any{"i": i})
		require.NoError(t, err)
	}

	leases := make([]*LeasedTask, 4)
	for i := range leases {
		leases[i], err = q1.Lease(context.Background(), time.Hour)
		require.NoError(t, err)
		require.Equal(t, ids[i], leases[i].TaskID) // earliest eligible offset first
	}
	require.NoError(t, q1.Ack(leases[0].TaskID, leases[0].LeaseToken))
	require.NoError(t, q1.Ack(leases[1].TaskID, leases[1].LeaseToken))
	require.NoError(t, q1.Close())

	q2, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	defer q2.Close()

	// The two leased-but-unacked offsets are eligible again, ahead of
	// everything enqueued after them; the remaining six follow in order.
	require.Equal(t, 8, q2.PendingCount())
	for i := 2; i < 10; i++ {
		leased, err := q2.Lease(context.Background(), time.Minute)
		require.NoError(t, err)
		require.Equal(t, ids[i], leased.TaskID)
	}
}

func TestFileWorkQueue_TwoHandlesOnOneDirShareTasks(t *testing.T) {
	dir := t.TempDir()

	producer, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	defer producer.Close()
	consumer, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	defer consumer.Close()

	taskID, err := producer.Put(map[string]any{"from": "producer"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	leased, err := consumer.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, taskID, leased.TaskID)

	// The consumer's ack is visible to the producer handle: nothing is
	// redelivered after the lease would have expired.
	require.NoError(t, consumer.Ack(taskID, leased.LeaseToken))
	require.Equal(t, 0, producer.PendingCount())
}

func TestFileWorkQueue_FullyAckedSealedSegmentIsCompacted(t *testing.T) {
	dir := t.TempDir()

	// A tiny threshold forces a rotation on every put, sealing each
	// single-entry segment as soon as the next put arrives.
	q, err := NewFileWorkQueue(FileQueueConfig{Dir: dir, SegmentMaxBytes: 1})
	require.NoError(t, err)
	defer q.Close()

	first, err := q.Put(map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = q.Put(map[string]any{"n": 2})
	require.NoError(t, err)

	leased, err := q.Lease(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, first, leased.TaskID)
	require.NoError(t, q.Ack(first, leased.LeaseToken))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "segment-000000.log", e.Name(), "fully acked sealed segment should be deleted")
		require.NotEqual(t, "segment-000000.idx", e.Name())
	}
	require.Equal(t, 1, q.PendingCount())
}

func TestFileWorkQueue_TruncatedTrailingFrameIsTolerated(t *testing.T) {
	dir := t.TempDir()

	q1, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	intact, err := q1.Put(map[string]any{"ok": true})
	require.NoError(t, err)
	_, err = q1.Put(map[string]any{"ok": false})
	require.NoError(t, err)
	require.NoError(t, q1.Close())

	// Chop bytes off the tail, leaving the second frame half-written as
	// a crash mid-append would.
	path := filepath.Join(dir, "segment-000000.log")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-7))

	q2, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	defer q2.Close()

	require.Equal(t, 1, q2.PendingCount())
	leased, err := q2.Lease(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, intact, leased.TaskID)
}

func TestFileWorkQueue_V2RewritesCorruptIndexClean(t *testing.T) {
	dir := t.TempDir()

	q1, err := NewFileWorkQueue(FileQueueConfig{Dir: dir})
	require.NoError(t, err)
	taskID, err := q1.Put(map[string]any{})
	require.NoError(t, err)
	require.NoError(t, q1.Close())

	// An acked offset the segment never contained.
	idxPath := filepath.Join(dir, "segment-000000.idx")
	require.NoError(t, os.WriteFile(idxPath, []byte(`{"acked":[9999]}`), 0o644))

	q2, err := NewFileWorkQueue(FileQueueConfig{Dir: dir, V2: true})
	require.NoError(t, err)
	defer q2.Close()

	require.Equal(t, 1, q2.PendingCount())
	leased, err := q2.Lease(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, taskID, leased.TaskID)

	data, err := os.ReadFile(idxPath)
	require.NoError(t, err)
	require.JSONEq(t, `{"acked":[]}`, string(data))
}

func TestFileWorkQueue_OffsetsAreGloballyMonotonicAcrossSegments(t *testing.T) {
	dir := t.TempDir()

	q, err := NewFileWorkQueue(FileQueueConfig{Dir: dir, SegmentMaxBytes: 1})
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 5; i++ {
		_, err := q.Put(map[string]any{"i": i})
		require.NoError(t, err)
	}

	var last int64 = -1
	for i := 0; i < 5; i++ {
		leased, err := q.Lease(context.Background(), time.Minute)
		require.NoError(t, err)
		require.Greater(t, leased.Offset, last)
		last = leased.Offset
	}
}
