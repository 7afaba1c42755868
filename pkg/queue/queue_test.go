package queue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/queue"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

func newTestQueue(t *testing.T) (*queue.Queue, storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := events.NewBroker()
	b.Start()
	t.Cleanup(b.Stop)

	return queue.New(store, b), store
}

func seedFileVersion(t *testing.T, store storage.Store) *types.FileVersion {
	t.Helper()
	v := &types.FileVersion{ID: "fv-1", LocationID: "loc-1", Fingerprint: "abc"}
	require.NoError(t, store.CreateFileVersion(v))
	return v
}

func TestPush_DedupesNonTerminalJob(t *testing.T) {
	q, store := newTestQueue(t)
	fv := seedFileVersion(t, store)

	first, err := q.Push(fv.ID, "magic_processor", 100)
	require.NoError(t, err)

	second, err := q.Push(fv.ID, "magic_processor", 100)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
}

func TestClaim_ReturnsHighestPriorityFirst(t *testing.T) {
	q, store := newTestQueue(t)
	fv := seedFileVersion(t, store)

	_, err := q.Push(fv.ID, "low_priority_plugin", 10)
	require.NoError(t, err)
	_, err = q.Push(fv.ID, "high_priority_plugin", 90)
	require.NoError(t, err)

	claimed, err := q.Claim("worker-1")
	require.NoError(t, err)
	require.Equal(t, "high_priority_plugin", claimed.PluginName)
	require.Equal(t, types.JobRunning, claimed.Status)
	require.Equal(t, "worker-1", claimed.WorkerID)
}

func TestClaim_EmptyQueueReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	claimed, err := q.Claim("worker-1")
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestFail_RetryableReenqueuesWithDecayedPriority(t *testing.T) {
	q, store := newTestQueue(t)
	fv := seedFileVersion(t, store)

	job, err := q.Push(fv.ID, "magic_processor", 100)
	require.NoError(t, err)

	claimed, err := q.Claim("worker-1")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	require.NoError(t, q.Fail(claimed.ID, "transient guest crash", true))

	reloaded, err := store.GetProcessingJob(claimed.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobQueued, reloaded.Status)
	require.Equal(t, 1, reloaded.RetryCount)
	require.Equal(t, 90, reloaded.Priority)
	require.Empty(t, reloaded.WorkerID)
}

func TestFail_ExhaustedRetriesTerminatesJob(t *testing.T) {
	q, store := newTestQueue(t)
	fv := seedFileVersion(t, store)

	job, err := q.Push(fv.ID, "magic_processor", 100)
	require.NoError(t, err)

	for i := 0; i <= queue.MaxRetries; i++ {
		claimed, err := q.Claim("worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed, "expected a job to be claimable on iteration %d", i)
		require.NoError(t, q.Fail(claimed.ID, "permanent failure", true))
	}

	reloaded, err := store.GetProcessingJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, reloaded.Status)
	require.Equal(t, queue.MaxRetries, reloaded.RetryCount)
}

func TestFail_NonRetryableTerminatesImmediately(t *testing.T) {
	q, store := newTestQueue(t)
	fv := seedFileVersion(t, store)

	_, err := q.Push(fv.ID, "magic_processor", 100)
	require.NoError(t, err)

	claimed, err := q.Claim("worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(claimed.ID, "bad manifest", false))

	reloaded, err := store.GetProcessingJob(claimed.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, reloaded.Status)
	require.Equal(t, 0, reloaded.RetryCount)
}

func TestComplete_TransitionsToCompleted(t *testing.T) {
	q, store := newTestQueue(t)
	fv := seedFileVersion(t, store)

	_, err := q.Push(fv.ID, "magic_processor", 100)
	require.NoError(t, err)

	claimed, err := q.Claim("worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Complete(claimed.ID, "3 rows, 4 columns"))

	reloaded, err := store.GetProcessingJob(claimed.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, reloaded.Status)
	require.Equal(t, "3 rows, 4 columns", reloaded.ResultSummary)
	require.False(t, reloaded.FinishTimestamp.IsZero())
}
