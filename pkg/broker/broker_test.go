package broker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/casparianflow/sentinel/pkg/broker"
	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/queue"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

type recordingDispatcher struct {
	dispatched []string // job IDs
}

func (d *recordingDispatcher) Dispatch(workerIdentity string, job *types.ProcessingJob) error {
	d.dispatched = append(d.dispatched, job.ID)
	return nil
}

func newTestBroker(t *testing.T) (*broker.Broker, *queue.Queue, storage.Store, *recordingDispatcher) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := events.NewBroker()
	b.Start()
	t.Cleanup(b.Stop)

	q := queue.New(store, b)
	d := &recordingDispatcher{}
	br := broker.New(q, d, b)
	return br, q, store, d
}

func TestIdentifyThenHeartbeat_TransitionsToIdle(t *testing.T) {
	br, _, _, _ := newTestBroker(t)

	br.Identify("worker-1", map[string]bool{"magic_processor": true})
	require.Equal(t, 1, br.WorkerCount(types.WorkerIdentified))

	br.Heartbeat("worker-1")
	require.Equal(t, 1, br.WorkerCount(types.WorkerIdle))
	require.Equal(t, 0, br.WorkerCount(types.WorkerIdentified))
}

func TestDisconnect_FailsInFlightJobAsRetryable(t *testing.T) {
	br, q, store, d := newTestBroker(t)

	fv := &types.FileVersion{ID: "fv-1", LocationID: "loc-1"}
	require.NoError(t, store.CreateFileVersion(fv))

	job, err := q.Push(fv.ID, "magic_processor", 100)
	require.NoError(t, err)

	br.Identify("worker-1", map[string]bool{"magic_processor": true})
	br.Heartbeat("worker-1")

	// Let the dispatch loop claim the job and make it worker-1's current job.
	br.Start()
	t.Cleanup(br.Stop)
	require.Eventually(t, func() bool { return len(d.dispatched) == 1 }, 2*time.Second, 50*time.Millisecond)
	require.Equal(t, job.ID, d.dispatched[0])

	br.Disconnect("worker-1")

	require.Equal(t, 1, br.WorkerCount(types.WorkerDead))

	reloaded, err := store.GetProcessingJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobQueued, reloaded.Status)
	require.Equal(t, 1, reloaded.RetryCount)
}

func TestConclude_ReturnsWorkerToIdle(t *testing.T) {
	br, _, _, _ := newTestBroker(t)

	br.Identify("worker-1", map[string]bool{"magic_processor": true})
	br.Heartbeat("worker-1")
	br.Conclude("worker-1")

	require.Equal(t, 1, br.WorkerCount(types.WorkerIdle))
}

func TestDispatchLoop_AssignsQueuedJobToCapableIdleWorker(t *testing.T) {
	br, q, store, d := newTestBroker(t)

	fv := &types.FileVersion{ID: "fv-1", LocationID: "loc-1"}
	require.NoError(t, store.CreateFileVersion(fv))
	job, err := q.Push(fv.ID, "magic_processor", 100)
	require.NoError(t, err)

	br.Identify("worker-1", map[string]bool{"magic_processor": true})
	br.Heartbeat("worker-1")
	br.Start()
	t.Cleanup(br.Stop)

	require.Eventually(t, func() bool {
		for _, id := range d.dispatched {
			if id == job.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 50*time.Millisecond)

	require.Equal(t, 1, br.WorkerCount(types.WorkerBusy))

	require.NoError(t, br.Complete(job.ID, "3 rows"))

	reloaded, err := store.GetProcessingJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, reloaded.Status)
}

func TestWorkerCount_ReflectsIdentifiedWorker(t *testing.T) {
	br, _, _, _ := newTestBroker(t)
	br.Identify("worker-1", map[string]bool{"magic_processor": true})

	require.Eventually(t, func() bool {
		return br.WorkerCount(types.WorkerIdentified) == 1
	}, time.Second, 10*time.Millisecond)
}
