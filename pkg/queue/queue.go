// Package queue implements the priority job queue: push, at-most-one-claim,
// completion, and retry/backoff over the store's ProcessingJob bucket.
//
// Claim is the only operation that requires serialization stronger than a
// single bbolt transaction gives us for free: two broker goroutines racing
// ListQueuedJobs+UpdateProcessingJob could both pick the same job. Claim
// therefore takes an in-process mutex around the read-modify-write, which is
// sufficient because exactly one broker owns the queue (no distributed
// consensus; see the design notes).
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casparianflow/sentinel/pkg/casperr"
	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/metrics"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

// MaxRetries is the number of times a job may be re-enqueued after a
// retryable failure before it is left FAILED for good.
const MaxRetries = 5

// RetryPriorityDecay is subtracted from a job's priority each time it is
// retried, so repeatedly-failing work sinks below fresh work of the same
// original priority.
const RetryPriorityDecay = 10

// Queue wraps a Store with the job lifecycle operations the broker drives.
type Queue struct {
	store   storage.Store
	events  *events.Broker
	claimMu sync.Mutex
}

// New returns a Queue backed by store, publishing lifecycle events on b.
func New(store storage.Store, b *events.Broker) *Queue {
	return &Queue{store: store, events: b}
}

// Push inserts a new QUEUED job for (fileVersionID, pluginName) at the given
// priority, unless a non-terminal job for the same pair already exists, in
// which case Push is a no-op and returns the existing job.
func (q *Queue) Push(fileVersionID, pluginName string, priority int) (*types.ProcessingJob, error) {
	existing, err := q.store.GetNonTerminalJob(fileVersionID, pluginName)
	if err != nil {
		return nil, casperr.Wrap(casperr.KindCoordination, false, err, "checking for existing job")
	}
	if existing != nil {
		return existing, nil
	}

	job := &types.ProcessingJob{
		ID:            uuid.NewString(),
		FileVersionID: fileVersionID,
		PluginName:    pluginName,
		Status:        types.JobQueued,
		Priority:      priority,
	}
	if err := q.store.CreateProcessingJob(job); err != nil {
		return nil, casperr.Wrap(casperr.KindCoordination, false, err, "persisting queued job")
	}

	metrics.JobsQueued.Inc()
	q.publish(events.EventJobQueued, job, "")
	return job, nil
}

// Claim selects the highest-priority QUEUED job, transitions it to RUNNING
// and assigns workerID, and returns it. Returns nil, nil when the queue is
// empty.
func (q *Queue) Claim(workerID string) (*types.ProcessingJob, error) {
	return q.ClaimMatching(workerID, func(string) bool { return true })
}

// ClaimMatching selects the highest-priority QUEUED job whose plugin name
// satisfies pluginAllowed, transitions it to RUNNING and assigns workerID,
// and returns it. If no queued job satisfies pluginAllowed, the queue is
// left untouched and ClaimMatching returns nil, nil — it never fails a job
// for lack of a capable worker.
func (q *Queue) ClaimMatching(workerID string, pluginAllowed func(pluginName string) bool) (*types.ProcessingJob, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	queued, err := q.store.ListQueuedJobs()
	if err != nil {
		return nil, casperr.Wrap(casperr.KindCoordination, false, err, "listing queued jobs")
	}

	var job *types.ProcessingJob
	for _, candidate := range queued {
		if pluginAllowed(candidate.PluginName) {
			job = candidate
			break
		}
	}
	if job == nil {
		return nil, nil
	}

	job.Status = types.JobRunning
	job.WorkerID = workerID
	job.ClaimTimestamp = time.Now()

	if err := q.store.UpdateProcessingJob(job); err != nil {
		return nil, casperr.Wrap(casperr.KindCoordination, false, err, "claiming job")
	}

	metrics.JobsQueued.Dec()
	metrics.JobsClaimedTotal.WithLabelValues(job.PluginName).Inc()
	q.publish(events.EventJobClaimed, job, "")
	return job, nil
}

// Complete transitions a RUNNING job to COMPLETED, recording resultSummary.
func (q *Queue) Complete(jobID, resultSummary string) error {
	job, err := q.store.GetProcessingJob(jobID)
	if err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "loading job to complete")
	}

	job.Status = types.JobCompleted
	job.ResultSummary = resultSummary
	job.FinishTimestamp = time.Now()

	if err := q.store.UpdateProcessingJob(job); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "persisting job completion")
	}

	metrics.JobsCompletedTotal.WithLabelValues("completed").Inc()
	q.publish(events.EventJobCompleted, job, "")
	return nil
}

// Fail transitions a RUNNING job to FAILED. If retryable and the job has not
// exhausted MaxRetries, it is re-enqueued instead, with its priority decayed
// by RetryPriorityDecay and RetryCount incremented.
func (q *Queue) Fail(jobID, errorMessage string, retryable bool) error {
	job, err := q.store.GetProcessingJob(jobID)
	if err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "loading job to fail")
	}

	job.ErrorMessage = errorMessage

	if retryable && job.RetryCount < MaxRetries {
		job.RetryCount++
		job.Status = types.JobQueued
		job.Priority -= RetryPriorityDecay
		job.WorkerID = ""
		job.ClaimTimestamp = time.Time{}

		if err := q.store.UpdateProcessingJob(job); err != nil {
			return casperr.Wrap(casperr.KindCoordination, false, err, "re-enqueuing job")
		}
		metrics.JobRetriesTotal.Inc()
		metrics.JobsQueued.Inc()
		q.publish(events.EventJobFailed, job, errorMessage)
		return nil
	}

	job.Status = types.JobFailed
	job.FinishTimestamp = time.Now()

	if err := q.store.UpdateProcessingJob(job); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "persisting job failure")
	}

	metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
	q.publish(events.EventJobFailed, job, errorMessage)
	return nil
}

func (q *Queue) publish(t events.EventType, job *types.ProcessingJob, errMsg string) {
	if q.events == nil {
		return
	}
	meta := map[string]string{
		"job_id":      job.ID,
		"plugin_name": job.PluginName,
	}
	if job.WorkerID != "" {
		meta["worker_id"] = job.WorkerID
	}
	if errMsg != "" {
		meta["error"] = errMsg
	}
	q.events.Publish(&events.Event{Type: t, Metadata: meta})
}
