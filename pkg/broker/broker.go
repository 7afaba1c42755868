// Package broker implements the Sentinel: a single-threaded event loop
// that tracks connected workers, dispatches queued jobs to idle capable
// workers round-robin, fans in a job's streamed output, and evicts workers
// that stop heartbeating.
//
// Grounded on the scheduler's ticker-driven loop shape (Start/Stop over a
// goroutine, a stop channel, periodic work on a ticker), generalized from
// placement-by-resource to dispatch-by-capability-and-priority, and on the
// sentinel's poll/dispatch-loop split for the worker state machine.
package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/casparianflow/sentinel/pkg/casperr"
	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/log"
	"github.com/casparianflow/sentinel/pkg/metrics"
	"github.com/casparianflow/sentinel/pkg/queue"
	"github.com/casparianflow/sentinel/pkg/types"
)

const (
	heartbeatSweepInterval = 30 * time.Second
	heartbeatTimeout       = 60 * time.Second
	dispatchTickInterval   = 500 * time.Millisecond
)

// Dispatcher sends a DISPATCH frame to a specific worker; the transport
// concern (wire protocol encoding, socket write) lives in pkg/server's
// Listener, not here.
type Dispatcher interface {
	Dispatch(workerIdentity string, job *types.ProcessingJob) error
}

// OutputContext accumulates a running job's streamed output, keyed by
// topic, and is committed or discarded on CONCLUDE.
type OutputContext struct {
	JobID  string
	Sinks  map[string]Sink
}

// Sink is a per-topic output sink a job's output context writes through.
type Sink interface {
	Write(data []byte) error
	Commit() error
	Discard()
}

// Broker is the single-threaded Sentinel event loop.
type Broker struct {
	queue      *queue.Queue
	dispatcher Dispatcher
	events     *events.Broker
	logger     zerolog.Logger

	mu      sync.Mutex
	workers map[string]*types.WorkerRegistration
	outputs map[string]*OutputContext
	lastDispatched map[string]time.Time // worker identity -> last dispatch time, for round-robin

	stopCh chan struct{}
}

// New returns a Broker that claims work from q and dispatches through d.
func New(q *queue.Queue, d Dispatcher, b *events.Broker) *Broker {
	return &Broker{
		queue:          q,
		dispatcher:     d,
		events:         b,
		logger:         log.WithComponent("broker"),
		workers:        make(map[string]*types.WorkerRegistration),
		outputs:        make(map[string]*OutputContext),
		lastDispatched: make(map[string]time.Time),
		stopCh:         make(chan struct{}),
	}
}

// Start runs the dispatch and heartbeat-sweep loops in the background.
func (b *Broker) Start() {
	go b.dispatchLoop()
	go b.heartbeatLoop()
}

// Stop halts both loops.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Identify registers a newly-connected worker in the UNKNOWN->IDENTIFIED
// transition.
func (b *Broker) Identify(identity string, capabilities map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.workers[identity] = &types.WorkerRegistration{
		Identity:     identity,
		Capabilities: capabilities,
		State:        types.WorkerIdentified,
		LastSeen:     time.Now(),
	}
	metrics.WorkerRegistrySize.WithLabelValues(string(types.WorkerIdentified)).Inc()

	if b.events != nil {
		b.events.Publish(&events.Event{
			Type:     events.EventWorkerIdentified,
			Metadata: map[string]string{"worker_id": identity},
		})
	}
}

// Heartbeat marks a worker's last-seen time and, on a worker's first
// READY/HEARTBEAT, transitions it IDENTIFIED->IDLE.
func (b *Broker) Heartbeat(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[identity]
	if !ok {
		return
	}
	w.LastSeen = time.Now()
	if w.State == types.WorkerIdentified {
		b.transition(w, types.WorkerIdle)
	}
}

// Conclude transitions a BUSY worker back to IDLE on CONCLUDE receipt,
// regardless of the job's terminal outcome (that's the queue's concern).
func (b *Broker) Conclude(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[identity]
	if !ok {
		return
	}
	b.transition(w, types.WorkerIdle)
	w.CurrentJobID = ""
}

// Disconnect marks a worker DEAD and, if it had a job in flight, fails that
// job as retryable (a disconnect mid-job is a transient failure).
func (b *Broker) Disconnect(identity string) {
	b.mu.Lock()
	w, ok := b.workers[identity]
	if !ok {
		b.mu.Unlock()
		return
	}
	jobID := w.CurrentJobID
	b.transition(w, types.WorkerDead)
	b.mu.Unlock()

	if jobID != "" {
		if err := b.queue.Fail(jobID, "worker disconnected", true); err != nil {
			b.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to fail job after worker disconnect")
		}
	}
}

// transition must be called with b.mu held.
func (b *Broker) transition(w *types.WorkerRegistration, to types.WorkerState) {
	metrics.WorkerRegistrySize.WithLabelValues(string(w.State)).Dec()
	w.State = to
	metrics.WorkerRegistrySize.WithLabelValues(string(to)).Inc()
}

// dispatchLoop claims and dispatches one job per tick, preferring the
// least-recently-dispatched IDLE worker whose capability set includes the
// job's plugin. A worker with an empty capability set accepts any plugin.
// If no capable worker exists, the job is left QUEUED.
func (b *Broker) dispatchLoop() {
	ticker := time.NewTicker(dispatchTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.dispatchOnce()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) dispatchOnce() {
	tried := make(map[string]bool)
	var worker *types.WorkerRegistration
	var job *types.ProcessingJob
	for job == nil {
		worker = b.selectIdleWorker(tried)
		if worker == nil {
			return
		}
		tried[worker.Identity] = true

		var err error
		job, err = b.queue.ClaimMatching(worker.Identity, func(pluginName string) bool {
			return len(worker.Capabilities) == 0 || worker.Capabilities[pluginName]
		})
		if err != nil {
			b.logger.Error().Err(err).Msg("claim failed")
			return
		}
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	b.mu.Lock()
	b.transition(worker, types.WorkerBusy)
	worker.CurrentJobID = job.ID
	b.lastDispatched[worker.Identity] = time.Now()
	b.outputs[job.ID] = &OutputContext{JobID: job.ID, Sinks: make(map[string]Sink)}
	b.mu.Unlock()

	if err := b.dispatcher.Dispatch(worker.Identity, job); err != nil {
		b.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatch failed")
		_ = b.queue.Fail(job.ID, "dispatch failed: "+err.Error(), true)
	}
}

// selectIdleWorker picks the least-recently-dispatched IDLE worker not in
// skip. Its capability set is applied afterward, when claiming, via
// ClaimMatching: the queue walks queued jobs in priority order until it
// finds one this worker can run, leaving the rest QUEUED. dispatchOnce
// skips each worker that matched no job and asks again, so the claim goes
// to the least-recently-dispatched idle worker able to run a queued job.
func (b *Broker) selectIdleWorker(skip map[string]bool) *types.WorkerRegistration {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *types.WorkerRegistration
	var bestTime time.Time
	for _, w := range b.workers {
		if w.State != types.WorkerIdle || skip[w.Identity] {
			continue
		}
		last := b.lastDispatched[w.Identity]
		if best == nil || last.Before(bestTime) {
			best = w
			bestTime = last
		}
	}
	return best
}

// heartbeatLoop evicts workers that have missed the heartbeat timeout.
func (b *Broker) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweepDeadWorkers()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) sweepDeadWorkers() {
	cutoff := time.Now().Add(-heartbeatTimeout)

	b.mu.Lock()
	var toEvict []*types.WorkerRegistration
	for _, w := range b.workers {
		if w.State != types.WorkerDead && w.LastSeen.Before(cutoff) {
			toEvict = append(toEvict, w)
		}
	}
	b.mu.Unlock()

	for _, w := range toEvict {
		b.evict(w)
	}
}

func (b *Broker) evict(w *types.WorkerRegistration) {
	b.mu.Lock()
	jobID := w.CurrentJobID
	b.transition(w, types.WorkerDead)
	b.mu.Unlock()

	metrics.HeartbeatEvictionsTotal.Inc()
	if b.events != nil {
		b.events.Publish(&events.Event{
			Type:     events.EventWorkerEvicted,
			Metadata: map[string]string{"worker_id": w.Identity, "current_job_id": jobID},
		})
	}

	if jobID != "" {
		if err := b.queue.Fail(jobID, "worker heartbeat timeout", true); err != nil {
			b.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to fail job after heartbeat eviction")
		}
	}
}

// HandleData appends a streamed data frame to job's output context for the
// given topic, opening a sink lazily via newSink if this is the first frame
// for that topic.
func (b *Broker) HandleData(jobID, topic string, data []byte, newSink func(topic string) (Sink, error)) error {
	b.mu.Lock()
	ctx, ok := b.outputs[jobID]
	b.mu.Unlock()
	if !ok {
		return casperr.New(casperr.KindCoordination, false, "data frame for unknown job "+jobID)
	}

	sink, exists := ctx.Sinks[topic]
	if !exists {
		var err error
		sink, err = newSink(topic)
		if err != nil {
			return casperr.Wrap(casperr.KindExecution, false, err, "opening sink for topic "+topic)
		}
		ctx.Sinks[topic] = sink
	}
	return sink.Write(data)
}

// Complete commits all open sinks for jobID in order and marks the job
// COMPLETED.
func (b *Broker) Complete(jobID, summary string) error {
	ctx := b.popOutputContext(jobID)
	if ctx != nil {
		for _, sink := range ctx.Sinks {
			if err := sink.Commit(); err != nil {
				return casperr.Wrap(casperr.KindExecution, false, err, "committing sink")
			}
		}
	}
	return b.queue.Complete(jobID, summary)
}

// Fail discards all open sinks for jobID and marks the job FAILED (or
// re-queues it, per the queue's retry policy).
func (b *Broker) Fail(jobID, message string, retryable bool) error {
	ctx := b.popOutputContext(jobID)
	if ctx != nil {
		for _, sink := range ctx.Sinks {
			sink.Discard()
		}
	}
	return b.queue.Fail(jobID, message, retryable)
}

func (b *Broker) popOutputContext(jobID string) *OutputContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx := b.outputs[jobID]
	delete(b.outputs, jobID)
	return ctx
}

// WorkerCount returns the number of workers in each state, for tests and
// health reporting.
func (b *Broker) WorkerCount(state types.WorkerState) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, w := range b.workers {
		if w.State == state {
			n++
		}
	}
	return n
}
