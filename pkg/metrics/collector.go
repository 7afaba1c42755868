package metrics

import (
	"time"

	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

// Collector periodically recomputes gauges that are cheap to derive from
// the store's full state but expensive to keep perfectly in sync inline
// (a manifest can sit in any status indefinitely, unlike a job or a
// worker's registry state, which are updated on every transition).
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector returns a Collector that polls store every 15 seconds.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectManifests()
	c.collectQueueDepth()
}

func (c *Collector) collectManifests() {
	manifests, err := c.store.ListPluginManifests()
	if err != nil {
		return
	}

	counts := map[types.ManifestStatus]int{
		types.ManifestPending:  0,
		types.ManifestStaging:  0,
		types.ManifestActive:   0,
		types.ManifestRejected: 0,
		types.ManifestFailed:   0,
	}
	for _, m := range manifests {
		counts[m.Status]++
	}
	for status, count := range counts {
		ManifestsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectQueueDepth() {
	queued, err := c.store.ListQueuedJobs()
	if err != nil {
		return
	}
	// JobsQueued is also maintained inline by pkg/queue on Push/Claim/Fail;
	// this overwrite is a periodic correction against drift, not the
	// primary update path.
	JobsQueued.Set(float64(len(queued)))
}
