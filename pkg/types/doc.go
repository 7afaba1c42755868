/*
Package types defines the core data structures shared across Casparian Flow.

This package contains the plain data model every other package reads and
writes through: watched source roots, the file locations and immutable
versions the scanner discovers within them, deployed plugin manifests and
their isolated environments, publishers, the routing state a manifest
projects on activation, and the processing jobs the queue and broker drive
to completion. These types carry no behavior of their own — persistence
lives in pkg/storage, lifecycle transitions live in pkg/queue and
pkg/broker.

# Core Types

Source Tree:
  - SourceRoot: a watched directory, created by configuration
  - FileLocation: a (root, relative path) pair the scanner has observed;
    at most one per (RootID, RelativePath)
  - FileVersion: an immutable observation of a location's contents; once
    inserted, a version's fields never change, only which version a
    location's CurrentVersionID points at

Plugin Lifecycle:
  - PluginManifest: a deployed artifact record, stored by ID and unique by
    SourceHash
  - ManifestStatus: PENDING, STAGING, ACTIVE, REJECTED, or FAILED
  - PluginEnvironment: a content-addressed execution environment, keyed by
    EnvHash; many manifests may share one

Identity:
  - Publisher: the identity that produced a manifest, verified either by a
    local API-key hash or an external federated identity

Routing:
  - RoutingRule: a derived (pattern, tag, priority) mapping
  - PluginSubscription: a (plugin, tag) binding — which tags a plugin consumes
  - TopicConfig: a (plugin, topic, sink URI, write mode) binding

Processing:
  - ProcessingJob: a unit of queued work; at most one non-terminal job per
    (FileVersionID, PluginName)
  - JobStatus: QUEUED, RUNNING, COMPLETED, or FAILED
  - WorkerRegistration: broker-local, in-memory worker bookkeeping; never
    persisted
  - WorkerState: UNKNOWN, IDENTIFIED, IDLE, BUSY, or DEAD

# Usage

Pushing a job once a file version is tagged:

	job := &types.ProcessingJob{
		ID:            uuid.NewString(),
		FileVersionID: version.ID,
		PluginName:    "normalize_orders",
		Status:        types.JobQueued,
		Priority:      100,
	}

Recording a manifest's promotion:

	manifest.Status = types.ManifestActive
	manifest.DeployedAt = time.Now()

# State Machines

A PluginManifest's status is monotonic except that REJECTED and FAILED are
terminal:

	PENDING → STAGING → ACTIVE
	   ↓         ↓
	REJECTED   FAILED

Stage 4 (environment provisioning) runs before staging, so its failure moves
a PENDING manifest straight to FAILED.

A ProcessingJob transitions QUEUED → RUNNING → {COMPLETED, FAILED}; a
FAILED job classified retryable may be re-enqueued (back to QUEUED) with
RetryCount incremented, up to pkg/queue's configured bound.

A WorkerRegistration's state only moves forward except for the eventual
DEAD transition, which is terminal for that connection:

	UNKNOWN → IDENTIFIED → IDLE ⇄ BUSY
	                         ↓
	                        DEAD

# Design Patterns

Enumeration Pattern:

	Lifecycle states use typed string constants:
	  type ManifestStatus string
	  const (
	      ManifestPending ManifestStatus = "PENDING"
	      ManifestActive  ManifestStatus = "ACTIVE"
	  )

Content Addressing:

	SourceHash and EnvHash are both computed, not assigned — pkg/identity
	derives them from the manifest's source and lockfile bytes, which is
	what makes a PluginEnvironment shareable across manifests and lets the
	ingest stage detect a duplicate submission before running the rest of
	the pipeline.

# Integration Points

This package is imported by every other package in the module:

  - pkg/storage: persists these types to BoltDB as JSON
  - pkg/queue: drives ProcessingJob through its lifecycle
  - pkg/broker: holds WorkerRegistration in memory, dispatches jobs
  - pkg/router: derives RoutingRule/PluginSubscription/TopicConfig from a
    manifest's declared route
  - pkg/deploy: drives PluginManifest through ingest/gate/signature/
    environment/promote
  - pkg/identity: computes SourceHash and ArtifactHash
  - pkg/server: resolves a ProcessingJob's file path and sinks for dispatch

# Thread Safety

These are plain data structures with no internal synchronization. Readers
and writers must coordinate through the owning package (pkg/storage for
persisted rows, pkg/broker for WorkerRegistration).

# See Also

  - pkg/storage for the persistence layer
  - pkg/queue and pkg/broker for lifecycle transitions
  - pkg/router for how routing state is derived and applied
*/
package types
