// Package types holds the plain data model shared across Casparian Flow:
// source roots, file locations and versions, plugin manifests and
// environments, publishers, routing state, and processing jobs.
package types

import "time"

// SourceRoot is a watched directory. Created by configuration; never
// mutated by the core.
type SourceRoot struct {
	ID     string
	Path   string
	Active bool
}

// FileLocation is a (root, relative-path) pair discovered by the scanner.
// At most one location exists per (RootID, RelativePath).
type FileLocation struct {
	ID               string
	RootID           string
	RelativePath     string
	LastSeen         time.Time
	CurrentVersionID string // empty until first tagging
}

// FileVersion is an immutable observation of a location's contents. Once
// inserted, its attributes never change; the owning FileLocation's
// CurrentVersionID is re-pointed instead.
type FileVersion struct {
	ID          string
	LocationID  string
	Fingerprint string // cryptographic hash of the file bytes
	Size        int64
	ModTime     time.Time
	AppliedTags string // ordered, comma-separated, for stable diffing
	CreatedAt   time.Time
}

// ManifestStatus is the lifecycle state of a PluginManifest.
type ManifestStatus string

const (
	ManifestPending  ManifestStatus = "PENDING"
	ManifestStaging  ManifestStatus = "STAGING"
	ManifestActive   ManifestStatus = "ACTIVE"
	ManifestRejected ManifestStatus = "REJECTED"
	ManifestFailed   ManifestStatus = "FAILED"
)

// PluginManifest is a deployed artifact record.
//
// Invariants: SourceHash is unique across all manifests; status transitions
// are monotonic except that REJECTED/FAILED are terminal; DeployedAt is
// non-zero iff Status is ManifestActive.
type PluginManifest struct {
	ID              string
	PluginName      string
	Version         string
	SourceCode      []byte
	SourceHash      string
	EnvHash         string // empty means "runs without isolated environment"
	ArtifactHash    string // hash(source || lockfile)
	Signature       []byte
	PublisherID     string
	Status          ManifestStatus
	ValidationError string
	CreatedAt       time.Time
	DeployedAt      time.Time
}

// PluginEnvironment is a content-addressed execution environment. Keyed by
// EnvHash. Many manifests may share one environment.
type PluginEnvironment struct {
	EnvHash         string
	LockfileContent string
	SizeBytes       int64
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// Publisher is an identity that produced a manifest.
type Publisher struct {
	ID               string
	DisplayName      string
	Email            string
	ExternalIdentity string // external-identity oid, unique when present
	APIKeyHash       string // local-mode key-based auth, nullable
}

// RoutingRule is a derived pattern->tag mapping.
type RoutingRule struct {
	ID       string
	Pattern  string
	Tag      string
	Priority int
}

// PluginSubscription is a plugin->tag binding: which tags a plugin consumes.
type PluginSubscription struct {
	ID         string
	PluginName string
	Tag        string
}

// TopicConfig is a plugin->(topic, sink URI, write mode) binding.
type TopicConfig struct {
	ID         string
	PluginName string
	Topic      string
	SinkURI    string
	Mode       string // "append" | "replace" | "error"
}

// JobStatus is the lifecycle state of a ProcessingJob.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// ProcessingJob is a unit of queued work.
//
// Invariants: a job's (FileVersionID, PluginName) pair is unique per
// non-terminal instance; transitions QUEUED -> RUNNING -> {COMPLETED,
// FAILED}; FAILED jobs with a retryable classification may be re-enqueued
// with RetryCount+1, up to a configured bound.
type ProcessingJob struct {
	ID              string
	Sequence        uint64 // monotonic insertion order, for FIFO tie-break within a priority class
	FileVersionID   string
	PluginName      string
	Status          JobStatus
	Priority        int
	RetryCount      int
	ClaimTimestamp  time.Time
	FinishTimestamp time.Time
	ErrorMessage    string
	ResultSummary   string
	WorkerID        string // set on claim, nullable
}

// WorkerState is the broker-local liveness state of a connected worker.
type WorkerState string

const (
	WorkerUnknown    WorkerState = "UNKNOWN"
	WorkerIdentified WorkerState = "IDENTIFIED"
	WorkerIdle       WorkerState = "IDLE"
	WorkerBusy       WorkerState = "BUSY"
	WorkerDead       WorkerState = "DEAD"
)

// WorkerRegistration is broker-local, in-memory bookkeeping for a connected
// worker. Never persisted.
type WorkerRegistration struct {
	Identity     string // opaque routing identity
	Capabilities map[string]bool
	State        WorkerState
	CurrentJobID string
	LastSeen     time.Time
}
