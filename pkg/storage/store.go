// Package storage provides typed, persistent accessors over the entities
// the core owns: source roots, file locations and versions, plugin
// manifests and environments, publishers, routing state, and processing
// jobs. The queue's claim operation is layered on top of this package's
// transactional primitives, not reimplemented here.
package storage

import "github.com/casparianflow/sentinel/pkg/types"

// Store is the typed data-access interface every entity in §3 of the data
// model is read and written through.
type Store interface {
	Close() error

	CreateSourceRoot(r *types.SourceRoot) error
	GetSourceRoot(id string) (*types.SourceRoot, error)
	ListSourceRoots() ([]*types.SourceRoot, error)

	CreateFileLocation(l *types.FileLocation) error
	GetFileLocation(id string) (*types.FileLocation, error)
	GetFileLocationByPath(rootID, relativePath string) (*types.FileLocation, error)
	ListFileLocations() ([]*types.FileLocation, error)
	UpdateFileLocation(l *types.FileLocation) error

	CreateFileVersion(v *types.FileVersion) error
	GetFileVersion(id string) (*types.FileVersion, error)
	ListFileVersionsByLocation(locationID string) ([]*types.FileVersion, error)

	CreatePluginManifest(m *types.PluginManifest) error
	GetPluginManifest(id string) (*types.PluginManifest, error)
	GetPluginManifestBySourceHash(sourceHash string) (*types.PluginManifest, error)
	GetActiveManifestByPluginName(pluginName string) (*types.PluginManifest, error)
	ListPluginManifests() ([]*types.PluginManifest, error)
	UpdatePluginManifest(m *types.PluginManifest) error

	CreatePluginEnvironment(e *types.PluginEnvironment) error
	GetPluginEnvironment(envHash string) (*types.PluginEnvironment, error)
	ListPluginEnvironments() ([]*types.PluginEnvironment, error)
	UpdatePluginEnvironment(e *types.PluginEnvironment) error
	DeletePluginEnvironment(envHash string) error

	CreatePublisher(p *types.Publisher) error
	GetPublisher(id string) (*types.Publisher, error)

	CreateRoutingRule(r *types.RoutingRule) error
	ListRoutingRules() ([]*types.RoutingRule, error)
	DeleteRoutingRulesByPluginName(pluginName string) error

	CreatePluginSubscription(s *types.PluginSubscription) error
	ListPluginSubscriptions() ([]*types.PluginSubscription, error)
	DeletePluginSubscriptionsByPluginName(pluginName string) error

	CreateTopicConfig(t *types.TopicConfig) error
	ListTopicConfigsByPluginName(pluginName string) ([]*types.TopicConfig, error)
	DeleteTopicConfigsByPluginName(pluginName string) error

	CreateProcessingJob(j *types.ProcessingJob) error
	GetProcessingJob(id string) (*types.ProcessingJob, error)
	GetNonTerminalJob(fileVersionID, pluginName string) (*types.ProcessingJob, error)
	ListQueuedJobs() ([]*types.ProcessingJob, error)
	ListAllJobs() ([]*types.ProcessingJob, error)
	UpdateProcessingJob(j *types.ProcessingJob) error
}
