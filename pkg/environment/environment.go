// Package environment manages content-addressed isolated execution
// environments keyed by env_hash: materializing them on cache miss,
// persisting their metadata through storage.Store rather than a loose file
// on disk, and evicting the least-recently-used entries once the cache
// exceeds its configured bound.
//
// Grounded on the venv manager's content-addressable-storage-plus-LRU
// design, corrected for its non-atomic metadata write (a plain write_text
// over an existing JSON sidecar file, which a crash mid-write can truncate)
// by routing metadata through the same transactional bbolt store the rest
// of the entity model uses, so a crash mid-materialize can't leave a
// corrupt metadata record.
package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/casparianflow/sentinel/pkg/casperr"
	"github.com/casparianflow/sentinel/pkg/metrics"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

// Builder materializes a new environment on disk from a lockfile, returning
// the resolved interpreter path and the environment's on-disk size.
type Builder interface {
	Build(ctx context.Context, envHash, lockfileContent, envDir string) (interpreterPath string, sizeBytes int64, err error)
}

// Manager provides get-or-create access to environments, backed by store
// for metadata and envsDir for the materialized environment trees.
type Manager struct {
	store    storage.Store
	builder  Builder
	envsDir  string
	maxBytes int64
	mu       sync.Mutex // guards eviction bookkeeping and guardFn
	guardFn  EvictionGuard
	inflight singleflight.Group
}

// NewManager returns a Manager rooted at envsDir, enforcing maxBytes as the
// cache's total-size bound. When store is non-nil, eviction defaults to
// RunningJobGuard(store); callers with their own view of in-flight work
// (pkg/worker) can override it via SetEvictionGuard.
func NewManager(store storage.Store, builder Builder, envsDir string, maxBytes int64) (*Manager, error) {
	if err := os.MkdirAll(envsDir, 0o755); err != nil {
		return nil, casperr.Wrap(casperr.KindEnvironment, false, err, "creating environments directory")
	}
	m := &Manager{store: store, builder: builder, envsDir: envsDir, maxBytes: maxBytes}
	if store != nil {
		m.guardFn = RunningJobGuard(store)
	}
	return m, nil
}

// RunningJobGuard returns an EvictionGuard that pins an environment if any
// currently-RUNNING ProcessingJob belongs to a plugin whose active manifest
// resolves to that env_hash. Queries store directly rather than any
// in-process broker state, since the cache (e.g. cmd/publish provisioning
// a new deploy) and the broker dispatching jobs against the existing cache
// may be separate processes sharing only the store and envsDir.
func RunningJobGuard(store storage.Store) EvictionGuard {
	return func(envHash string) bool {
		jobs, err := store.ListAllJobs()
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if j.Status != types.JobRunning {
				continue
			}
			manifest, err := store.GetActiveManifestByPluginName(j.PluginName)
			if err != nil || manifest == nil {
				continue
			}
			if manifest.EnvHash == envHash {
				return true
			}
		}
		return false
	}
}

// SetEvictionGuard installs the guard the live materialize path consults
// before evicting an environment, so a caller that tracks RUNNING jobs
// (pkg/worker, keyed by the env_hash each in-flight job is using) can pin
// its own environments against a sibling job's cache-miss eviction. Nil
// evicts without regard to in-flight use. NewManager installs
// RunningJobGuard(store) when given a store, and no guard otherwise.
func (m *Manager) SetEvictionGuard(guard EvictionGuard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guardFn = guard
}

// EnvDir returns the directory an environment's tree lives under.
func (m *Manager) EnvDir(envHash string) string {
	return filepath.Join(m.envsDir, envHash)
}

// InterpreterPath returns the conventional interpreter location within an
// environment's tree.
func (m *Manager) InterpreterPath(envHash string) string {
	return filepath.Join(m.EnvDir(envHash), "bin", "python")
}

// GetOrCreate resolves envHash to a materialized environment, building it
// if absent. Concurrent callers for the same envHash are serialized onto a
// single build; the ones that waited observe the winner's result rather
// than each materializing their own copy.
func (m *Manager) GetOrCreate(ctx context.Context, envHash, lockfileContent string) (*types.PluginEnvironment, error) {
	existing, err := m.store.GetPluginEnvironment(envHash)
	if err == nil && existing != nil {
		existing.LastUsedAt = time.Now()
		if updateErr := m.store.UpdatePluginEnvironment(existing); updateErr != nil {
			return nil, casperr.Wrap(casperr.KindEnvironment, false, updateErr, "updating last-used timestamp")
		}
		return existing, nil
	}

	result, err, _ := m.inflight.Do(envHash, func() (interface{}, error) {
		return m.materialize(ctx, envHash, lockfileContent)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.PluginEnvironment), nil
}

func (m *Manager) materialize(ctx context.Context, envHash, lockfileContent string) (*types.PluginEnvironment, error) {
	// Re-check under the singleflight key in case a sibling call won the
	// race to populate the store while this one was queued.
	if existing, err := m.store.GetPluginEnvironment(envHash); err == nil && existing != nil {
		existing.LastUsedAt = time.Now()
		_ = m.store.UpdatePluginEnvironment(existing)
		return existing, nil
	}

	timer := metrics.NewTimer()
	envDir := m.EnvDir(envHash)

	_, sizeBytes, err := m.builder.Build(ctx, envHash, lockfileContent, envDir)
	if err != nil {
		os.RemoveAll(envDir)
		return nil, casperr.Wrap(casperr.KindEnvironment, true, err, "materializing environment")
	}
	timer.ObserveDuration(metrics.EnvironmentMaterializationDuration)

	env := &types.PluginEnvironment{
		EnvHash:         envHash,
		LockfileContent: lockfileContent,
		SizeBytes:       sizeBytes,
		CreatedAt:       time.Now(),
		LastUsedAt:      time.Now(),
	}
	if err := m.store.CreatePluginEnvironment(env); err != nil {
		os.RemoveAll(envDir)
		return nil, casperr.Wrap(casperr.KindEnvironment, false, err, "persisting environment metadata")
	}

	m.mu.Lock()
	guard := m.guardFn
	m.mu.Unlock()

	if err := m.maybeEvict(guard); err != nil {
		return nil, err
	}
	return env, nil
}

// EvictionGuard reports whether an environment is currently pinned (in use
// by a RUNNING job) and therefore must never be evicted regardless of its
// last-used time.
type EvictionGuard func(envHash string) bool

// maybeEvict evicts environments by ascending last-used time until the
// cache's total size falls below 80% of the configured bound, skipping any
// environment guard reports as pinned.
func (m *Manager) maybeEvict(guard EvictionGuard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	envs, err := m.store.ListPluginEnvironments()
	if err != nil {
		return casperr.Wrap(casperr.KindEnvironment, false, err, "listing environments for eviction check")
	}

	var total int64
	for _, e := range envs {
		total += e.SizeBytes
	}
	metrics.EnvironmentCacheBytes.Set(float64(total))
	if m.maxBytes > 0 {
		metrics.EnvironmentCacheUtilization.Set(float64(total) / float64(m.maxBytes))
	}

	if m.maxBytes <= 0 || total <= m.maxBytes {
		return nil
	}

	sort.Slice(envs, func(i, j int) bool { return envs[i].LastUsedAt.Before(envs[j].LastUsedAt) })

	target := int64(float64(m.maxBytes) * 0.8)
	for _, e := range envs {
		if total <= target {
			break
		}
		if guard != nil && guard(e.EnvHash) {
			continue
		}
		if err := os.RemoveAll(m.EnvDir(e.EnvHash)); err != nil {
			return casperr.Wrap(casperr.KindEnvironment, false, err, fmt.Sprintf("evicting environment %s", e.EnvHash))
		}
		if err := m.store.DeletePluginEnvironment(e.EnvHash); err != nil {
			return casperr.Wrap(casperr.KindEnvironment, false, err, "removing evicted environment metadata")
		}
		total -= e.SizeBytes
	}
	metrics.EnvironmentCacheBytes.Set(float64(total))
	if m.maxBytes > 0 {
		metrics.EnvironmentCacheUtilization.Set(float64(total) / float64(m.maxBytes))
	}
	return nil
}

// Evict runs the bound-enforcing eviction pass with the given pin guard,
// exported for callers that enforce the bound outside a cache miss;
// materialize already runs the same pass, with the installed guard, after
// every build.
func (m *Manager) Evict(guard EvictionGuard) error {
	return m.maybeEvict(guard)
}
