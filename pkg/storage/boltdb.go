package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/casparianflow/sentinel/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSourceRoots         = []byte("source_roots")
	bucketFileLocations       = []byte("file_locations")
	bucketFileVersions        = []byte("file_versions")
	bucketPluginManifests     = []byte("plugin_manifests")
	bucketPluginEnvironments  = []byte("plugin_environments")
	bucketPublishers          = []byte("publishers")
	bucketRoutingRules        = []byte("routing_rules")
	bucketPluginSubscriptions = []byte("plugin_subscriptions")
	bucketTopicConfigs        = []byte("topic_configs")
	bucketProcessingJobs      = []byte("processing_jobs")
)

// BoltStore implements Store using BoltDB, one bucket per entity.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store rooted at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "casparianflow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSourceRoots,
			bucketFileLocations,
			bucketFileVersions,
			bucketPluginManifests,
			bucketPluginEnvironments,
			bucketPublishers,
			bucketRoutingRules,
			bucketPluginSubscriptions,
			bucketTopicConfigs,
			bucketProcessingJobs,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- SourceRoot ---

func (s *BoltStore) CreateSourceRoot(r *types.SourceRoot) error {
	return s.put(bucketSourceRoots, r.ID, r)
}

func (s *BoltStore) GetSourceRoot(id string) (*types.SourceRoot, error) {
	var r types.SourceRoot
	if err := s.get(bucketSourceRoots, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListSourceRoots() ([]*types.SourceRoot, error) {
	var out []*types.SourceRoot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSourceRoots).ForEach(func(_, v []byte) error {
			var r types.SourceRoot
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

// --- FileLocation ---

func (s *BoltStore) CreateFileLocation(l *types.FileLocation) error {
	return s.put(bucketFileLocations, l.ID, l)
}

func (s *BoltStore) GetFileLocation(id string) (*types.FileLocation, error) {
	var l types.FileLocation
	if err := s.get(bucketFileLocations, id, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) GetFileLocationByPath(rootID, relativePath string) (*types.FileLocation, error) {
	locations, err := s.ListFileLocations()
	if err != nil {
		return nil, err
	}
	for _, l := range locations {
		if l.RootID == rootID && l.RelativePath == relativePath {
			return l, nil
		}
	}
	return nil, fmt.Errorf("not found: file location %s/%s", rootID, relativePath)
}

func (s *BoltStore) ListFileLocations() ([]*types.FileLocation, error) {
	var out []*types.FileLocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFileLocations).ForEach(func(_, v []byte) error {
			var l types.FileLocation
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, &l)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateFileLocation(l *types.FileLocation) error {
	return s.put(bucketFileLocations, l.ID, l)
}

// --- FileVersion ---

func (s *BoltStore) CreateFileVersion(v *types.FileVersion) error {
	return s.put(bucketFileVersions, v.ID, v)
}

func (s *BoltStore) GetFileVersion(id string) (*types.FileVersion, error) {
	var v types.FileVersion
	if err := s.get(bucketFileVersions, id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) ListFileVersionsByLocation(locationID string) ([]*types.FileVersion, error) {
	var out []*types.FileVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFileVersions).ForEach(func(_, v []byte) error {
			var fv types.FileVersion
			if err := json.Unmarshal(v, &fv); err != nil {
				return err
			}
			if fv.LocationID == locationID {
				out = append(out, &fv)
			}
			return nil
		})
	})
	return out, err
}

// --- PluginManifest ---

func (s *BoltStore) CreatePluginManifest(m *types.PluginManifest) error {
	return s.put(bucketPluginManifests, m.ID, m)
}

func (s *BoltStore) GetPluginManifest(id string) (*types.PluginManifest, error) {
	var m types.PluginManifest
	if err := s.get(bucketPluginManifests, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) GetPluginManifestBySourceHash(sourceHash string) (*types.PluginManifest, error) {
	manifests, err := s.ListPluginManifests()
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if m.SourceHash == sourceHash {
			return m, nil
		}
	}
	return nil, nil
}

func (s *BoltStore) GetActiveManifestByPluginName(pluginName string) (*types.PluginManifest, error) {
	manifests, err := s.ListPluginManifests()
	if err != nil {
		return nil, err
	}
	var latest *types.PluginManifest
	for _, m := range manifests {
		if m.PluginName != pluginName || m.Status != types.ManifestActive {
			continue
		}
		if latest == nil || m.DeployedAt.After(latest.DeployedAt) {
			latest = m
		}
	}
	return latest, nil
}

func (s *BoltStore) ListPluginManifests() ([]*types.PluginManifest, error) {
	var out []*types.PluginManifest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPluginManifests).ForEach(func(_, v []byte) error {
			var m types.PluginManifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdatePluginManifest(m *types.PluginManifest) error {
	return s.put(bucketPluginManifests, m.ID, m)
}

// --- PluginEnvironment ---

func (s *BoltStore) CreatePluginEnvironment(e *types.PluginEnvironment) error {
	return s.put(bucketPluginEnvironments, e.EnvHash, e)
}

func (s *BoltStore) GetPluginEnvironment(envHash string) (*types.PluginEnvironment, error) {
	var e types.PluginEnvironment
	if err := s.get(bucketPluginEnvironments, envHash, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) ListPluginEnvironments() ([]*types.PluginEnvironment, error) {
	var out []*types.PluginEnvironment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPluginEnvironments).ForEach(func(_, v []byte) error {
			var e types.PluginEnvironment
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out, err
}

func (s *BoltStore) UpdatePluginEnvironment(e *types.PluginEnvironment) error {
	return s.put(bucketPluginEnvironments, e.EnvHash, e)
}

func (s *BoltStore) DeletePluginEnvironment(envHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPluginEnvironments).Delete([]byte(envHash))
	})
}

// --- Publisher ---

func (s *BoltStore) CreatePublisher(p *types.Publisher) error {
	return s.put(bucketPublishers, p.ID, p)
}

func (s *BoltStore) GetPublisher(id string) (*types.Publisher, error) {
	var p types.Publisher
	if err := s.get(bucketPublishers, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- RoutingRule ---

func (s *BoltStore) CreateRoutingRule(r *types.RoutingRule) error {
	return s.put(bucketRoutingRules, r.ID, r)
}

func (s *BoltStore) ListRoutingRules() ([]*types.RoutingRule, error) {
	var out []*types.RoutingRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoutingRules).ForEach(func(_, v []byte) error {
			var r types.RoutingRule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, err
}

func (s *BoltStore) DeleteRoutingRulesByPluginName(pluginName string) error {
	tag := "auto_" + pluginName
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutingRules)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var r types.RoutingRule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Tag == tag {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- PluginSubscription ---

func (s *BoltStore) CreatePluginSubscription(sub *types.PluginSubscription) error {
	return s.put(bucketPluginSubscriptions, sub.ID, sub)
}

func (s *BoltStore) ListPluginSubscriptions() ([]*types.PluginSubscription, error) {
	var out []*types.PluginSubscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPluginSubscriptions).ForEach(func(_, v []byte) error {
			var sub types.PluginSubscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			out = append(out, &sub)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeletePluginSubscriptionsByPluginName(pluginName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPluginSubscriptions)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var sub types.PluginSubscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if sub.PluginName == pluginName {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- TopicConfig ---

func (s *BoltStore) CreateTopicConfig(t *types.TopicConfig) error {
	return s.put(bucketTopicConfigs, t.ID, t)
}

func (s *BoltStore) ListTopicConfigsByPluginName(pluginName string) ([]*types.TopicConfig, error) {
	var out []*types.TopicConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTopicConfigs).ForEach(func(_, v []byte) error {
			var t types.TopicConfig
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.PluginName == pluginName {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteTopicConfigsByPluginName(pluginName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopicConfigs)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var t types.TopicConfig
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.PluginName == pluginName {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- ProcessingJob ---

func (s *BoltStore) CreateProcessingJob(j *types.ProcessingJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessingJobs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		j.Sequence = seq
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		return b.Put([]byte(j.ID), data)
	})
}

func (s *BoltStore) GetProcessingJob(id string) (*types.ProcessingJob, error) {
	var j types.ProcessingJob
	if err := s.get(bucketProcessingJobs, id, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *BoltStore) GetNonTerminalJob(fileVersionID, pluginName string) (*types.ProcessingJob, error) {
	jobs, err := s.ListAllJobs()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.FileVersionID == fileVersionID && j.PluginName == pluginName &&
			(j.Status == types.JobQueued || j.Status == types.JobRunning) {
			return j, nil
		}
	}
	return nil, nil
}

// ListAllJobs returns every ProcessingJob regardless of status. Exported;
// ListQueuedJobs and environment.RunningJobGuard scan it.
func (s *BoltStore) ListAllJobs() ([]*types.ProcessingJob, error) {
	var out []*types.ProcessingJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcessingJobs).ForEach(func(_, v []byte) error {
			var j types.ProcessingJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			out = append(out, &j)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListQueuedJobs() ([]*types.ProcessingJob, error) {
	jobs, err := s.ListAllJobs()
	if err != nil {
		return nil, err
	}
	var out []*types.ProcessingJob
	for _, j := range jobs {
		if j.Status == types.JobQueued {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (s *BoltStore) UpdateProcessingJob(j *types.ProcessingJob) error {
	return s.put(bucketProcessingJobs, j.ID, j)
}

// --- helpers ---

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("not found: %s", key)
		}
		return json.Unmarshal(data, v)
	})
}

// DB exposes the underlying bbolt handle.
func (s *BoltStore) DB() *bolt.DB { return s.db }
