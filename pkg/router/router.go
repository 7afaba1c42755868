// Package router implements the two-phase routing system: the Projector,
// which derives routing state from a newly-activated plugin manifest, and
// the Tagger, which applies that routing state to newly-observed file
// versions and enqueues jobs for subscribed plugins.
package router

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/casparianflow/sentinel/pkg/casperr"
	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/queue"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

// ManifestRoute is the (pattern, topic, sink URI) triple a manifest declares
// for the Projector to materialize. Extracted statically by the gate; never
// derived by executing the manifest's source.
type ManifestRoute struct {
	Pattern string
	Topic   string
	SinkURI string
}

// Projector derives RoutingRule, PluginSubscription, and TopicConfig rows
// from a manifest's declared route on ACTIVE promotion.
type Projector struct {
	store storage.Store
	events *events.Broker
}

// NewProjector returns a Projector writing through store.
func NewProjector(store storage.Store, b *events.Broker) *Projector {
	return &Projector{store: store, events: b}
}

// Project writes the three routing rows for pluginName's newly-activated
// route. Deletion of a manifest never retracts these rows; re-activation of
// a later version of the same plugin overwrites the rows keyed by plugin
// name, per the cumulative-state design.
func (p *Projector) Project(pluginName string, route ManifestRoute) error {
	tag := "auto_" + pluginName

	if err := p.store.DeleteRoutingRulesByPluginName(pluginName); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "clearing prior routing rules")
	}
	if err := p.store.DeletePluginSubscriptionsByPluginName(pluginName); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "clearing prior plugin subscriptions")
	}
	if err := p.store.DeleteTopicConfigsByPluginName(pluginName); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "clearing prior topic configs")
	}

	rule := &types.RoutingRule{
		ID:       uuid.NewString(),
		Pattern:  route.Pattern,
		Tag:      tag,
		Priority: defaultRulePriority(route.Pattern),
	}
	if err := p.store.CreateRoutingRule(rule); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "writing routing rule")
	}

	sub := &types.PluginSubscription{
		ID:         uuid.NewString(),
		PluginName: pluginName,
		Tag:        tag,
	}
	if err := p.store.CreatePluginSubscription(sub); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "writing plugin subscription")
	}

	topic := &types.TopicConfig{
		ID:         uuid.NewString(),
		PluginName: pluginName,
		Topic:      route.Topic,
		SinkURI:    deriveSinkURI(route),
		Mode:       "append",
	}
	if err := p.store.CreateTopicConfig(topic); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "writing topic config")
	}

	if p.events != nil {
		p.events.Publish(&events.Event{
			Type: events.EventManifestActive,
			Metadata: map[string]string{
				"plugin_name": pluginName,
				"pattern":     route.Pattern,
				"tag":         tag,
			},
		})
	}
	return nil
}

func deriveSinkURI(route ManifestRoute) string {
	if route.SinkURI != "" {
		return route.SinkURI
	}
	return "topic://" + route.Topic
}

// defaultRulePriority favors more specific (longer, less wildcard-heavy)
// patterns so the Tagger's priority-descending match order prefers them.
func defaultRulePriority(pattern string) int {
	score := len(pattern) * 10
	score -= strings.Count(pattern, "*") * 5
	return score
}

// Tagger applies RoutingRules to file locations as new content is observed,
// unions matched tags with any pre-existing manual tags, writes a new
// FileVersion when the tag set or fingerprint changed, and enqueues one
// ProcessingJob per subscribed plugin.
type Tagger struct {
	store storage.Store
	queue *queue.Queue
}

// NewTagger returns a Tagger writing through store and pushing jobs onto q.
func NewTagger(store storage.Store, q *queue.Queue) *Tagger {
	return &Tagger{store: store, queue: q}
}

// Observation is one (relative_path, content_hash, size, mtime) scanner
// finding for a single location.
type Observation struct {
	RelativePath string
	ContentHash  string
	Size         int64
	ModTime      int64 // unix seconds
}

// TagResult reports what the Tagger actually did, for scenario assertions.
type TagResult struct {
	NewFileVersion *types.FileVersion
	QueuedJobs     []*types.ProcessingJob
}

// Tag applies all RoutingRules to a single location's new observation. If
// the resulting tag set and fingerprint are unchanged from the location's
// current version, Tag is a no-op and returns a nil TagResult. A location
// with no current version whose observation matches no rule and carries no
// manual tags is likewise left untouched.
func (t *Tagger) Tag(rootID string, loc *types.FileLocation, obs Observation, manualTags []string) (*TagResult, error) {
	rules, err := t.store.ListRoutingRules()
	if err != nil {
		return nil, casperr.Wrap(casperr.KindCoordination, false, err, "listing routing rules")
	}

	matched := matchTags(rules, obs.RelativePath)
	applied := unionTags(manualTags, matched)

	fingerprint := obs.ContentHash

	if loc.CurrentVersionID == "" && applied == "" {
		return nil, nil
	}
	if loc.CurrentVersionID != "" {
		current, err := t.store.GetFileVersion(loc.CurrentVersionID)
		if err != nil {
			return nil, casperr.Wrap(casperr.KindCoordination, false, err, "loading current file version")
		}
		if current.Fingerprint == fingerprint && current.AppliedTags == applied {
			return nil, nil
		}
	}

	version := &types.FileVersion{
		ID:          uuid.NewString(),
		LocationID:  loc.ID,
		Fingerprint: fingerprint,
		Size:        obs.Size,
		AppliedTags: applied,
	}
	if err := t.store.CreateFileVersion(version); err != nil {
		return nil, casperr.Wrap(casperr.KindCoordination, false, err, "writing file version")
	}

	loc.CurrentVersionID = version.ID
	if err := t.store.UpdateFileLocation(loc); err != nil {
		return nil, casperr.Wrap(casperr.KindCoordination, false, err, "updating file location")
	}

	if applied == "" {
		return &TagResult{NewFileVersion: version}, nil
	}

	subs, err := t.store.ListPluginSubscriptions()
	if err != nil {
		return nil, casperr.Wrap(casperr.KindCoordination, false, err, "listing plugin subscriptions")
	}

	appliedSet := splitTags(applied)
	var jobs []*types.ProcessingJob
	seen := map[string]bool{}
	for _, sub := range subs {
		if seen[sub.PluginName] || !appliedSet[sub.Tag] {
			continue
		}
		seen[sub.PluginName] = true
		job, err := t.queue.Push(version.ID, sub.PluginName, 100)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return &TagResult{NewFileVersion: version, QueuedJobs: jobs}, nil
}

func matchTags(rules []*types.RoutingRule, relativePath string) []string {
	name := filepath.Base(relativePath)

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	var tags []string
	for _, r := range rules {
		ok, err := filepath.Match(r.Pattern, name)
		if err != nil || !ok {
			continue
		}
		tags = append(tags, r.Tag)
	}
	return tags
}

func unionTags(manual, matched []string) string {
	set := map[string]bool{}
	for _, tag := range manual {
		if tag != "" {
			set[tag] = true
		}
	}
	for _, tag := range matched {
		set[tag] = true
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func splitTags(applied string) map[string]bool {
	set := map[string]bool{}
	for _, tag := range strings.Split(applied, ",") {
		if tag != "" {
			set[tag] = true
		}
	}
	return set
}

// fingerprint is exposed for the scanner to compute a stable content hash
// without importing crypto/sha256 itself.
func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes the content-hash the scanner should pass as
// Observation.ContentHash.
func Fingerprint(data []byte) string { return fingerprint(data) }
