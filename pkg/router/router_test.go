package router_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/queue"
	"github.com/casparianflow/sentinel/pkg/router"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

func newTestRig(t *testing.T) (storage.Store, *router.Projector, *router.Tagger) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := events.NewBroker()
	b.Start()
	t.Cleanup(b.Stop)

	q := queue.New(store, b)
	return store, router.NewProjector(store, b), router.NewTagger(store, q)
}

func seedLocation(t *testing.T, store storage.Store) *types.FileLocation {
	t.Helper()
	loc := &types.FileLocation{ID: "loc-1", RootID: "root-1", RelativePath: "data.magic"}
	require.NoError(t, store.CreateFileLocation(loc))
	return loc
}

// Scenario 1 (dead-state): a FileLocation for data.magic exists but no
// RoutingRule matches *.magic. Running the Tagger produces no new
// FileVersion and no ProcessingJob.
func TestTagger_NoMatchingRuleIsNoOp(t *testing.T) {
	store, _, tagger := newTestRig(t)
	loc := seedLocation(t, store)

	result, err := tagger.Tag("root-1", loc, router.Observation{
		RelativePath: "data.magic",
		ContentHash:  "hash-1",
		Size:         12,
	}, nil)

	require.NoError(t, err)
	require.Nil(t, result)

	versions, err := store.ListFileVersionsByLocation(loc.ID)
	require.NoError(t, err)
	require.Empty(t, versions)
}

// Scenario 2 (autonomous wiring): activating a manifest with
// pattern="*.magic" wires a RoutingRule, PluginSubscription, and
// TopicConfig; re-running the Tagger against the dead-state location then
// produces exactly one new FileVersion and one QUEUED job.
func TestProjectorThenTagger_WiresAutonomously(t *testing.T) {
	store, projector, tagger := newTestRig(t)
	loc := seedLocation(t, store)

	err := projector.Project("magic_processor", router.ManifestRoute{
		Pattern: "*.magic",
		Topic:   "magic_output",
	})
	require.NoError(t, err)

	rules, err := store.ListRoutingRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "*.magic", rules[0].Pattern)
	require.Equal(t, "auto_magic_processor", rules[0].Tag)

	subs, err := store.ListPluginSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "magic_processor", subs[0].PluginName)
	require.Equal(t, "auto_magic_processor", subs[0].Tag)

	topics, err := store.ListTopicConfigsByPluginName("magic_processor")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, "magic_output", topics[0].Topic)

	result, err := tagger.Tag("root-1", loc, router.Observation{
		RelativePath: "data.magic",
		ContentHash:  "hash-1",
		Size:         12,
	}, nil)

	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.NewFileVersion)
	require.Equal(t, "auto_magic_processor", result.NewFileVersion.AppliedTags)
	require.Len(t, result.QueuedJobs, 1)
	require.Equal(t, "magic_processor", result.QueuedJobs[0].PluginName)
	require.Equal(t, types.JobQueued, result.QueuedJobs[0].Status)
}

func TestProjector_ReactivationOverwritesByPluginName(t *testing.T) {
	store, projector, _ := newTestRig(t)

	require.NoError(t, projector.Project("magic_processor", router.ManifestRoute{
		Pattern: "*.magic",
		Topic:   "magic_output_v1",
	}))
	require.NoError(t, projector.Project("magic_processor", router.ManifestRoute{
		Pattern: "*.magic2",
		Topic:   "magic_output_v2",
	}))

	rules, err := store.ListRoutingRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "*.magic2", rules[0].Pattern)

	topics, err := store.ListTopicConfigsByPluginName("magic_processor")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, "magic_output_v2", topics[0].Topic)
}
