package deploy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casparianflow/sentinel/pkg/deploy"
	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/gate"
	"github.com/casparianflow/sentinel/pkg/identity"
	"github.com/casparianflow/sentinel/pkg/router"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

const cleanSource = `
MANIFEST = PluginManifest(
    pattern="*.magic",
    topic="magic_output",
    subscriptions=["auto_magic_processor"],
)

def process(row):
    return row
`

func newTestPipeline(t *testing.T) (*deploy.Pipeline, storage.Store, *identity.LocalProvider) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := events.NewBroker()
	b.Start()
	t.Cleanup(b.Stop)

	idProvider := identity.NewLocalProvider([]byte("test-secret"))
	projector := router.NewProjector(store, b)

	pipeline := deploy.NewPipeline(store, gate.New(), idProvider, nil, projector, nil, b)
	return pipeline, store, idProvider
}

func signedRequest(idProvider *identity.LocalProvider, pluginName, source string) deploy.Request {
	sourceBytes := []byte(source)
	artifactHash := identity.HashArtifact(sourceBytes, nil)
	return deploy.Request{
		PluginName:   pluginName,
		Version:      "1.0.0",
		SourceCode:   sourceBytes,
		ArtifactHash: artifactHash,
		Signature:    idProvider.Sign(artifactHash),
		PublisherID:  "publisher-1",
	}
}

func TestDeploy_CleanManifestPromotesToActive(t *testing.T) {
	pipeline, store, idProvider := newTestPipeline(t)

	manifest, err := pipeline.Deploy(context.Background(), signedRequest(idProvider, "magic_processor", cleanSource))
	require.NoError(t, err)
	require.Equal(t, types.ManifestActive, manifest.Status)
	require.False(t, manifest.DeployedAt.IsZero())

	rules, err := store.ListRoutingRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "*.magic", rules[0].Pattern)
}

// Scenario 6: a manifest whose source imports socket is rejected at the
// gate stage.
func TestDeploy_RejectsBannedImport(t *testing.T) {
	pipeline, _, idProvider := newTestPipeline(t)

	source := "import socket\n" + cleanSource
	manifest, err := pipeline.Deploy(context.Background(), signedRequest(idProvider, "magic_processor", source))
	require.NoError(t, err)
	require.Equal(t, types.ManifestRejected, manifest.Status)
	require.Contains(t, manifest.ValidationError, "socket")
}

func TestDeploy_RejectsArtifactHashMismatch(t *testing.T) {
	pipeline, _, idProvider := newTestPipeline(t)

	req := signedRequest(idProvider, "magic_processor", cleanSource)
	req.ArtifactHash = "not-the-real-hash"

	manifest, err := pipeline.Deploy(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, types.ManifestRejected, manifest.Status)
	require.Contains(t, manifest.ValidationError, "hash mismatch")
}

func TestDeploy_RejectsBadSignature(t *testing.T) {
	pipeline, _, idProvider := newTestPipeline(t)

	req := signedRequest(idProvider, "magic_processor", cleanSource)
	req.Signature = []byte("forged-signature")

	manifest, err := pipeline.Deploy(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, types.ManifestRejected, manifest.Status)
	require.Contains(t, manifest.ValidationError, "signature")
}

func TestDeploy_RejectsDuplicateSourceHash(t *testing.T) {
	pipeline, _, idProvider := newTestPipeline(t)

	first := signedRequest(idProvider, "magic_processor", cleanSource)
	_, err := pipeline.Deploy(context.Background(), first)
	require.NoError(t, err)

	second := signedRequest(idProvider, "magic_processor_v2", cleanSource)
	manifest, err := pipeline.Deploy(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, types.ManifestRejected, manifest.Status)
	require.Contains(t, manifest.ValidationError, "already exists")
}

func TestDeploy_ReactivationSupersedesPriorManifest(t *testing.T) {
	pipeline, store, idProvider := newTestPipeline(t)

	v1 := signedRequest(idProvider, "magic_processor", cleanSource)
	first, err := pipeline.Deploy(context.Background(), v1)
	require.NoError(t, err)
	require.Equal(t, types.ManifestActive, first.Status)

	v2Source := cleanSource + "\n# v2\n"
	v2 := signedRequest(idProvider, "magic_processor", v2Source)
	second, err := pipeline.Deploy(context.Background(), v2)
	require.NoError(t, err)
	require.Equal(t, types.ManifestActive, second.Status)

	latest, err := store.GetActiveManifestByPluginName("magic_processor")
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
}
