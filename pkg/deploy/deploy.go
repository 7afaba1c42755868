// Package deploy implements the five-stage artifact deployment pipeline:
// ingest, static gate, signature verification, environment provisioning,
// and promotion. Any stage's failure terminates the pipeline and records
// the specific cause on the manifest row.
package deploy

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/casparianflow/sentinel/pkg/bridge"
	"github.com/casparianflow/sentinel/pkg/casperr"
	"github.com/casparianflow/sentinel/pkg/environment"
	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/gate"
	"github.com/casparianflow/sentinel/pkg/health"
	"github.com/casparianflow/sentinel/pkg/identity"
	"github.com/casparianflow/sentinel/pkg/log"
	"github.com/casparianflow/sentinel/pkg/metrics"
	"github.com/casparianflow/sentinel/pkg/router"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

// Request is the DEPLOY payload the pipeline consumes.
type Request struct {
	PluginName      string
	Version         string
	SourceCode      []byte
	LockfileContent string
	ArtifactHash    string
	Signature       []byte
	PublisherID     string
	SampleInput     []byte
}

// Pipeline runs a submitted artifact through all five stages.
type Pipeline struct {
	store      storage.Store
	gate       *gate.Gate
	identity   identity.Provider
	envManager *environment.Manager
	projector  *router.Projector
	host       *bridge.Host
	events     *events.Broker
}

// NewPipeline wires the pipeline's dependencies.
func NewPipeline(
	store storage.Store,
	g *gate.Gate,
	idProvider identity.Provider,
	envManager *environment.Manager,
	projector *router.Projector,
	host *bridge.Host,
	b *events.Broker,
) *Pipeline {
	return &Pipeline{
		store:      store,
		gate:       g,
		identity:   idProvider,
		envManager: envManager,
		projector:  projector,
		host:       host,
		events:     b,
	}
}

// Deploy runs req through ingest, gate, signature verification, environment
// provisioning, and promotion, returning the resulting manifest (whatever
// its terminal status).
func (p *Pipeline) Deploy(ctx context.Context, req Request) (*types.PluginManifest, error) {
	manifest, err := p.stageIngest(req)
	if err != nil {
		return manifest, err
	}
	if manifest.Status == types.ManifestRejected {
		return manifest, nil
	}

	route, err := p.stageGate(ctx, manifest)
	if err != nil {
		return manifest, err
	}
	if manifest.Status == types.ManifestRejected {
		return manifest, nil
	}

	if err := p.stageSignature(manifest); err != nil {
		return manifest, err
	}
	if manifest.Status == types.ManifestRejected {
		return manifest, nil
	}

	if err := p.stageEnvironment(ctx, manifest, req.LockfileContent); err != nil {
		return manifest, err
	}
	if manifest.Status == types.ManifestFailed {
		return manifest, nil
	}

	if err := p.stagePromote(ctx, manifest, route, req.SampleInput); err != nil {
		return manifest, err
	}

	return manifest, nil
}

// stageIngest computes artifact_hash and source_hash, rejecting on mismatch
// or on a duplicate source hash.
func (p *Pipeline) stageIngest(req Request) (*types.PluginManifest, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeploymentStageDuration, "ingest")

	manifest := &types.PluginManifest{
		ID:          uuid.NewString(),
		PluginName:  req.PluginName,
		Version:     req.Version,
		SourceCode:  req.SourceCode,
		Signature:   req.Signature,
		PublisherID: req.PublisherID,
		Status:      types.ManifestPending,
		CreatedAt:   time.Now(),
	}

	computedArtifactHash := identity.HashArtifact(req.SourceCode, []byte(req.LockfileContent))
	if computedArtifactHash != req.ArtifactHash {
		return p.reject(manifest, "artifact hash mismatch: claimed hash does not match source+lockfile")
	}
	manifest.ArtifactHash = computedArtifactHash

	manifest.SourceHash = identity.HashSource(req.SourceCode)
	existing, err := p.store.GetPluginManifestBySourceHash(manifest.SourceHash)
	if err != nil {
		return manifest, casperr.Wrap(casperr.KindCoordination, false, err, "checking for duplicate manifest")
	}
	if existing != nil {
		return p.reject(manifest, "a manifest with this source hash already exists")
	}

	if req.LockfileContent != "" {
		manifest.EnvHash = identity.HashSource([]byte(req.LockfileContent))
	}

	if err := p.store.CreatePluginManifest(manifest); err != nil {
		return manifest, casperr.Wrap(casperr.KindCoordination, false, err, "persisting ingested manifest")
	}
	return manifest, nil
}

// stageGate parses the source into an AST and applies the import denylist,
// builtin denylist, and literal-only MANIFEST extraction checks.
func (p *Pipeline) stageGate(ctx context.Context, manifest *types.PluginManifest) (gate.Route, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeploymentStageDuration, "gate")

	result, err := p.gate.Validate(ctx, manifest.SourceCode)
	if err != nil {
		return gate.Route{}, casperr.Wrap(casperr.KindValidation, false, err, "parsing plugin source")
	}
	if !result.IsSafe {
		_, rejectErr := p.reject(manifest, result.ErrorMessage)
		return gate.Route{}, rejectErr
	}
	if err := p.store.UpdatePluginManifest(manifest); err != nil {
		return gate.Route{}, casperr.Wrap(casperr.KindCoordination, false, err, "persisting gated manifest")
	}
	return result.Route, nil
}

// stageSignature verifies the artifact hash's signature under the
// configured identity provider.
func (p *Pipeline) stageSignature(manifest *types.PluginManifest) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeploymentStageDuration, "signature")

	ok, err := p.identity.Verify(manifest.ArtifactHash, manifest.Signature, manifest.PublisherID)
	if err != nil || !ok {
		_, rejectErr := p.reject(manifest, "signature verification failed")
		return rejectErr
	}
	return nil
}

// stageEnvironment provisions (or reuses) the isolated environment the
// manifest's lockfile resolves to, when the deployment carries one.
func (p *Pipeline) stageEnvironment(ctx context.Context, manifest *types.PluginManifest, lockfileContent string) error {
	if lockfileContent == "" {
		return nil // no isolated environment required
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeploymentStageDuration, "environment")

	_, err := p.envManager.GetOrCreate(ctx, manifest.EnvHash, lockfileContent)
	if err != nil {
		manifest.Status = types.ManifestFailed
		manifest.ValidationError = "environment provisioning failed"
		_ = p.store.UpdatePluginManifest(manifest)
		metrics.DeploymentsTotal.WithLabelValues("failed").Inc()
		return err
	}
	return nil
}

// stagePromote stages the manifest, optionally runs a sandbox probe when
// sampleInput is non-empty, then promotes STAGING to ACTIVE and projects
// the derived routing entities in one logical step. It supersedes any
// prior ACTIVE manifest for the same plugin name.
func (p *Pipeline) stagePromote(ctx context.Context, manifest *types.PluginManifest, route gate.Route, sampleInput []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeploymentStageDuration, "promote")

	manifest.Status = types.ManifestStaging
	if err := p.store.UpdatePluginManifest(manifest); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "staging manifest")
	}
	if p.events != nil {
		p.events.Publish(&events.Event{
			Type: events.EventManifestStaged,
			Metadata: map[string]string{
				"manifest_id": manifest.ID,
				"plugin_name": manifest.PluginName,
				"version":     manifest.Version,
			},
		})
	}

	if len(sampleInput) > 0 {
		if err := p.sandboxProbe(ctx, manifest, sampleInput); err != nil {
			manifest.Status = types.ManifestFailed
			manifest.ValidationError = "sandbox probe failed: " + err.Error()
			_ = p.store.UpdatePluginManifest(manifest)
			metrics.DeploymentsTotal.WithLabelValues("failed").Inc()
			return nil
		}
	}

	manifest.Status = types.ManifestActive
	manifest.DeployedAt = time.Now()
	if err := p.store.UpdatePluginManifest(manifest); err != nil {
		return casperr.Wrap(casperr.KindCoordination, false, err, "promoting manifest")
	}

	if err := p.projector.Project(manifest.PluginName, router.ManifestRoute{
		Pattern: route.Pattern,
		Topic:   route.Topic,
	}); err != nil {
		return err
	}

	metrics.DeploymentsTotal.WithLabelValues("active").Inc()
	if p.events != nil {
		p.events.Publish(&events.Event{
			Type: events.EventManifestActive,
			Metadata: map[string]string{
				"manifest_id": manifest.ID,
				"plugin_name": manifest.PluginName,
				"version":     manifest.Version,
			},
		})
	}
	return nil
}

// sandboxProbe spawns a short-lived guest with the artifact and sampleInput,
// expecting a clean connection and end-of-stream within a few seconds.
func (p *Pipeline) sandboxProbe(ctx context.Context, manifest *types.PluginManifest, sampleInput []byte) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	interpreterPath := "python3"
	if manifest.EnvHash != "" {
		interpreterPath = p.envManager.InterpreterPath(manifest.EnvHash)
	}

	interpreterCheck := health.NewExecChecker([]string{interpreterPath, "--version"}).WithTimeout(5 * time.Second)
	if result := interpreterCheck.Check(probeCtx); !result.Healthy {
		return casperr.New(casperr.KindEnvironment, false, "interpreter did not respond: "+result.Message)
	}

	inputPath, cleanup, err := sampleInputPath(sampleInput)
	if err != nil {
		return casperr.Wrap(casperr.KindExecution, false, err, "writing sample input")
	}
	defer cleanup()

	_, err = p.host.Execute(probeCtx, bridge.Spec{
		InterpreterPath: interpreterPath,
		SourceCode:      string(manifest.SourceCode),
		FilePath:        inputPath,
		Timeout:         10 * time.Second,
	}, nil)
	return err
}

// sampleInputPath writes the probe's synthetic input to a temp file and
// returns that path, plus a func that removes the file.
func sampleInputPath(sampleInput []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "casparian-probe-*")
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	if _, err := f.Write(sampleInput); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func (p *Pipeline) reject(manifest *types.PluginManifest, reason string) (*types.PluginManifest, error) {
	manifest.Status = types.ManifestRejected
	manifest.ValidationError = reason
	// CreatePluginManifest and UpdatePluginManifest both resolve to the
	// same upsert-by-ID write, so this is safe whether or not stageIngest
	// has already persisted the row.
	if err := p.store.CreatePluginManifest(manifest); err != nil {
		return manifest, casperr.Wrap(casperr.KindCoordination, false, err, "persisting rejected manifest")
	}
	metrics.DeploymentsTotal.WithLabelValues("rejected").Inc()
	log.WithPluginName(manifest.PluginName).Warn().Str("reason", reason).Msg("manifest rejected")
	if p.events != nil {
		p.events.Publish(&events.Event{
			Type: events.EventManifestRejected,
			Metadata: map[string]string{
				"manifest_id": manifest.ID,
				"plugin_name": manifest.PluginName,
				"reason":      reason,
			},
		})
	}
	return manifest, nil
}
