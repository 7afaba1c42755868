// Package identity verifies artifact signatures against a configured
// identity provider: a local HMAC-SHA256 shared secret for single-machine
// deployments, or a federated asymmetric signature in enterprise mode.
//
// Grounded on the local provider's HMAC fallback path (the architect's
// verify_signature call against a configured secret_key); the Ed25519
// keypair path the original also supports is out of scope here since no
// federation partner exists yet (see FederatedProvider, the stub Provider).
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Provider verifies a signature over an artifact hash.
type Provider interface {
	// Verify reports whether signature authenticates artifactHash for
	// publisherID under this provider's trust model.
	Verify(artifactHash string, signature []byte, publisherID string) (bool, error)
}

// LocalProvider verifies a symmetric HMAC-SHA256 MAC computed over the
// artifact hash with a single shared secret, configured at startup.
type LocalProvider struct {
	secretKey []byte
}

// NewLocalProvider returns a LocalProvider keyed by secretKey.
func NewLocalProvider(secretKey []byte) *LocalProvider {
	return &LocalProvider{secretKey: secretKey}
}

// Sign computes the HMAC-SHA256 MAC a publisher would attach to a DEPLOY
// payload; exposed for the publish CLI and for tests.
func (p *LocalProvider) Sign(artifactHash string) []byte {
	mac := hmac.New(sha256.New, p.secretKey)
	mac.Write([]byte(artifactHash))
	return mac.Sum(nil)
}

// Verify recomputes the HMAC over artifactHash and compares it against
// signature in constant time. publisherID is unused in local mode: there is
// exactly one shared secret, not a per-publisher key.
func (p *LocalProvider) Verify(artifactHash string, signature []byte, publisherID string) (bool, error) {
	expected := p.Sign(artifactHash)
	return hmac.Equal(expected, signature), nil
}

// FederatedProvider verifies an asymmetric signature issued by an external
// identity federation. Not implemented: no federation partner is wired into
// this deployment yet, so Verify always fails closed.
type FederatedProvider struct {
	issuerURL string
}

// NewFederatedProvider returns a FederatedProvider trusting issuerURL.
func NewFederatedProvider(issuerURL string) *FederatedProvider {
	return &FederatedProvider{issuerURL: issuerURL}
}

// Verify always returns an error: enterprise asymmetric verification
// requires a federation partner that is not configured in this deployment.
func (p *FederatedProvider) Verify(artifactHash string, signature []byte, publisherID string) (bool, error) {
	return false, fmt.Errorf("federated identity provider not configured (issuer %s)", p.issuerURL)
}

// HashArtifact computes the artifact_hash over source and lockfile bytes,
// the value Stage 1 of the deployment pipeline checks the claimed hash
// against.
func HashArtifact(source, lockfile []byte) string {
	h := sha256.New()
	h.Write(source)
	h.Write(lockfile)
	return hex.EncodeToString(h.Sum(nil))
}

// HashSource computes source_hash, used to detect re-deployment of
// byte-identical plugin source.
func HashSource(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}
