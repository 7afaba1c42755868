package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casparianflow/sentinel/pkg/identity"
)

func TestLocalProvider_VerifyAcceptsOwnSignature(t *testing.T) {
	p := identity.NewLocalProvider([]byte("test-secret"))

	hash := identity.HashArtifact([]byte("source"), []byte("lockfile"))
	sig := p.Sign(hash)

	ok, err := p.Verify(hash, sig, "publisher-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalProvider_VerifyRejectsTamperedSignature(t *testing.T) {
	p := identity.NewLocalProvider([]byte("test-secret"))

	hash := identity.HashArtifact([]byte("source"), []byte("lockfile"))
	sig := p.Sign(hash)
	sig[0] ^= 0xFF

	ok, err := p.Verify(hash, sig, "publisher-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalProvider_VerifyRejectsWrongSecret(t *testing.T) {
	signer := identity.NewLocalProvider([]byte("secret-a"))
	verifier := identity.NewLocalProvider([]byte("secret-b"))

	hash := identity.HashArtifact([]byte("source"), []byte("lockfile"))
	sig := signer.Sign(hash)

	ok, err := verifier.Verify(hash, sig, "publisher-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFederatedProvider_VerifyFailsClosed(t *testing.T) {
	p := identity.NewFederatedProvider("https://issuer.example.com")

	ok, err := p.Verify("some-hash", []byte("sig"), "publisher-1")
	require.Error(t, err)
	require.False(t, ok)
}

func TestHashArtifact_DeterministicOverSourceAndLockfile(t *testing.T) {
	a := identity.HashArtifact([]byte("source"), []byte("lockfile"))
	b := identity.HashArtifact([]byte("source"), []byte("lockfile"))
	require.Equal(t, a, b)

	c := identity.HashArtifact([]byte("source"), []byte("other-lockfile"))
	require.NotEqual(t, a, c)
}
