package gate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casparianflow/sentinel/pkg/gate"
)

// Scenario 6: a manifest whose source imports socket must be rejected by
// the import denylist.
func TestValidate_RejectsBannedImport(t *testing.T) {
	source := []byte(`
import socket

MANIFEST = PluginManifest(
    pattern="*.magic",
    topic="magic_output",
    subscriptions=["auto_magic_processor"],
)

def process(row):
    return row
`)

	g := gate.New()
	result, err := g.Validate(context.Background(), source)
	require.NoError(t, err)
	require.False(t, result.IsSafe)
	require.NotEmpty(t, result.Violations)
	require.Equal(t, "import_denylist", result.Violations[0].Rule)
}

func TestValidate_AcceptsCleanManifest(t *testing.T) {
	source := []byte(`
MANIFEST = PluginManifest(
    pattern="*.magic",
    topic="magic_output",
    subscriptions=["auto_magic_processor"],
)

def process(row):
    return row
`)

	g := gate.New()
	result, err := g.Validate(context.Background(), source)
	require.NoError(t, err)
	require.True(t, result.IsSafe)
	require.Equal(t, "*.magic", result.Route.Pattern)
	require.Equal(t, "magic_output", result.Route.Topic)
	require.Equal(t, []string{"auto_magic_processor"}, result.Route.Subscriptions)
}

func TestValidate_RejectsDynamicManifest(t *testing.T) {
	source := []byte(`
def compute_pattern():
    return "*.magic"

MANIFEST = PluginManifest(
    pattern=compute_pattern(),
    topic="magic_output",
)
`)

	g := gate.New()
	result, err := g.Validate(context.Background(), source)
	require.NoError(t, err)
	require.False(t, result.IsSafe)
	require.Equal(t, "dynamic_manifest", result.Violations[0].Rule)
}

func TestValidate_RejectsBannedBuiltin(t *testing.T) {
	source := []byte(`
MANIFEST = PluginManifest(pattern="*.magic", topic="t")

def process(row):
    eval(row)
    return row
`)

	g := gate.New()
	result, err := g.Validate(context.Background(), source)
	require.NoError(t, err)
	require.False(t, result.IsSafe)

	var sawBuiltinViolation bool
	for _, v := range result.Violations {
		if v.Rule == "builtin_denylist" {
			sawBuiltinViolation = true
		}
	}
	require.True(t, sawBuiltinViolation)
}
