package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casparianflow/sentinel/pkg/config"
)

func TestLoadSentinel_EmptyPathReturnsZeroValue(t *testing.T) {
	cfg, err := config.LoadSentinel("")
	require.NoError(t, err)
	require.Equal(t, config.Sentinel{}, cfg)
}

func TestLoadSentinel_ParsesFile(t *testing.T) {
	path := writeTempConfig(t, `
listenAddr: 0.0.0.0:9999
metricsAddr: 127.0.0.1:9091
dataDir: /tmp/casparianflow-test
logLevel: debug
logJSON: true
`)

	cfg, err := config.LoadSentinel(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.ListenAddr)
	require.Equal(t, "127.0.0.1:9091", cfg.MetricsAddr)
	require.Equal(t, "/tmp/casparianflow-test", cfg.DataDir)
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.LogJSON)
}

func TestLoadSentinel_MissingFileErrors(t *testing.T) {
	_, err := config.LoadSentinel(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadWorker_ParsesFile(t *testing.T) {
	path := writeTempConfig(t, `
sentinelAddr: 127.0.0.1:7770
sentinelHealthAddr: 127.0.0.1:9090
identity: worker-1
capabilities:
  - csv-normalizer
  - json-enricher
socketsDir: /tmp/sockets
envsDir: /tmp/envs
`)

	cfg, err := config.LoadWorker(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7770", cfg.SentinelAddr)
	require.Equal(t, "127.0.0.1:9090", cfg.SentinelHealth)
	require.Equal(t, "worker-1", cfg.Identity)
	require.Equal(t, []string{"csv-normalizer", "json-enricher"}, cfg.Capabilities)
}

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}
