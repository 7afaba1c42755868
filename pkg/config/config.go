// Package config loads Sentinel and worker configuration from a top-level
// YAML file, the way the teacher's `warren apply` loads a resource manifest:
// read the file, unmarshal into a tagged struct, and let the caller layer
// cobra flags on top. A missing or empty path is not an error - every field
// falls back to its cobra-flag default.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sentinel mirrors cmd/sentinel's serve flags so an operator can check a
// config file into version control instead of a long flag invocation.
type Sentinel struct {
	ListenAddr  string `yaml:"listenAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
	DataDir     string `yaml:"dataDir"`
	LogLevel    string `yaml:"logLevel"`
	LogJSON     bool   `yaml:"logJSON"`
}

// Worker mirrors cmd/worker's start flags.
type Worker struct {
	SentinelAddr   string   `yaml:"sentinelAddr"`
	SentinelHealth string   `yaml:"sentinelHealthAddr"`
	Identity       string   `yaml:"identity"`
	Capabilities   []string `yaml:"capabilities"`
	SocketsDir     string   `yaml:"socketsDir"`
	EnvsDir        string   `yaml:"envsDir"`
	LogLevel       string   `yaml:"logLevel"`
	LogJSON        bool     `yaml:"logJSON"`
}

// LoadSentinel reads a Sentinel config from path. An empty path returns the
// zero value and no error, so callers can unconditionally layer cobra flags
// on top regardless of whether --config was given.
func LoadSentinel(path string) (Sentinel, error) {
	var cfg Sentinel
	if path == "" {
		return cfg, nil
	}
	if err := readYAML(path, &cfg); err != nil {
		return Sentinel{}, err
	}
	return cfg, nil
}

// LoadWorker reads a worker config from path, same empty-path contract as
// LoadSentinel.
func LoadWorker(path string) (Worker, error) {
	var cfg Worker
	if path == "" {
		return cfg, nil
	}
	if err := readYAML(path, &cfg); err != nil {
		return Worker{}, err
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}
