package environment

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/casparianflow/sentinel/pkg/casperr"
	"github.com/casparianflow/sentinel/pkg/log"
)

// UvBuilder materializes an environment by shelling out to uv: writing the
// submitted lockfile and a minimal pyproject.toml into envDir, then running
// "uv venv" followed by "uv sync --frozen" to install exactly the locked
// dependency set.
//
// Grounded on the venv manager's uv-based provisioning (write lockfile +
// pyproject.toml, uv venv, then sync), adapted from a long-lived manager
// object with its own metadata file onto a stateless Builder that leaves
// metadata bookkeeping to Manager/pkg/storage.
type UvBuilder struct {
	UvPath        string // defaults to "uv" on PATH
	PythonVersion string // e.g. "3.11"; empty means uv's default
	SyncTimeout   time.Duration
}

// NewUvBuilder returns a UvBuilder using the "uv" binary on PATH.
func NewUvBuilder() *UvBuilder {
	return &UvBuilder{UvPath: "uv", SyncTimeout: 5 * time.Minute}
}

func (b *UvBuilder) Build(ctx context.Context, envHash, lockfileContent, envDir string) (string, int64, error) {
	logger := log.WithEnvHash(envHash)

	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return "", 0, casperr.Wrap(casperr.KindEnvironment, false, err, "creating environment directory")
	}

	if err := os.WriteFile(filepath.Join(envDir, "uv.lock"), []byte(lockfileContent), 0o644); err != nil {
		return "", 0, casperr.Wrap(casperr.KindEnvironment, false, err, "writing lockfile")
	}
	if err := os.WriteFile(filepath.Join(envDir, "pyproject.toml"), []byte(b.pyprojectToml()), 0o644); err != nil {
		return "", 0, casperr.Wrap(casperr.KindEnvironment, false, err, "writing pyproject.toml")
	}

	venvDir := filepath.Join(envDir, "venv")
	if err := b.run(ctx, logger, envDir, b.venvArgs(venvDir)); err != nil {
		return "", 0, casperr.Wrap(casperr.KindEnvironment, true, err, "uv venv")
	}
	if err := b.run(ctx, logger, envDir, []string{"sync", "--frozen"}); err != nil {
		return "", 0, casperr.Wrap(casperr.KindEnvironment, true, err, "uv sync")
	}

	sizeBytes, err := dirSize(envDir)
	if err != nil {
		return "", 0, casperr.Wrap(casperr.KindEnvironment, false, err, "measuring environment size")
	}

	interpreterPath := filepath.Join(venvDir, "bin", "python")
	logger.Info().Str("interpreter", interpreterPath).Int64("size_bytes", sizeBytes).Msg("environment materialized")
	return interpreterPath, sizeBytes, nil
}

func (b *UvBuilder) venvArgs(venvDir string) []string {
	args := []string{"venv", venvDir}
	if b.PythonVersion != "" {
		args = append(args, "--python", b.PythonVersion)
	}
	return args
}

func (b *UvBuilder) pyprojectToml() string {
	constraint := ">=3.10"
	if b.PythonVersion != "" {
		constraint = ">=" + b.PythonVersion
	}
	return fmt.Sprintf(`[project]
name = "casparian-flow-guest-env"
version = "0.0.1"
requires-python = "%s"
dependencies = []

[tool.uv]
# dependencies are fully specified in uv.lock
`, constraint)
}

func (b *UvBuilder) run(ctx context.Context, logger zerolog.Logger, dir string, args []string) error {
	timeout := b.SyncTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	uvPath := b.UvPath
	if uvPath == "" {
		uvPath = "uv"
	}
	cmd := exec.CommandContext(runCtx, uvPath, args...)
	cmd.Dir = dir
	cmd.Stdout = logWriter{logger: logger, level: "debug"}
	cmd.Stderr = logWriter{logger: logger, level: "debug"}
	return cmd.Run()
}

type logWriter struct {
	logger zerolog.Logger
	level  string
}

func (w logWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if w.level == "debug" {
		w.logger.Debug().Msg(msg)
	} else {
		w.logger.Warn().Msg(msg)
	}
	return len(p), nil
}

var _ io.Writer = logWriter{}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
