package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeai/internal/config"
)

func init() {
	color.NoColor = true
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// dryRunConfig writes a config that needs no model server or disk state.
func dryRunConfig(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Backend: "memory"}
	cfg.Inference.Provider = "static"
	cfg.Embedding.Provider = "hash"
	cfg.Observability.Metrics.Enabled = false
	cfg.Observability.Tracing.Enabled = false
	cfg.Observability.Logging.Level = "error"
	path := filepath.Join(t.TempDir(), "edgeai.yaml")
	require.NoError(t, config.Save(cfg, path, true))
	return path
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "edgeai.yaml")

	out, err := execute(t, "config", "init", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "parallelism: 1")

	_, err = execute(t, "config", "init", "--output", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "config", "init", "--output", path, "--force")
	assert.NoError(t, err)
}

func TestConfigShowAppliesEnvironment(t *testing.T) {
	path := dryRunConfig(t)
	t.Setenv("EDGEAI_SCHEDULER_PARALLELISM", "2")

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "parallelism: 2")
	assert.Contains(t, out, "backend: memory")
}

func TestConfigValidate(t *testing.T) {
	out, err := execute(t, "--config", dryRunConfig(t), "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "ok 8 agents")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scheduler:\n  parallelism: 0\n"), 0o644))
	_, err = execute(t, "--config", bad, "config", "validate")
	assert.ErrorContains(t, err, "scheduler.parallelism")
}

func TestAgentsTable(t *testing.T) {
	out, err := execute(t, "--config", dryRunConfig(t), "agents")
	require.NoError(t, err)
	for _, want := range []string{"AGENT", "planner", "builder", "watcher"} {
		assert.Contains(t, out, want)
	}
}

func TestRunPrintsResult(t *testing.T) {
	out, err := execute(t, "--config", dryRunConfig(t), "run", "--role", "critic", "review", "the", "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "critic done")
	assert.Contains(t, out, "review the plan")
}

func TestRunReadsStdin(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand(&out, io.Discard)
	cmd.SetIn(strings.NewReader("summarize the incident notes\n"))
	cmd.SetArgs([]string{"--config", dryRunConfig(t), "run", "--role", "archivist", "--plain", "-"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "archivist done")
	assert.Contains(t, out.String(), "summarize the incident notes")
}

func TestRunRejectsUnknownRole(t *testing.T) {
	_, err := execute(t, "--config", dryRunConfig(t), "run", "--role", "janitor", "sweep")
	assert.ErrorContains(t, err, "unknown agent role")
}

func TestVersion(t *testing.T) {
	t.Setenv("EDGEAI_VERSION", "v1.2.3")
	assert.Equal(t, "v1.2.3", detectVersion())

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "edgeai ")
}
