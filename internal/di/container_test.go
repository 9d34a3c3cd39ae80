package di

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeai/internal/config"
	"edgeai/internal/domain/agent"
	"edgeai/internal/domain/task"
	"edgeai/internal/inference"
	"edgeai/internal/logging"
	"edgeai/internal/registry"
	serverhttp "edgeai/internal/server/http"
)

func TestResolveStoragePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("EDGEAI_TEST_ROOT", "/srv/edgeai")

	tests := []struct {
		name       string
		configured string
		defaultVal string
		want       string
	}{
		{"configured absolute path", "/custom/path", "~/.edgeai", "/custom/path"},
		{"default when empty", "", "~/.edgeai/data", home + "/.edgeai/data"},
		{"bare tilde", "~", "", home},
		{"tilde without slash", "~.edgeai", "", home + "/.edgeai"},
		{"environment variable", "$EDGEAI_TEST_ROOT/db", "", "/srv/edgeai/db"},
		{"relative path", "data/edgeai.ldb", "", "data/edgeai.ldb"},
		{"both empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveStoragePath(tt.configured, tt.defaultVal))
		})
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Backend: "memory"}
	cfg.Inference.Provider = "static"
	cfg.Embedding.Provider = "hash"
	cfg.Context.CompactionSchedule = "@every 1h"
	cfg.Observability.Metrics.Enabled = false
	cfg.Observability.Tracing.Enabled = false
	return cfg
}

func TestBuildContainerRunsATask(t *testing.T) {
	ctx := context.Background()
	c, err := BuildContainer(ctx, testConfig(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.Len(t, c.Runtimes, len(agent.Roles()))
	require.NoError(t, c.Start(ctx))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, c.Shutdown(shutdownCtx))
	}()

	taskID, err := c.Orchestrator.Submit(ctx, task.Task{Role: agent.RolePlanner, Input: "draft the rollout plan"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	got, err := c.Orchestrator.Wait(waitCtx, taskID)
	require.NoError(t, err)
	require.Equal(t, task.StatusDone, got.Status, got.Error)
	assert.True(t, strings.Contains(got.Result, "draft the rollout plan"), got.Result)

	entries := c.Context.Entries(agent.ID(agent.RolePlanner))
	require.NotEmpty(t, entries)
	assert.Equal(t, got.Result, entries[0].Content)

	for _, probe := range c.HealthProbes() {
		h := probe.Check(ctx)
		assert.NotEqual(t, serverhttp.HealthStatusError, h.Status, h.Name)
	}
}

func startContainer(t *testing.T, cfg config.Config, opts ...Option) *Container {
	t.Helper()
	ctx := context.Background()
	c, err := BuildContainer(ctx, cfg, append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, c.Shutdown(shutdownCtx))
	})
	return c
}

func TestStrategistTurnReachesPlannerNamespace(t *testing.T) {
	c := startContainer(t, testConfig())
	ctx := context.Background()

	taskID, err := c.Orchestrator.Submit(ctx, task.Task{Role: agent.RoleStrategist, Input: "grow edge adoption this quarter"})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	got, err := c.Orchestrator.Wait(waitCtx, taskID)
	require.NoError(t, err)
	require.Equal(t, task.StatusDone, got.Status, got.Error)

	var published bool
	for _, e := range c.Context.Entries("shared/plans") {
		if e.AgentID == agent.ID(agent.RoleStrategist) && e.Content == got.Result {
			published = true
		}
	}
	assert.True(t, published, "strategist result missing from shared/plans")

	hits, err := c.Context.QueryText(ctx, agent.ID(agent.RolePlanner), got.Result, 5)
	require.NoError(t, err)
	var recalled bool
	for _, h := range hits {
		if h.Entry.Namespace == "shared/plans" && h.Entry.AgentID == agent.ID(agent.RoleStrategist) {
			recalled = true
		}
	}
	assert.True(t, recalled, "planner cannot recall the strategist turn")
}

func TestSingleSlotAllowsOneInferenceAtATime(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Parallelism = 1
	cfg.Orchestrator.MaxActiveAgents = 2

	var (
		inFlight atomic.Int32
		mu       sync.Mutex
		peak     int32
	)
	backend := inference.BackendFunc(func(ctx context.Context, _ registry.Handle, prompt string, _ inference.Params) (inference.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		mu.Lock()
		peak = max(peak, n)
		mu.Unlock()
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return inference.Result{}, ctx.Err()
		}
		return inference.Result{Text: "done"}, nil
	})
	c := startContainer(t, cfg, WithBackend(backend, inference.NopLoader{}))
	ctx := context.Background()

	var ids []string
	for i, role := range []agent.Role{agent.RoleBuilder, agent.RoleCritic, agent.RoleBuilder, agent.RoleCritic} {
		id, err := c.Orchestrator.Submit(ctx, task.Task{Role: role, Input: "step " + string(rune('a'+i))})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, id := range ids {
		got, err := c.Orchestrator.Wait(waitCtx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusDone, got.Status, got.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, peak)
}

func TestBuildContainerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Parallelism = 0
	_, err := BuildContainer(context.Background(), cfg, WithRegisterer(prometheus.NewRegistry()))
	assert.ErrorContains(t, err, "scheduler.parallelism")
}

func TestAutoMemoryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.MemoryBudgetMB = 0
	b := &containerBuilder{
		cfg:      cfg,
		logger:   logging.Nop(),
		memTotal: func() (uint64, error) { return 8 << 30, nil },
	}
	budget, err := b.memoryBudget()
	require.NoError(t, err)
	assert.EqualValues(t, 5734, budget)

	cfg.Registry.MemoryBudgetMB = 2048
	b.cfg = cfg
	budget, err = b.memoryBudget()
	require.NoError(t, err)
	assert.EqualValues(t, 2048, budget)
}

func TestSummaryModelPrefersArchivist(t *testing.T) {
	profiles := []agent.Profile{
		{Role: agent.RolePlanner, Model: "big"},
		{Role: agent.RoleArchivist, Model: "small"},
	}
	assert.Equal(t, "small", summaryModel(profiles))
	assert.Equal(t, "big", summaryModel(profiles[:1]))
	assert.Equal(t, "", summaryModel(nil))
}
