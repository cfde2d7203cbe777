package nagare

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithCheckpointPath(filepath.Join(t.TempDir(), "checkpoints.db")),
		WithMaxConcurrentTasks(4),
		WithRetryConfig("network", RetryConfig{
			MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2,
		}),
	}
	rt, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func simpleTask(id string, deps ...string) Task {
	return Task{
		ID:           id,
		Type:         "compute",
		Dependencies: deps,
		Op: func(ctx context.Context) (any, error) {
			return id + "-done", nil
		},
	}
}

func TestPlanAndRun(t *testing.T) {
	rt := newTestRuntime(t)

	plan, err := rt.Plan([]Task{
		simpleTask("extract"), simpleTask("transform", "extract"), simpleTask("load", "transform"),
	})
	require.NoError(t, err)

	summary := plan.Summary()
	assert.Len(t, summary.Phases, 3)
	assert.Equal(t, 3, summary.TaskCount)

	report, err := rt.Run(context.Background(), plan, "")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Completed)
	assert.Equal(t, TaskCompleted, report.Results["load"].Status)
	assert.Equal(t, "load-done", report.Results["load"].Value)

	perf := rt.PerformanceSummary()
	assert.Equal(t, int64(1), perf.Runs)
	assert.Equal(t, 1, perf.RecentRuns)
}

func TestPlanRejectsCycle(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Plan([]Task{simpleTask("a", "b"), simpleTask("b", "a")})
	assert.Error(t, err)
}

func TestRunWritesPhaseCheckpoints(t *testing.T) {
	rt := newTestRuntime(t)

	plan, err := rt.Plan([]Task{
		simpleTask("a"), simpleTask("b", "a"), simpleTask("c", "b"),
	})
	require.NoError(t, err)

	_, err = rt.Run(context.Background(), plan, "run-7")
	require.NoError(t, err)

	infos := rt.ListCheckpoints("run-7")
	require.Len(t, infos, 3, "one checkpoint per phase")

	latest, err := rt.LatestCheckpoint(context.Background(), "run-7")
	require.NoError(t, err)
	assert.False(t, latest.Degraded)

	var snapshot struct {
		Phase   int                   `json:"phase"`
		Results map[string]TaskResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(latest.Payload, &snapshot))
	assert.Equal(t, 2, snapshot.Phase)
	assert.Len(t, snapshot.Results, 3)
}

func TestFallbackProviderOption(t *testing.T) {
	rt := newTestRuntime(t, WithFallbackProvider("flaky", FallbackFunc(
		func(ctx context.Context, task Task, cause error) (any, error) {
			return "substitute", nil
		})))

	broken := Task{
		ID:         "broken",
		Type:       "flaky",
		MaxRetries: -1,
		Op: func(ctx context.Context) (any, error) {
			return nil, errors.New("always fails")
		},
	}
	plan, err := rt.Plan([]Task{broken, simpleTask("child", "broken")})
	require.NoError(t, err)

	report, err := rt.Run(context.Background(), plan, "")
	require.NoError(t, err)
	assert.True(t, report.Results["broken"].FallbackUsed)
	assert.Equal(t, TaskFailed, report.Results["broken"].Status,
		"a substituted task is still reported failed-with-fallback")
	assert.Equal(t, "substitute", report.Results["broken"].Value)
	assert.Equal(t, TaskCompleted, report.Results["child"].Status)
	assert.Equal(t, 1, report.Fallbacks)
	assert.Equal(t, 1, report.Completed)
	assert.Zero(t, report.Failed)
}

func TestErrorSummaryAfterFailures(t *testing.T) {
	rt := newTestRuntime(t)

	broken := Task{
		ID:         "broken",
		Type:       "compute",
		MaxRetries: -1,
		Op: func(ctx context.Context) (any, error) {
			return nil, errors.New("connection refused")
		},
	}
	plan, err := rt.Plan([]Task{broken})
	require.NoError(t, err)
	report, err := rt.Run(context.Background(), plan, "")
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	s := rt.ErrorSummary()
	assert.Equal(t, 1, s.TotalErrors)
	assert.Contains(t, s.ByCategory, "network")
	assert.NotEmpty(t, s.Recent)
	assert.Contains(t, s.Breakers, "compute.broken")
}

func TestCheckpointRoundTripThroughRuntime(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	info, err := rt.Checkpoint(ctx, "scope-1", "manual",
		map[string]string{"state": "paused"}, map[string]string{"operator": "test"})
	require.NoError(t, err)

	cp, err := rt.RestoreCheckpoint(ctx, info.ID)
	require.NoError(t, err)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(cp.Payload, &payload))
	assert.Equal(t, "paused", payload["state"])
	assert.Equal(t, "test", cp.Meta["operator"])
}

func TestContextRegistryAndMemorySummary(t *testing.T) {
	rt := newTestRuntime(t)

	released := false
	rt.RegisterContext("ctx-1", func() { released = true })
	rt.TouchContext("ctx-1")

	s := rt.MemorySummary()
	assert.Equal(t, 1, s.ActiveContexts)
	assert.Equal(t, "unknown", s.Pressure, "no samples taken yet")

	require.NoError(t, rt.CheckMemory(context.Background()))
	s = rt.MemorySummary()
	assert.Equal(t, 1, s.SampleCount)
	assert.Positive(t, s.ProcessRSSBytes)

	rt.ReleaseContext("ctx-1")
	assert.True(t, released)
	assert.Zero(t, rt.MemorySummary().ActiveContexts)
}
