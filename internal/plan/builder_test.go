package plan

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hikaeru-ai/nagare/internal/model"
)

func task(id string, deps ...string) model.Task {
	return model.Task{
		ID:                id,
		Priority:          model.PriorityMedium,
		Dependencies:      deps,
		EstimatedDuration: time.Second,
	}
}

func phaseIDs(phase []model.Task) []string {
	ids := make([]string, len(phase))
	for i, t := range phase {
		ids[i] = t.ID
	}
	return ids
}

func TestBuildDiamond(t *testing.T) {
	// A:[], B:[], C:[A,B], D:[A], E:[C,D] must yield [[A,B],[C,D],[E]].
	p, err := Build([]model.Task{
		task("A"), task("B"), task("C", "A", "B"), task("D", "A"), task("E", "C", "D"),
	})
	require.NoError(t, err)
	require.Len(t, p.Phases, 3)
	assert.ElementsMatch(t, []string{"A", "B"}, phaseIDs(p.Phases[0]))
	assert.ElementsMatch(t, []string{"C", "D"}, phaseIDs(p.Phases[1]))
	assert.Equal(t, []string{"E"}, phaseIDs(p.Phases[2]))
}

func TestBuildEveryTaskExactlyOnce(t *testing.T) {
	tasks := []model.Task{
		task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c"),
		task("e"), task("f", "e", "d"), task("g"),
	}
	p, err := Build(tasks)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, phase := range p.Phases {
		for _, tk := range phase {
			seen[tk.ID]++
		}
	}
	require.Len(t, seen, len(tasks))
	for id, n := range seen {
		assert.Equalf(t, 1, n, "task %s placed %d times", id, n)
	}
}

func TestBuildDependenciesInEarlierPhases(t *testing.T) {
	tasks := []model.Task{
		task("root"), task("mid1", "root"), task("mid2", "root"),
		task("leaf", "mid1", "mid2"), task("solo"),
	}
	p, err := Build(tasks)
	require.NoError(t, err)

	phaseOf := map[string]int{}
	for i, phase := range p.Phases {
		for _, tk := range phase {
			phaseOf[tk.ID] = i
		}
	}
	for _, tk := range tasks {
		for _, dep := range tk.Dependencies {
			assert.Lessf(t, phaseOf[dep], phaseOf[tk.ID],
				"dependency %s must be strictly before %s", dep, tk.ID)
		}
	}
}

func TestBuildCycleRejected(t *testing.T) {
	_, err := Build([]model.Task{task("A", "B"), task("B", "A")})
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.NotEmpty(t, cerr.Path)
	// The witness names at least one task in the cycle.
	assert.Contains(t, []string{"A", "B"}, cerr.Path[0])
}

func TestBuildLongCycleRejected(t *testing.T) {
	_, err := Build([]model.Task{
		task("w"), task("x", "w", "z"), task("y", "x"), task("z", "y"),
	})
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	require.GreaterOrEqual(t, len(cerr.Path), 4)
	assert.Equal(t, cerr.Path[0], cerr.Path[len(cerr.Path)-1], "witness must close on itself")
}

func TestBuildSelfDependencyRejected(t *testing.T) {
	_, err := Build([]model.Task{task("A", "A")})
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
}

func TestBuildUnknownDependencyRejected(t *testing.T) {
	_, err := Build([]model.Task{task("A", "ghost")})
	var uerr *UnknownDependencyError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "A", uerr.TaskID)
	assert.Equal(t, "ghost", uerr.Dependency)
}

func TestBuildDuplicateIDRejected(t *testing.T) {
	_, err := Build([]model.Task{task("A"), task("A")})
	var derr *DuplicateTaskError
	require.ErrorAs(t, err, &derr)
}

func TestBuildPhaseSortedByPriority(t *testing.T) {
	tasks := []model.Task{
		{ID: "low", Priority: model.PriorityLow},
		{ID: "crit", Priority: model.PriorityCritical},
		{ID: "med", Priority: model.PriorityMedium},
		{ID: "high", Priority: model.PriorityHigh},
	}
	p, err := Build(tasks)
	require.NoError(t, err)
	require.Len(t, p.Phases, 1)
	assert.Equal(t, []string{"crit", "high", "med", "low"}, phaseIDs(p.Phases[0]))
}

func TestBuildMetrics(t *testing.T) {
	tasks := []model.Task{
		{ID: "a", EstimatedDuration: 4 * time.Second},
		{ID: "b", EstimatedDuration: 2 * time.Second},
		{ID: "c", Dependencies: []string{"a", "b"}, EstimatedDuration: 3 * time.Second},
	}
	p, err := Build(tasks)
	require.NoError(t, err)

	assert.Equal(t, 9*time.Second, p.TotalEstimatedDuration)
	// Critical path: max(4,2) + 3 = 7s.
	assert.Equal(t, 7*time.Second, p.CriticalPathDuration)
	assert.InDelta(t, 9.0/7.0, p.ParallelizationFactor, 1e-9)
	assert.Greater(t, p.OptimizationScore, 0.0)
	assert.LessOrEqual(t, p.OptimizationScore, 1.0)
}

func TestBuildEmptySet(t *testing.T) {
	p, err := Build(nil)
	require.NoError(t, err)
	assert.Empty(t, p.Phases)
	assert.Equal(t, 1.0, p.ParallelizationFactor)
	assert.Zero(t, p.OptimizationScore)
}

func TestBuildErrorsAreNotSilentDrops(t *testing.T) {
	// A broken set must fail outright, never return a partial plan.
	p, err := Build([]model.Task{task("ok"), task("bad", "missing")})
	require.Error(t, err)
	assert.Nil(t, p)
	assert.False(t, errors.Is(err, nil))
}
