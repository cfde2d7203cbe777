// Package plan validates task sets and arranges them into phased execution
// plans. A phase is a batch of tasks whose dependencies are all satisfied by
// earlier phases, so its members may run concurrently.
package plan

import (
	"fmt"
	"sort"
	"time"

	"github.com/hikaeru-ai/nagare/internal/model"
)

// Build validates tasks and produces an execution plan.
//
// Validation failures are typed: *DuplicateTaskError, *UnknownDependencyError,
// *CycleError. These abort plan construction entirely — a structurally broken
// task set never yields a partial plan.
func Build(tasks []model.Task) (*model.ExecutionPlan, error) {
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return nil, &DuplicateTaskError{TaskID: t.ID}
		}
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return nil, &CycleError{Path: []string{t.ID, t.ID}}
			}
			if _, ok := byID[dep]; !ok {
				return nil, &UnknownDependencyError{TaskID: t.ID, Dependency: dep}
			}
		}
	}

	if cycle := findCycle(tasks, byID); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	phases, err := buildPhases(tasks, byID)
	if err != nil {
		return nil, err
	}

	p := &model.ExecutionPlan{Phases: phases}
	computeMetrics(p)
	return p, nil
}

// findCycle runs a DFS with an explicit recursion stack over the dependency
// edges and returns one witness cycle in forward order, or nil.
func findCycle(tasks []model.Task, byID map[string]model.Task) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the recursion stack
		black = 2 // fully explored
	)

	color := make(map[string]int, len(tasks))
	parent := make(map[string]string, len(tasks))

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		deps := append([]string(nil), byID[id].Dependencies...)
		sort.Strings(deps) // stable witness across runs
		for _, dep := range deps {
			switch color[dep] {
			case white:
				parent[dep] = id
				if dfs(dep) {
					return true
				}
			case gray:
				// Back edge id -> dep closes a cycle. Walk parents back to dep.
				cycle = append(cycle, dep)
				for cur := id; ; cur = parent[cur] {
					cycle = append(cycle, cur)
					if cur == dep {
						break
					}
				}
				// Reverse into forward order.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			}
		}
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

// buildPhases performs Kahn-style frontier expansion: each round collects
// every unplaced task whose dependencies are all already placed.
func buildPhases(tasks []model.Task, byID map[string]model.Task) ([][]model.Task, error) {
	remaining := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		remaining[t.ID] = struct{}{}
	}
	placed := make(map[string]struct{}, len(tasks))

	var phases [][]model.Task
	for len(remaining) > 0 {
		var frontier []model.Task
		for _, t := range tasks {
			if _, pending := remaining[t.ID]; !pending {
				continue
			}
			ready := true
			for _, dep := range t.Dependencies {
				if _, ok := placed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				frontier = append(frontier, t)
			}
		}
		if len(frontier) == 0 {
			// Unreachable after validation; a stuck frontier means the
			// dependency graph is inconsistent with what we validated.
			return nil, fmt.Errorf("plan: frontier stalled with %d tasks unplaced", len(remaining))
		}

		sort.SliceStable(frontier, func(i, j int) bool {
			if frontier[i].Priority != frontier[j].Priority {
				return frontier[i].Priority < frontier[j].Priority
			}
			return frontier[i].ID < frontier[j].ID
		})

		for _, t := range frontier {
			delete(remaining, t.ID)
			placed[t.ID] = struct{}{}
		}
		phases = append(phases, frontier)
	}
	return phases, nil
}

func computeMetrics(p *model.ExecutionPlan) {
	var total, critical time.Duration
	taskCount := 0
	for _, phase := range p.Phases {
		var longest time.Duration
		for _, t := range phase {
			total += t.EstimatedDuration
			if t.EstimatedDuration > longest {
				longest = t.EstimatedDuration
			}
		}
		critical += longest
		taskCount += len(phase)
	}

	p.TotalEstimatedDuration = total
	p.CriticalPathDuration = critical
	if critical > 0 {
		p.ParallelizationFactor = float64(total) / float64(critical)
	} else {
		p.ParallelizationFactor = 1.0
	}
	p.OptimizationScore = optimizationScore(len(p.Phases), taskCount)
}

// optimizationScore rewards wide phases: 60% for average tasks per phase
// (saturating at 3) and 40% for tasks-per-phase relative to phase count.
func optimizationScore(phaseCount, taskCount int) float64 {
	if phaseCount == 0 {
		return 0
	}
	avg := float64(taskCount) / float64(phaseCount)
	parallel := avg / 3.0
	if parallel > 1 {
		parallel = 1
	}
	efficiency := avg / float64(phaseCount)
	if efficiency > 1 {
		efficiency = 1
	}
	return parallel*0.6 + efficiency*0.4
}
