package model

import "time"

// ExecutionPlan is the ordered sequence of phases derived from a task set.
// Tasks in phase N+1 depend only on tasks in phases 1..N; tasks within a
// phase are independent of each other and sorted by ascending priority.
type ExecutionPlan struct {
	Phases [][]Task

	// Derived metrics, computed once at plan build time.
	TotalEstimatedDuration time.Duration
	CriticalPathDuration   time.Duration
	ParallelizationFactor  float64
	OptimizationScore      float64
}

// TaskCount returns the total number of tasks across all phases.
func (p *ExecutionPlan) TaskCount() int {
	n := 0
	for _, phase := range p.Phases {
		n += len(phase)
	}
	return n
}
