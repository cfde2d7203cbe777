// Package model holds the shared domain types for the orchestration runtime:
// tasks, execution plans, error records, and checkpoint metadata.
package model

import (
	"context"
	"time"
)

// Operation is the unit of work a task executes. Implementations must honor
// ctx cancellation; the executor enforces the task timeout through it.
type Operation func(ctx context.Context) (any, error)

// TaskStatus is the lifecycle state of a task within one plan run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Priority orders tasks within a phase. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityMedium   Priority = 2
	PriorityLow      Priority = 3
)

// DefaultTimeout is the floor applied when a task declares no timeout.
const DefaultTimeout = 30 * time.Second

// Task is a unit of work with declared dependencies and priority.
//
// Type is the fallback-dispatch tag: when the task fails terminally, the
// executor consults the fallback provider registered for this tag. Blocking
// marks operations that do synchronous/CPU-bound work; those are funneled
// through the bounded worker pool instead of running on a plain goroutine.
type Task struct {
	ID                string
	Type              string
	Op                Operation
	Priority          Priority
	Dependencies      []string
	EstimatedDuration time.Duration
	Timeout           time.Duration
	Blocking          bool

	// RetryClass selects the retry configuration (see resilience package).
	// Empty means the default class.
	RetryClass string
	MaxRetries int
}

// EffectiveTimeout returns the configured timeout, defaulting to
// max(DefaultTimeout, 3×EstimatedDuration) when unset.
func (t Task) EffectiveTimeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	if d := 3 * t.EstimatedDuration; d > DefaultTimeout {
		return d
	}
	return DefaultTimeout
}
