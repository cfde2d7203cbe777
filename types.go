package nagare

import (
	"context"
	"encoding/json"
	"time"
)

// Priority orders tasks within a phase. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityMedium   Priority = 2
	PriorityLow      Priority = 3
)

// TaskStatus is the lifecycle state of a task within one run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is the public representation of a schedulable unit of work.
// It is a curated view of internal/model.Task for use at the API boundary.
// No internal package imports — safe to use from outside the module.
type Task struct {
	// ID must be unique within a task set.
	ID string

	// Type tags the task for fallback dispatch and breaker grouping.
	Type string

	// Op is the work itself. It must honor ctx cancellation; the runtime
	// enforces the task timeout through it.
	Op func(ctx context.Context) (any, error)

	Priority          Priority
	Dependencies      []string
	EstimatedDuration time.Duration

	// Timeout overrides the derived per-task deadline. Zero derives
	// max(30s, 3×EstimatedDuration).
	Timeout time.Duration

	// Blocking marks synchronous or CPU-bound work. Blocking tasks run
	// through the bounded worker pool, and a terminal blocking failure
	// aborts the rest of the run.
	Blocking bool

	// RetryClass selects the retry configuration ("network", "inference",
	// "validation", "data"). Empty means the default class.
	RetryClass string

	// MaxRetries: zero uses the class default, positive overrides it,
	// negative disables retries.
	MaxRetries int
}

// RetryConfig parameterizes exponential backoff for one retry class.
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// PlanSummary describes a built execution plan.
type PlanSummary struct {
	Phases                 [][]string    `json:"phases"`
	TaskCount              int           `json:"task_count"`
	TotalEstimatedDuration time.Duration `json:"total_estimated_duration"`
	CriticalPathDuration   time.Duration `json:"critical_path_duration"`
	ParallelizationFactor  float64       `json:"parallelization_factor"`
	OptimizationScore      float64       `json:"optimization_score"`
}

// TaskResult is the outcome of one task within a run.
type TaskResult struct {
	TaskID       string        `json:"task_id"`
	Status       TaskStatus    `json:"status"`
	Value        any           `json:"value,omitempty"`
	Error        string        `json:"error,omitempty"`
	FallbackUsed bool          `json:"fallback_used,omitempty"`
	Phase        int           `json:"phase"`
	Duration     time.Duration `json:"duration"`
}

// RunReport is the outcome of one full plan run. ParallelizationAchieved is
// total estimated work divided by wall-clock time; zero when the plan carried
// no duration estimates. Completed, Failed, Cancelled, and Fallbacks are
// disjoint counts; Fallbacks holds the failed-with-fallback tasks.
type RunReport struct {
	RunID                   string                `json:"run_id"`
	Results                 map[string]TaskResult `json:"results"`
	Phases                  int                   `json:"phases"`
	Concurrency             int                   `json:"concurrency"`
	StartedAt               time.Time             `json:"started_at"`
	FinishedAt              time.Time             `json:"finished_at"`
	Completed               int                   `json:"completed"`
	Failed                  int                   `json:"failed"`
	Cancelled               int                   `json:"cancelled"`
	Fallbacks               int                   `json:"fallbacks"`
	ParallelizationAchieved float64               `json:"parallelization_achieved"`
	Aborted                 bool                  `json:"aborted,omitempty"`
}

// CheckpointInfo is the metadata of a stored checkpoint.
type CheckpointInfo struct {
	ID        string    `json:"checkpoint_id"`
	ScopeID   string    `json:"scope_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Checkpoint is a restored snapshot. When the stored data failed integrity
// checks, Degraded is true and Salvaged holds whatever could be recovered.
type Checkpoint struct {
	CheckpointInfo
	Meta     map[string]string `json:"meta,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Degraded bool              `json:"degraded"`
	Salvaged map[string]any    `json:"salvaged,omitempty"`
}

// ErrorRecord is one entry in the error history.
type ErrorRecord struct {
	ID               string    `json:"error_id"`
	Timestamp        time.Time `json:"timestamp"`
	Severity         string    `json:"severity"`
	Category         string    `json:"category"`
	Component        string    `json:"component"`
	Operation        string    `json:"operation"`
	Message          string    `json:"message"`
	RecoveryStrategy string    `json:"recovery_strategy"`
	RetryCount       int       `json:"retry_count"`
	Resolved         bool      `json:"resolved"`
}

// BreakerStatus is a point-in-time view of one circuit breaker.
type BreakerStatus struct {
	State       string    `json:"state"`
	Failures    int       `json:"failure_count"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// ErrorSummary aggregates the error history and breaker states.
type ErrorSummary struct {
	TotalErrors         int                      `json:"total_errors"`
	ResolvedErrors      int                      `json:"resolved_errors"`
	RecoverySuccessRate float64                  `json:"recovery_success_rate"`
	SystemHealth        string                   `json:"system_health"`
	ByCategory          map[string]int           `json:"error_categories"`
	BySeverity          map[string]int           `json:"error_severities"`
	Recent              []ErrorRecord            `json:"recent_errors"`
	Breakers            map[string]BreakerStatus `json:"circuit_breaker_states"`
}

// PerformanceSummary reports the executor's recent run behavior: how many
// runs it has seen, the average parallelization they achieved, and whether
// that is improving, declining, or stable.
type PerformanceSummary struct {
	Runs               int64     `json:"runs_total"`
	RecentRuns         int       `json:"recent_runs"`
	OptimalConcurrency int       `json:"optimal_concurrency"`
	AvgParallelization float64   `json:"avg_parallelization"`
	Trend              string    `json:"trend"`
	LastRunAt          time.Time `json:"last_run_at,omitempty"`
}

// MemorySummary reports the current memory posture.
type MemorySummary struct {
	Pressure                 string  `json:"pressure"`
	Trend                    string  `json:"trend"`
	ObjectsTrend             string  `json:"objects_trend"`
	ProcessRSSBytes          uint64  `json:"process_rss_bytes"`
	SystemUsedPercent        float64 `json:"system_used_percent"`
	CeilingRatio             float64 `json:"ceiling_ratio"`
	ActiveContexts           int     `json:"active_contexts"`
	CheckpointCount          int     `json:"checkpoint_count"`
	CheckpointFootprintBytes int64   `json:"checkpoint_footprint_bytes"`
	AlertsTriggered          int64   `json:"alerts_triggered"`
	SampleCount              int     `json:"sample_count"`
}
