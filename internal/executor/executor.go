// Package executor runs execution plans phase by phase: bounded parallelism
// inside a phase, retry and circuit-breaker protection per task, fallback
// substitution on terminal failure, and adaptive concurrency tuned by the
// parallelization achieved on recent runs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/hikaeru-ai/nagare/internal/model"
	"github.com/hikaeru-ai/nagare/internal/resilience"
	"github.com/hikaeru-ai/nagare/internal/telemetry"
)

const (
	// Adaptive concurrency bounds and the achieved-parallelization levels
	// that move it. Runs that compress a lot of estimated work into little
	// wall time grow the window; near-serial runs shrink it.
	minConcurrency  = 2
	growAbove       = 2.0
	shrinkBelow     = 1.2
	historyCapacity = 10
)

// ErrDependencySkipped marks tasks cancelled because an upstream dependency
// failed or was itself cancelled.
var ErrDependencySkipped = errors.New("executor: dependency failed or cancelled")

// TaskResult is the outcome of one task within a run.
type TaskResult struct {
	TaskID       string           `json:"task_id"`
	Status       model.TaskStatus `json:"status"`
	Value        any              `json:"value,omitempty"`
	Err          error            `json:"-"`
	Error        string           `json:"error,omitempty"`
	FallbackUsed bool             `json:"fallback_used,omitempty"`
	Phase        int              `json:"phase"`
	Duration     time.Duration    `json:"duration"`
}

// Succeeded reports whether the task produced a usable result, directly or
// through a fallback. Fallback-substituted tasks stay reported Failed but
// still carry a value, so they satisfy dependents.
func (r TaskResult) Succeeded() bool {
	return r.Status == model.TaskCompleted || r.FallbackUsed
}

// RunReport is the outcome of one full plan run. Parallelization is the
// achieved ratio of estimated work to wall-clock time; zero when the plan
// carried no duration estimates. Completed, Failed, Cancelled, and Fallbacks
// are disjoint counts; Fallbacks holds the failed-with-fallback tasks.
type RunReport struct {
	RunID           string                `json:"run_id"`
	Results         map[string]TaskResult `json:"results"`
	Phases          int                   `json:"phases"`
	Concurrency     int                   `json:"concurrency"`
	StartedAt       time.Time             `json:"started_at"`
	FinishedAt      time.Time             `json:"finished_at"`
	Completed       int                   `json:"completed"`
	Failed          int                   `json:"failed"`
	Cancelled       int                   `json:"cancelled"`
	Fallbacks       int                   `json:"fallbacks"`
	Parallelization float64               `json:"parallelization_achieved"`
	Aborted         bool                  `json:"aborted,omitempty"`
}

// PhaseHook runs after each completed phase with a snapshot of all results
// so far. Used by the runtime to checkpoint between phases.
type PhaseHook func(ctx context.Context, phase int, results map[string]TaskResult)

type runStats struct {
	finishedAt      time.Time
	parallelization float64
	concurrency     int
}

// Executor runs plans. One executor is shared across runs; its adaptive
// concurrency state carries over between them.
type Executor struct {
	logger    *slog.Logger
	handler   *resilience.Handler
	fallbacks *ProviderRegistry

	maxConcurrency int
	workerSlots    *semaphore.Weighted

	mu      sync.Mutex
	optimal int
	history []runStats
	runs    int64
}

// New creates an executor. maxConcurrency bounds parallel tasks within a
// phase; workerPoolSize bounds how many blocking tasks run at once across
// the whole executor.
func New(logger *slog.Logger, handler *resilience.Handler, fallbacks *ProviderRegistry, maxConcurrency, workerPoolSize int) *Executor {
	if maxConcurrency < minConcurrency {
		maxConcurrency = minConcurrency
	}
	if workerPoolSize < 1 {
		workerPoolSize = 1
	}
	optimal := maxConcurrency / 2
	if optimal < minConcurrency {
		optimal = minConcurrency
	}
	e := &Executor{
		logger:         logger,
		handler:        handler,
		fallbacks:      fallbacks,
		maxConcurrency: maxConcurrency,
		workerSlots:    semaphore.NewWeighted(int64(workerPoolSize)),
		optimal:        optimal,
	}
	e.registerMetrics()
	return e
}

// OptimalConcurrency returns the current adaptive concurrency window.
func (e *Executor) OptimalConcurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.optimal
}

// PerformanceSummary describes the executor's recent run behavior.
type PerformanceSummary struct {
	Runs               int64     `json:"runs_total"`
	RecentRuns         int       `json:"recent_runs"`
	OptimalConcurrency int       `json:"optimal_concurrency"`
	AvgParallelization float64   `json:"avg_parallelization"`
	Trend              string    `json:"trend"`
	LastRunAt          time.Time `json:"last_run_at,omitempty"`
}

// Performance summarizes the bounded run history: average achieved
// parallelization and whether it is improving, declining, or stable.
func (e *Executor) Performance() PerformanceSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := PerformanceSummary{
		Runs:               e.runs,
		RecentRuns:         len(e.history),
		OptimalConcurrency: e.optimal,
		Trend:              "stable",
	}
	if len(e.history) == 0 {
		return s
	}

	vals := make([]float64, len(e.history))
	var total float64
	for i, r := range e.history {
		vals[i] = r.parallelization
		total += r.parallelization
	}
	s.AvgParallelization = total / float64(len(vals))
	s.Trend = perfTrend(vals)
	s.LastRunAt = e.history[len(e.history)-1].finishedAt
	return s
}

// perfTrend compares the mean achieved parallelization of the older and
// newer halves of the history. A swing beyond 5% either way counts as
// improving or declining.
func perfTrend(vals []float64) string {
	if len(vals) < 4 {
		return "stable"
	}
	mid := len(vals) / 2
	older := mean(vals[:mid])
	newer := mean(vals[mid:])
	if older == 0 {
		return "stable"
	}
	switch delta := newer / older; {
	case delta > 1.05:
		return "improving"
	case delta < 0.95:
		return "declining"
	default:
		return "stable"
	}
}

func mean(vals []float64) float64 {
	var total float64
	for _, v := range vals {
		total += v
	}
	return total / float64(len(vals))
}

// Execute runs every phase of the plan in order. Tasks inside a phase run
// concurrently up to the adaptive window. A task whose dependency failed
// without a fallback, or was cancelled, is cancelled without running. A
// blocking-marked task that fails terminally aborts the remaining phases.
func (e *Executor) Execute(ctx context.Context, plan *model.ExecutionPlan, hook PhaseHook) (*RunReport, error) {
	if plan == nil {
		return nil, errors.New("executor: nil plan")
	}

	concurrency := e.OptimalConcurrency()
	report := &RunReport{
		RunID:       uuid.New().String(),
		Results:     make(map[string]TaskResult, plan.TaskCount()),
		Phases:      len(plan.Phases),
		Concurrency: concurrency,
		StartedAt:   time.Now().UTC(),
	}

	e.logger.Info("executor: run started",
		"run_id", report.RunID,
		"phases", len(plan.Phases),
		"tasks", plan.TaskCount(),
		"concurrency", concurrency,
		"parallelization_factor", plan.ParallelizationFactor,
	)

	var resultsMu sync.Mutex
	abort := false

	for phaseIdx, phase := range plan.Phases {
		if err := ctx.Err(); err != nil {
			e.cancelRemaining(report, plan, phaseIdx, err)
			break
		}
		if abort {
			e.cancelRemaining(report, plan, phaseIdx, ErrDependencySkipped)
			break
		}

		width := int64(concurrency)
		if n := int64(len(phase)); n < width {
			width = n
		}
		sem := semaphore.NewWeighted(width)
		var wg sync.WaitGroup

		for _, task := range phase {
			resultsMu.Lock()
			skip := e.dependencyBlocked(report.Results, task)
			resultsMu.Unlock()
			if skip {
				resultsMu.Lock()
				report.Results[task.ID] = TaskResult{
					TaskID: task.ID,
					Status: model.TaskCancelled,
					Err:    ErrDependencySkipped,
					Error:  ErrDependencySkipped.Error(),
					Phase:  phaseIdx,
				}
				resultsMu.Unlock()
				e.logger.Warn("executor: task cancelled, dependency unsatisfied",
					"task_id", task.ID, "phase", phaseIdx)
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				resultsMu.Lock()
				report.Results[task.ID] = TaskResult{
					TaskID: task.ID, Status: model.TaskCancelled, Err: err, Error: err.Error(), Phase: phaseIdx,
				}
				resultsMu.Unlock()
				continue
			}

			wg.Add(1)
			go func(task model.Task) {
				defer wg.Done()
				defer sem.Release(1)

				res := e.runTask(ctx, task, phaseIdx)
				resultsMu.Lock()
				report.Results[task.ID] = res
				resultsMu.Unlock()
			}(task)
		}
		wg.Wait()

		// A terminally failed blocking task invalidates everything after it.
		// Fallback-recovered blocking tasks do not abort.
		resultsMu.Lock()
		for _, task := range phase {
			if r := report.Results[task.ID]; task.Blocking && r.Status == model.TaskFailed && !r.FallbackUsed {
				abort = true
				report.Aborted = true
				e.logger.Error("executor: blocking task failed, aborting run",
					"task_id", task.ID, "phase", phaseIdx)
			}
		}
		snapshot := make(map[string]TaskResult, len(report.Results))
		for id, r := range report.Results {
			snapshot[id] = r
		}
		resultsMu.Unlock()

		if hook != nil {
			hook(ctx, phaseIdx, snapshot)
		}
	}

	report.FinishedAt = time.Now().UTC()
	for _, r := range report.Results {
		switch r.Status {
		case model.TaskCompleted:
			report.Completed++
		case model.TaskFailed:
			if r.FallbackUsed {
				report.Fallbacks++
			} else {
				report.Failed++
			}
		case model.TaskCancelled:
			report.Cancelled++
		}
	}

	report.Parallelization = e.adapt(plan, report.FinishedAt.Sub(report.StartedAt), concurrency)

	e.logger.Info("executor: run finished",
		"run_id", report.RunID,
		"completed", report.Completed,
		"failed", report.Failed,
		"cancelled", report.Cancelled,
		"fallbacks", report.Fallbacks,
		"duration", report.FinishedAt.Sub(report.StartedAt),
		"parallelization_achieved", report.Parallelization,
		"next_concurrency", e.OptimalConcurrency(),
	)
	return report, nil
}

// dependencyBlocked reports whether any dependency ended without a usable
// result. Fallback-substituted results satisfy dependents.
func (e *Executor) dependencyBlocked(results map[string]TaskResult, task model.Task) bool {
	for _, dep := range task.Dependencies {
		if r, ok := results[dep]; ok && !r.Succeeded() {
			return true
		}
	}
	return false
}

// runTask executes one task under its timeout and the resilience handler,
// consulting the fallback registry on terminal failure.
func (e *Executor) runTask(ctx context.Context, task model.Task, phase int) TaskResult {
	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, task.EffectiveTimeout())
	defer cancel()

	// Blocking operations hold a worker slot for their whole duration so
	// they cannot saturate the phase window.
	if task.Blocking {
		if err := e.workerSlots.Acquire(taskCtx, 1); err != nil {
			return TaskResult{TaskID: task.ID, Status: model.TaskCancelled, Err: err, Error: err.Error(), Phase: phase}
		}
		defer e.workerSlots.Release(1)
	}

	severity := model.SeverityMedium
	if task.Blocking || task.Priority == model.PriorityCritical {
		severity = model.SeverityHigh
	}

	value, err := e.handler.Execute(taskCtx, resilience.Request{
		Component:  task.Type,
		Operation:  task.ID,
		Class:      task.RetryClass,
		MaxRetries: taskRetries(task),
		Severity:   severity,
	}, task.Op)

	if err != nil {
		if fb, ok := e.fallbackFor(task); ok {
			fbValue, fbErr := fb.Fallback(taskCtx, task, err)
			if fbErr == nil {
				e.logger.Warn("executor: task recovered through fallback",
					"task_id", task.ID, "task_type", task.Type, "cause", err)
				// The substituted value satisfies dependents, but the task
				// itself is still reported failed-with-fallback.
				return TaskResult{
					TaskID:       task.ID,
					Status:       model.TaskFailed,
					Value:        fbValue,
					Err:          err,
					Error:        err.Error(),
					FallbackUsed: true,
					Phase:        phase,
					Duration:     time.Since(start),
				}
			}
			err = fmt.Errorf("executor: fallback for %s also failed: %w", task.ID, fbErr)
		}
		return TaskResult{
			TaskID:   task.ID,
			Status:   model.TaskFailed,
			Err:      err,
			Error:    err.Error(),
			Phase:    phase,
			Duration: time.Since(start),
		}
	}

	return TaskResult{
		TaskID:   task.ID,
		Status:   model.TaskCompleted,
		Value:    value,
		Phase:    phase,
		Duration: time.Since(start),
	}
}

func (e *Executor) fallbackFor(task model.Task) (Provider, bool) {
	if e.fallbacks == nil || task.Type == "" {
		return nil, false
	}
	return e.fallbacks.Lookup(task.Type)
}

// taskRetries maps the Task field to the handler convention: zero means the
// class default, negative disables retries.
func taskRetries(task model.Task) int {
	switch {
	case task.MaxRetries > 0:
		return task.MaxRetries
	case task.MaxRetries < 0:
		return 0
	default:
		return -1
	}
}

// cancelRemaining marks every task from phase fromIdx onward cancelled.
func (e *Executor) cancelRemaining(report *RunReport, plan *model.ExecutionPlan, fromIdx int, cause error) {
	for i := fromIdx; i < len(plan.Phases); i++ {
		for _, task := range plan.Phases[i] {
			if _, done := report.Results[task.ID]; done {
				continue
			}
			report.Results[task.ID] = TaskResult{
				TaskID: task.ID, Status: model.TaskCancelled, Err: cause, Error: cause.Error(), Phase: i,
			}
		}
	}
}

// adapt moves the concurrency window based on the parallelization the run
// actually achieved: the plan's total estimated work divided by wall-clock
// time. Plans without duration estimates leave the window unchanged.
func (e *Executor) adapt(plan *model.ExecutionPlan, wall time.Duration, usedConcurrency int) float64 {
	var achieved float64
	if plan.TotalEstimatedDuration > 0 && wall > 0 {
		achieved = float64(plan.TotalEstimatedDuration) / float64(wall)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if achieved > 0 {
		switch {
		case achieved > growAbove && e.optimal < e.maxConcurrency:
			e.optimal++
		case achieved < shrinkBelow && e.optimal > minConcurrency:
			e.optimal--
		}
	}

	e.runs++
	e.history = append(e.history, runStats{
		finishedAt:      time.Now().UTC(),
		parallelization: achieved,
		concurrency:     usedConcurrency,
	})
	if len(e.history) > historyCapacity {
		e.history = e.history[len(e.history)-historyCapacity:]
	}
	return achieved
}

// registerMetrics registers observable OTEL gauges for executor monitoring.
func (e *Executor) registerMetrics() {
	meter := telemetry.Meter("nagare/executor")

	_, _ = meter.Int64ObservableGauge("nagare.executor.optimal_concurrency",
		metric.WithDescription("Current adaptive concurrency window"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.OptimalConcurrency()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("nagare.executor.runs_total",
		metric.WithDescription("Total plan runs executed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			o.Observe(e.runs)
			return nil
		}),
	)
}
