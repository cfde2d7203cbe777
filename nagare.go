// Package nagare is the public API for embedding the task orchestration
// runtime: dependency-phased scheduling with adaptive concurrency, retry and
// circuit-breaker protection, fallback substitution, durable checkpoints,
// and memory-pressure shedding.
//
//	rt, err := nagare.New(
//	    nagare.WithLogger(logger),
//	    nagare.WithVersion(version),
//	    nagare.WithFallbackProvider("inference", cachedAnswers{}),
//	)
//	if err != nil { ... }
//	rt.Start(ctx)
//	defer rt.Close(context.Background())
//
//	plan, err := rt.Plan(tasks)
//	if err != nil { ... }
//	report, err := rt.Run(ctx, plan, "run-42")
//
// The import graph enforces a strict no-cycle rule: nagare (root) imports
// internal/*, but internal/* never imports nagare (root). Public types
// (Task, RunReport, etc.) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package nagare

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/hikaeru-ai/nagare/internal/checkpoint"
	"github.com/hikaeru-ai/nagare/internal/config"
	"github.com/hikaeru-ai/nagare/internal/executor"
	"github.com/hikaeru-ai/nagare/internal/model"
	"github.com/hikaeru-ai/nagare/internal/monitor"
	"github.com/hikaeru-ai/nagare/internal/plan"
	"github.com/hikaeru-ai/nagare/internal/resilience"
	"github.com/hikaeru-ai/nagare/internal/telemetry"
)

// Plan is a built execution plan, ready to run. Construct with Runtime.Plan.
type Plan struct {
	inner *model.ExecutionPlan
}

// Summary describes the plan's phases and metrics.
func (p *Plan) Summary() PlanSummary {
	s := PlanSummary{
		Phases:                 make([][]string, len(p.inner.Phases)),
		TaskCount:              p.inner.TaskCount(),
		TotalEstimatedDuration: p.inner.TotalEstimatedDuration,
		CriticalPathDuration:   p.inner.CriticalPathDuration,
		ParallelizationFactor:  p.inner.ParallelizationFactor,
		OptimizationScore:      p.inner.OptimizationScore,
	}
	for i, phase := range p.inner.Phases {
		ids := make([]string, len(phase))
		for j, t := range phase {
			ids[j] = t.ID
		}
		s.Phases[i] = ids
	}
	return s
}

// Runtime is the orchestration runtime lifecycle. Construct with New(),
// start background loops with Start(), stop with Close().
// Runtime has no public fields — use New() options to configure it.
type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	store     *checkpoint.Store
	handler   *resilience.Handler
	fallbacks *executor.ProviderRegistry
	exec      *executor.Executor
	registry  *monitor.ContextRegistry
	mon       *monitor.Monitor

	otelShutdown telemetry.Shutdown
}

// New initialises the runtime: loads configuration, opens the checkpoint
// store, and wires all subsystems. It does NOT start any goroutines — call
// Start().
func New(opts ...Option) (*Runtime, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.maxConcurrentTasks != 0 {
		cfg.MaxConcurrentTasks = o.maxConcurrentTasks
	}
	if o.workerPoolSize != 0 {
		cfg.WorkerPoolSize = o.workerPoolSize
	}
	if o.checkpointPath != "" {
		cfg.CheckpointPath = o.checkpointPath
	}
	if o.checkpointRetention != 0 {
		cfg.CheckpointRetention = o.checkpointRetention
	}
	if o.monitorInterval != 0 {
		cfg.MonitorInterval = o.monitorInterval
	}
	if o.memoryCeilingMB != 0 {
		cfg.MemoryCeilingMB = o.memoryCeilingMB
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("nagare starting", "version", version,
		"max_concurrent_tasks", cfg.MaxConcurrentTasks,
		"checkpoint_path", cfg.CheckpointPath)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the checkpoint store.
	store, err := checkpoint.Open(context.Background(), cfg.CheckpointPath, logger,
		checkpoint.WithRetention(cfg.CheckpointRetention),
		checkpoint.WithSweepInterval(cfg.SweepInterval),
	)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	// Wire the resilience handler and executor.
	handler := resilience.NewHandler(logger,
		cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout,
		toInternalRetryConfigs(o.retryConfigs))

	fallbacks := executor.NewProviderRegistry()
	for taskType, p := range o.fallbacks {
		fallbacks.Register(taskType, adaptProvider(p))
	}

	exec := executor.New(logger, handler, fallbacks, cfg.MaxConcurrentTasks, cfg.WorkerPoolSize)

	// Wire the memory monitor.
	registry := monitor.NewContextRegistry()
	mon := monitor.New(logger, registry, store, monitor.Config{
		Interval:              cfg.MonitorInterval,
		CeilingBytes:          uint64(cfg.MemoryCeilingMB) << 20,
		SoftThreshold:         cfg.SoftMemoryThreshold,
		CriticalSystemPercent: cfg.CriticalSystemPercent,
		ContextCeiling:        cfg.ActiveContextCeiling,
	})

	return &Runtime{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		store:        store,
		handler:      handler,
		fallbacks:    fallbacks,
		exec:         exec,
		registry:     registry,
		mon:          mon,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background loops: checkpoint retention sweep and memory
// monitor. ctx bounds their lifetime; Close also stops them.
func (r *Runtime) Start(ctx context.Context) {
	r.store.Start(ctx)
	r.mon.Start(ctx)
}

// Close stops the background loops, flushes telemetry, and closes the
// checkpoint store.
func (r *Runtime) Close(ctx context.Context) error {
	r.mon.Drain(ctx)
	var firstErr error
	if err := r.store.Close(ctx); err != nil {
		firstErr = err
	}
	if err := r.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Plan validates a task set and arranges it into dependency-ordered phases.
// Duplicate IDs, unknown dependencies, and cycles are rejected outright.
func (r *Runtime) Plan(tasks []Task) (*Plan, error) {
	internal := make([]model.Task, len(tasks))
	for i, t := range tasks {
		internal[i] = toInternalTask(t)
	}
	built, err := plan.Build(internal)
	if err != nil {
		return nil, err
	}
	return &Plan{inner: built}, nil
}

// Run executes the plan. When scopeID is non-empty, a checkpoint is written
// after every completed phase so a crashed run can be inspected or resumed
// from the last phase boundary.
func (r *Runtime) Run(ctx context.Context, p *Plan, scopeID string) (*RunReport, error) {
	if p == nil || p.inner == nil {
		return nil, fmt.Errorf("nagare: nil plan")
	}

	var hook executor.PhaseHook
	if scopeID != "" {
		hook = func(ctx context.Context, phase int, results map[string]executor.TaskResult) {
			r.checkpointPhase(ctx, scopeID, phase, results)
		}
	}

	report, err := r.exec.Execute(ctx, p.inner, hook)
	if err != nil {
		return nil, err
	}
	return toPublicReport(report), nil
}

// checkpointPhase persists a phase-boundary snapshot. Failures are logged,
// never fatal to the run.
func (r *Runtime) checkpointPhase(ctx context.Context, scopeID string, phase int, results map[string]executor.TaskResult) {
	snapshot := map[string]any{
		"phase":   phase,
		"results": toPublicResults(results),
	}
	meta := map[string]string{"kind": "phase", "phase": strconv.Itoa(phase)}
	if _, err := r.store.Create(ctx, scopeID, fmt.Sprintf("phase-%d", phase), snapshot, meta); err != nil {
		r.logger.Warn("nagare: phase checkpoint failed",
			"scope_id", scopeID, "phase", phase, "error", err)
	}
}

// Checkpoint persists an arbitrary snapshot under scopeID. payload must be
// JSON-marshalable; meta is an optional annotation map carried with the
// snapshot.
func (r *Runtime) Checkpoint(ctx context.Context, scopeID, label string, payload any, meta map[string]string) (CheckpointInfo, error) {
	m, err := r.store.Create(ctx, scopeID, label, payload, meta)
	if err != nil {
		return CheckpointInfo{}, err
	}
	return toPublicInfo(m), nil
}

// RestoreCheckpoint loads a checkpoint by ID. Corrupt checkpoints come back
// degraded with salvaged fields rather than failing.
func (r *Runtime) RestoreCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := r.store.Restore(ctx, id)
	if err != nil {
		return nil, err
	}
	return toPublicCheckpoint(cp), nil
}

// LatestCheckpoint loads the most recent checkpoint for scopeID.
func (r *Runtime) LatestCheckpoint(ctx context.Context, scopeID string) (*Checkpoint, error) {
	cp, err := r.store.Latest(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	return toPublicCheckpoint(cp), nil
}

// ListCheckpoints returns checkpoint metadata for scopeID, newest first.
// Pass an empty scope for all checkpoints.
func (r *Runtime) ListCheckpoints(scopeID string) []CheckpointInfo {
	metas := r.store.List(scopeID)
	out := make([]CheckpointInfo, len(metas))
	for i, m := range metas {
		out[i] = toPublicInfo(m)
	}
	return out
}

// RegisterFallback installs a fallback provider for a task type, replacing
// any previous one.
func (r *Runtime) RegisterFallback(taskType string, p FallbackProvider) {
	r.fallbacks.Register(taskType, adaptProvider(p))
}

// RegisterContext tracks a live execution context for memory-pressure
// eviction. release runs when the context is evicted or released; it may be
// nil.
func (r *Runtime) RegisterContext(id string, release func()) {
	r.registry.Register(id, release)
}

// TouchContext marks a context as recently used, protecting it from
// eviction.
func (r *Runtime) TouchContext(id string) { r.registry.Touch(id) }

// ReleaseContext removes a context and runs its release callback.
func (r *Runtime) ReleaseContext(id string) { r.registry.Release(id) }

// ErrorSummary reports the aggregated error history, recovery rate, system
// health grade, and circuit breaker states.
func (r *Runtime) ErrorSummary() ErrorSummary {
	return toPublicErrorSummary(r.handler.Log().Summarize(r.handler.Breakers()))
}

// MemorySummary reports the current memory posture and short-term trend.
func (r *Runtime) MemorySummary() MemorySummary {
	return toPublicMemorySummary(r.mon.Summarize())
}

// PerformanceSummary reports the executor's recent run history: average
// achieved parallelization and its trend across recent runs.
func (r *Runtime) PerformanceSummary() PerformanceSummary {
	s := r.exec.Performance()
	return PerformanceSummary{
		Runs:               s.Runs,
		RecentRuns:         s.RecentRuns,
		OptimalConcurrency: s.OptimalConcurrency,
		AvgParallelization: s.AvgParallelization,
		Trend:              s.Trend,
		LastRunAt:          s.LastRunAt,
	}
}

// CheckMemory forces an immediate memory sample and pressure evaluation.
func (r *Runtime) CheckMemory(ctx context.Context) error {
	return r.mon.Tick(ctx)
}

// --- conversions between public and internal types ---

func toInternalTask(t Task) model.Task {
	return model.Task{
		ID:                t.ID,
		Type:              t.Type,
		Op:                model.Operation(t.Op),
		Priority:          model.Priority(t.Priority),
		Dependencies:      t.Dependencies,
		EstimatedDuration: t.EstimatedDuration,
		Timeout:           t.Timeout,
		Blocking:          t.Blocking,
		RetryClass:        t.RetryClass,
		MaxRetries:        t.MaxRetries,
	}
}

func toPublicTask(t model.Task) Task {
	return Task{
		ID:                t.ID,
		Type:              t.Type,
		Op:                t.Op,
		Priority:          Priority(t.Priority),
		Dependencies:      t.Dependencies,
		EstimatedDuration: t.EstimatedDuration,
		Timeout:           t.Timeout,
		Blocking:          t.Blocking,
		RetryClass:        t.RetryClass,
		MaxRetries:        t.MaxRetries,
	}
}

func toInternalRetryConfigs(configs map[string]RetryConfig) map[string]resilience.RetryConfig {
	if len(configs) == 0 {
		return nil
	}
	out := make(map[string]resilience.RetryConfig, len(configs))
	for class, c := range configs {
		out[class] = resilience.RetryConfig{
			MaxRetries:      c.MaxRetries,
			BaseDelay:       c.BaseDelay,
			MaxDelay:        c.MaxDelay,
			ExponentialBase: c.ExponentialBase,
		}
	}
	return out
}

// adaptProvider bridges the public FallbackProvider to the executor's
// internal interface.
func adaptProvider(p FallbackProvider) executor.Provider {
	return executor.ProviderFunc(func(ctx context.Context, task model.Task, cause error) (any, error) {
		return p.Fallback(ctx, toPublicTask(task), cause)
	})
}

func toPublicResults(results map[string]executor.TaskResult) map[string]TaskResult {
	out := make(map[string]TaskResult, len(results))
	for id, res := range results {
		pub := TaskResult{
			TaskID:       res.TaskID,
			Status:       TaskStatus(res.Status),
			Value:        res.Value,
			Error:        res.Error,
			FallbackUsed: res.FallbackUsed,
			Phase:        res.Phase,
			Duration:     res.Duration,
		}
		// Values that cannot marshal would poison checkpoint snapshots.
		if pub.Value != nil {
			if _, err := json.Marshal(pub.Value); err != nil {
				pub.Value = fmt.Sprintf("%v", res.Value)
			}
		}
		out[id] = pub
	}
	return out
}

func toPublicReport(rep *executor.RunReport) *RunReport {
	return &RunReport{
		RunID:                   rep.RunID,
		Results:                 toPublicResults(rep.Results),
		Phases:                  rep.Phases,
		Concurrency:             rep.Concurrency,
		StartedAt:               rep.StartedAt,
		FinishedAt:              rep.FinishedAt,
		Completed:               rep.Completed,
		Failed:                  rep.Failed,
		Cancelled:               rep.Cancelled,
		Fallbacks:               rep.Fallbacks,
		ParallelizationAchieved: rep.Parallelization,
		Aborted:                 rep.Aborted,
	}
}

func toPublicInfo(m checkpoint.Metadata) CheckpointInfo {
	return CheckpointInfo{
		ID:        m.ID,
		ScopeID:   m.ScopeID,
		Label:     m.Label,
		CreatedAt: m.CreatedAt,
		SizeBytes: m.SizeBytes,
	}
}

func toPublicCheckpoint(cp *checkpoint.Checkpoint) *Checkpoint {
	return &Checkpoint{
		CheckpointInfo: toPublicInfo(cp.Metadata),
		Meta:           cp.Meta,
		Payload:        cp.Payload,
		Degraded:       cp.Degraded,
		Salvaged:       cp.Salvaged,
	}
}

func toPublicErrorSummary(s resilience.Summary) ErrorSummary {
	out := ErrorSummary{
		TotalErrors:         s.TotalErrors,
		ResolvedErrors:      s.ResolvedErrors,
		RecoverySuccessRate: s.RecoverySuccessRate,
		SystemHealth:        s.SystemHealth,
		ByCategory:          s.ByCategory,
		BySeverity:          s.BySeverity,
	}
	for _, rec := range s.Recent {
		out.Recent = append(out.Recent, ErrorRecord{
			ID:               rec.ID.String(),
			Timestamp:        rec.Timestamp,
			Severity:         string(rec.Severity),
			Category:         string(rec.Category),
			Component:        rec.Component,
			Operation:        rec.Operation,
			Message:          rec.Message,
			RecoveryStrategy: string(rec.Recovery),
			RetryCount:       rec.RetryCount,
			Resolved:         rec.Resolved,
		})
	}
	if len(s.Breakers) > 0 {
		out.Breakers = make(map[string]BreakerStatus, len(s.Breakers))
		for key, b := range s.Breakers {
			out.Breakers[key] = BreakerStatus{
				State:       string(b.State),
				Failures:    b.Failures,
				LastFailure: b.LastFailure,
			}
		}
	}
	return out
}

func toPublicMemorySummary(s monitor.Summary) MemorySummary {
	out := MemorySummary{
		Pressure:                 s.Pressure,
		Trend:                    s.Trend,
		ObjectsTrend:             s.ObjectsTrend,
		CeilingRatio:             s.CeilingRatio,
		ActiveContexts:           s.ActiveContexts,
		CheckpointCount:          s.CheckpointCount,
		CheckpointFootprintBytes: s.CheckpointFootprint,
		AlertsTriggered:          s.AlertsTriggered,
		SampleCount:              s.SampleCount,
	}
	if s.Current != nil {
		out.ProcessRSSBytes = s.Current.ProcessRSS
		out.SystemUsedPercent = s.Current.SystemUsedPercent
	}
	return out
}
