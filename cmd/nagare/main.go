// Command nagare runs a task set described in a JSON file through the
// orchestration runtime. Operations are simulated sleeps with configurable
// failure rates, so the command doubles as a smoke test for scheduling,
// retry, fallback, and checkpoint behavior.
//
//	nagare -tasks taskset.json -scope demo-run
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hikaeru-ai/nagare"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("NAGARE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// taskSpec is one entry in the JSON task-set file.
type taskSpec struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies"`
	DurationMS   int      `json:"duration_ms"`
	FailureRate  float64  `json:"failure_rate"`
	Blocking     bool     `json:"blocking"`
	RetryClass   string   `json:"retry_class"`
}

func run(ctx context.Context, logger *slog.Logger) error {
	tasksPath := flag.String("tasks", "", "path to JSON task-set file")
	scope := flag.String("scope", "", "checkpoint scope ID (empty disables phase checkpoints)")
	flag.Parse()

	if *tasksPath == "" {
		return errors.New("missing -tasks flag")
	}
	specs, err := loadTaskSet(*tasksPath)
	if err != nil {
		return err
	}

	rt, err := nagare.New(
		nagare.WithLogger(logger),
		nagare.WithVersion(version),
		nagare.WithFallbackProvider("flaky", nagare.FallbackFunc(
			func(ctx context.Context, task nagare.Task, cause error) (any, error) {
				return fmt.Sprintf("%s: fallback result", task.ID), nil
			})),
	)
	if err != nil {
		return err
	}
	rt.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Close(closeCtx)
	}()

	tasks := make([]nagare.Task, len(specs))
	for i, spec := range specs {
		tasks[i] = toTask(spec)
	}

	plan, err := rt.Plan(tasks)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	summary := plan.Summary()
	logger.Info("plan built",
		"phases", len(summary.Phases),
		"tasks", summary.TaskCount,
		"parallelization_factor", summary.ParallelizationFactor,
		"optimization_score", summary.OptimizationScore,
	)

	report, err := rt.Run(ctx, plan, *scope)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	logger.Info("run finished",
		"completed", report.Completed,
		"failed", report.Failed,
		"cancelled", report.Cancelled,
		"fallbacks", report.Fallbacks,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)

	errSummary := rt.ErrorSummary()
	logger.Info("error summary",
		"total_errors", errSummary.TotalErrors,
		"recovery_success_rate", errSummary.RecoverySuccessRate,
		"system_health", errSummary.SystemHealth,
	)

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Println(string(out))

	if report.Failed > 0 {
		return fmt.Errorf("%d task(s) failed", report.Failed)
	}
	return nil
}

func loadTaskSet(path string) ([]taskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task set: %w", err)
	}
	var specs []taskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse task set: %w", err)
	}
	if len(specs) == 0 {
		return nil, errors.New("task set is empty")
	}
	return specs, nil
}

func toTask(spec taskSpec) nagare.Task {
	duration := time.Duration(spec.DurationMS) * time.Millisecond
	return nagare.Task{
		ID:                spec.ID,
		Type:              spec.Type,
		Priority:          nagare.Priority(spec.Priority),
		Dependencies:      spec.Dependencies,
		EstimatedDuration: duration,
		Blocking:          spec.Blocking,
		RetryClass:        spec.RetryClass,
		Op:                simulatedOp(spec.ID, duration, spec.FailureRate),
	}
}

// simulatedOp sleeps for the declared duration and fails with the declared
// probability.
func simulatedOp(id string, duration time.Duration, failureRate float64) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(duration):
		}
		if failureRate > 0 && rand.Float64() < failureRate {
			return nil, fmt.Errorf("%s: simulated failure", id)
		}
		return fmt.Sprintf("%s: ok", id), nil
	}
}
