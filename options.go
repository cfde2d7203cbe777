package nagare

import (
	"log/slog"
	"time"
)

// Option configures a Runtime.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger              *slog.Logger
	version             string
	maxConcurrentTasks  int
	workerPoolSize      int
	checkpointPath      string
	checkpointRetention time.Duration
	monitorInterval     time.Duration
	memoryCeilingMB     int
	retryConfigs        map[string]RetryConfig
	fallbacks           map[string]FallbackProvider
}

// WithLogger sets the structured logger for the Runtime.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithMaxConcurrentTasks overrides the phase concurrency bound from config
// (NAGARE_MAX_CONCURRENT_TASKS env var).
func WithMaxConcurrentTasks(n int) Option {
	return func(o *resolvedOptions) { o.maxConcurrentTasks = n }
}

// WithWorkerPoolSize overrides the blocking-task pool size from config
// (NAGARE_WORKER_POOL_SIZE env var).
func WithWorkerPoolSize(n int) Option {
	return func(o *resolvedOptions) { o.workerPoolSize = n }
}

// WithCheckpointPath overrides the checkpoint database path from config
// (NAGARE_CHECKPOINT_PATH env var).
func WithCheckpointPath(path string) Option {
	return func(o *resolvedOptions) { o.checkpointPath = path }
}

// WithCheckpointRetention overrides how long checkpoints are kept
// (NAGARE_CHECKPOINT_RETENTION env var).
func WithCheckpointRetention(d time.Duration) Option {
	return func(o *resolvedOptions) { o.checkpointRetention = d }
}

// WithMonitorInterval overrides the memory sampling interval
// (NAGARE_MONITOR_INTERVAL env var).
func WithMonitorInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.monitorInterval = d }
}

// WithMemoryCeilingMB overrides the process memory budget
// (NAGARE_MEMORY_CEILING_MB env var).
func WithMemoryCeilingMB(n int) Option {
	return func(o *resolvedOptions) { o.memoryCeilingMB = n }
}

// WithRetryConfig overrides the backoff settings for one retry class.
// Unnamed classes keep their built-in defaults.
func WithRetryConfig(class string, cfg RetryConfig) Option {
	return func(o *resolvedOptions) {
		if o.retryConfigs == nil {
			o.retryConfigs = make(map[string]RetryConfig)
		}
		o.retryConfigs[class] = cfg
	}
}

// WithFallbackProvider registers a fallback provider for a task type.
// The same provider can also be registered after construction with
// Runtime.RegisterFallback.
func WithFallbackProvider(taskType string, p FallbackProvider) Option {
	return func(o *resolvedOptions) {
		if o.fallbacks == nil {
			o.fallbacks = make(map[string]FallbackProvider)
		}
		o.fallbacks[taskType] = p
	}
}
