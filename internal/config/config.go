// Package config loads and validates runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration.
type Config struct {
	// Scheduling settings.
	MaxConcurrentTasks int
	WorkerPoolSize     int // Bound on simultaneously running blocking tasks.

	// Circuit breaker settings.
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	// Checkpoint settings.
	CheckpointPath      string // SQLite database file for checkpoints.
	CheckpointRetention time.Duration
	SweepInterval       time.Duration

	// Memory monitor settings.
	MonitorInterval       time.Duration
	MemoryCeilingMB       int
	SoftMemoryThreshold   float64 // Fraction of the ceiling that triggers soft shedding.
	CriticalSystemPercent float64 // System-wide usage that triggers critical shedding.
	ActiveContextCeiling  int     // Contexts kept alive under soft pressure.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool // Plain HTTP to the OTLP endpoint instead of TLS.
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		MaxConcurrentTasks:      envInt("NAGARE_MAX_CONCURRENT_TASKS", 8),
		WorkerPoolSize:          envInt("NAGARE_WORKER_POOL_SIZE", 4),
		BreakerFailureThreshold: envInt("NAGARE_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:  envDuration("NAGARE_BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		CheckpointPath:          envStr("NAGARE_CHECKPOINT_PATH", "nagare-checkpoints.db"),
		CheckpointRetention:     envDuration("NAGARE_CHECKPOINT_RETENTION", 24*time.Hour),
		SweepInterval:           envDuration("NAGARE_SWEEP_INTERVAL", time.Hour),
		MonitorInterval:         envDuration("NAGARE_MONITOR_INTERVAL", 30*time.Second),
		MemoryCeilingMB:         envInt("NAGARE_MEMORY_CEILING_MB", 2048),
		SoftMemoryThreshold:     envFloat("NAGARE_SOFT_MEMORY_THRESHOLD", 0.8),
		CriticalSystemPercent:   envFloat("NAGARE_CRITICAL_SYSTEM_PERCENT", 90.0),
		ActiveContextCeiling:    envInt("NAGARE_ACTIVE_CONTEXT_CEILING", 5),
		OTELEndpoint:            envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:            envBool("NAGARE_OTEL_INSECURE", false),
		ServiceName:             envStr("OTEL_SERVICE_NAME", "nagare"),
		LogLevel:                envStr("NAGARE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.MaxConcurrentTasks < 2 {
		return fmt.Errorf("config: NAGARE_MAX_CONCURRENT_TASKS must be at least 2")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: NAGARE_WORKER_POOL_SIZE must be positive")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("config: NAGARE_BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("config: NAGARE_CHECKPOINT_PATH is required")
	}
	if c.CheckpointRetention <= 0 {
		return fmt.Errorf("config: NAGARE_CHECKPOINT_RETENTION must be positive")
	}
	if c.SoftMemoryThreshold <= 0 || c.SoftMemoryThreshold > 1 {
		return fmt.Errorf("config: NAGARE_SOFT_MEMORY_THRESHOLD must be in (0, 1]")
	}
	if c.CriticalSystemPercent <= 0 || c.CriticalSystemPercent > 100 {
		return fmt.Errorf("config: NAGARE_CRITICAL_SYSTEM_PERCENT must be in (0, 100]")
	}
	if c.MemoryCeilingMB <= 0 {
		return fmt.Errorf("config: NAGARE_MEMORY_CEILING_MB must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
