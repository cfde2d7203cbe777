package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hikaeru-ai/nagare/internal/model"
)

// ErrCircuitOpen is returned when the breaker for an operation is OPEN and
// its recovery timeout has not elapsed. No attempt is made.
var ErrCircuitOpen = errors.New("resilience: circuit breaker open")

// Retry class names. Each class carries its own backoff configuration;
// unknown classes fall back to ClassNetwork.
const (
	ClassNetwork    = "network"
	ClassInference  = "inference"
	ClassValidation = "validation"
	ClassData       = "data"
)

// RetryConfig parameterizes the exponential backoff loop for one class of
// operation.
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// DefaultRetryConfigs returns the built-in per-class retry settings.
func DefaultRetryConfigs() map[string]RetryConfig {
	return map[string]RetryConfig{
		ClassNetwork:    {MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, ExponentialBase: 2},
		ClassInference:  {MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, ExponentialBase: 2},
		ClassValidation: {MaxRetries: 1, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, ExponentialBase: 2},
		ClassData:       {MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 15 * time.Second, ExponentialBase: 1.5},
	}
}

// Request identifies one guarded operation for Execute.
type Request struct {
	Component string
	Operation string

	// Class selects the retry configuration. Empty = ClassNetwork.
	Class string

	// MaxRetries overrides the class setting when >= 0. Pass -1 to use the
	// class default.
	MaxRetries int

	// Severity of failures raised by this operation. Empty = medium.
	Severity model.Severity
}

// Handler is the retry + circuit-breaker executor. One handler (and so one
// breaker registry and error history) is shared across the whole runtime.
type Handler struct {
	logger   *slog.Logger
	breakers *BreakerRegistry
	configs  map[string]RetryConfig
	log      *ErrorLog
}

// NewHandler creates a handler with the given breaker settings. Missing
// retry classes are filled from DefaultRetryConfigs.
func NewHandler(logger *slog.Logger, breakerThreshold int, breakerRecovery time.Duration, configs map[string]RetryConfig) *Handler {
	merged := DefaultRetryConfigs()
	for class, cfg := range configs {
		merged[class] = cfg
	}
	return &Handler{
		logger:   logger,
		breakers: NewBreakerRegistry(breakerThreshold, breakerRecovery),
		configs:  merged,
		log:      NewErrorLog(defaultLogCapacity),
	}
}

// Breakers exposes the breaker registry for health reporting.
func (h *Handler) Breakers() *BreakerRegistry { return h.breakers }

// Log exposes the error history for health reporting.
func (h *Handler) Log() *ErrorLog { return h.log }

// Execute runs fn under the breaker for (req.Component, req.Operation) with
// retry-with-backoff. Total attempts = maxRetries + 1. Every failure is
// classified and recorded; a success after retries marks this operation's
// unresolved records resolved. Configuration errors and failures needing
// manual intervention are never retried. The last error is returned (wrapped)
// after retries are exhausted.
func (h *Handler) Execute(ctx context.Context, req Request, fn func(ctx context.Context) (any, error)) (any, error) {
	cfg, ok := h.configs[req.Class]
	if !ok {
		cfg = h.configs[ClassNetwork]
	}
	maxRetries := cfg.MaxRetries
	if req.MaxRetries >= 0 {
		maxRetries = req.MaxRetries
	}
	severity := req.Severity
	if severity == "" {
		severity = model.SeverityMedium
	}

	breaker := h.breakers.Get(req.Component, req.Operation)
	if !breaker.CanExecute() {
		h.logger.Warn("resilience: circuit open, refusing call",
			"component", req.Component, "operation", req.Operation)
		return nil, fmt.Errorf("%w: %s.%s", ErrCircuitOpen, req.Component, req.Operation)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			breaker.RecordSuccess()
			if attempt > 0 {
				h.log.ResolveFor(req.Component, req.Operation)
				h.logger.Info("resilience: operation recovered",
					"component", req.Component, "operation", req.Operation, "attempts", attempt+1)
			}
			return result, nil
		}

		lastErr = err
		rec := h.record(err, req.Component, req.Operation, severity, attempt+1)
		breaker.RecordFailure()

		if rec.Recovery == model.RecoveryManualIntervention {
			// Fatal class (configuration errors, critical severity):
			// surfaced immediately, never retried.
			break
		}
		if attempt == maxRetries {
			break
		}

		delay := backoffDelay(cfg, attempt)
		h.logger.Info("resilience: retrying with backoff",
			"component", req.Component, "operation", req.Operation,
			"attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("resilience: %s.%s failed: %w", req.Component, req.Operation, lastErr)
}

// backoffDelay computes min(base · expBase^attempt, max) where attempt is the
// zero-based index of the attempt that just failed.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(attempt)))
	if d > cfg.MaxDelay || d <= 0 {
		return cfg.MaxDelay
	}
	return d
}

// record classifies the failure, appends an ErrorRecord, and logs it.
func (h *Handler) record(err error, component, operation string, severity model.Severity, retryCount int) model.ErrorRecord {
	category := Classify(err)
	rec := h.log.Append(err, component, operation, category, severity, StrategyFor(category, severity), retryCount)
	h.logger.Error("resilience: operation failed",
		"error_id", rec.ID,
		"component", component,
		"operation", operation,
		"category", category,
		"severity", severity,
		"recovery_strategy", rec.Recovery,
		"retry_count", retryCount,
		"error", err,
	)
	return rec
}
