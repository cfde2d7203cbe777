package resilience

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/hikaeru-ai/nagare/internal/model"
)

// ClassifiedError carries an explicit category, letting callers bypass the
// keyword heuristics. Wrap failures with MarkCategory at the point where the
// kind is known.
type ClassifiedError struct {
	Category model.Category
	Err      error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// MarkCategory wraps err with an explicit category. Returns nil for nil err.
func MarkCategory(err error, cat model.Category) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Category: cat, Err: err}
}

// Classify maps an error to a category. Typed checks run first; the message
// keyword scan is a best-effort boundary heuristic for errors that carry no
// structured kind.
func Classify(err error) model.Category {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return model.CategoryTimeout
		}
		return model.CategoryNetwork
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return model.CategoryConfiguration
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return model.CategoryTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return model.CategoryRateLimit
	case strings.Contains(msg, "validation") || strings.Contains(msg, "schema"):
		return model.CategoryValidation
	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "memory"):
		return model.CategoryMemory
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection") || strings.Contains(msg, "dial"):
		return model.CategoryNetwork
	case strings.Contains(msg, "config") || strings.Contains(msg, "environment variable"):
		return model.CategoryConfiguration
	case strings.Contains(msg, "corrupt") || strings.Contains(msg, "checksum"):
		return model.CategoryDataCorruption
	case strings.Contains(msg, "api") || strings.Contains(msg, "http") || strings.Contains(msg, "status"):
		return model.CategoryExternalService
	default:
		return model.CategoryInternal
	}
}

// StrategyFor selects a recovery strategy from category and severity.
// Critical failures always demand manual intervention regardless of category.
func StrategyFor(cat model.Category, sev model.Severity) model.RecoveryStrategy {
	if sev == model.SeverityCritical {
		return model.RecoveryManualIntervention
	}
	switch cat {
	case model.CategoryTimeout, model.CategoryNetwork:
		return model.RecoveryRetryWithBackoff
	case model.CategoryRateLimit, model.CategoryExternalService:
		return model.RecoveryCircuitBreaker
	case model.CategoryValidation, model.CategoryInternal:
		return model.RecoveryFallback
	case model.CategoryMemory, model.CategoryDataCorruption:
		return model.RecoveryGracefulDegradation
	case model.CategoryConfiguration:
		return model.RecoveryManualIntervention
	default:
		return model.RecoveryRetry
	}
}
