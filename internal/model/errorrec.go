package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades how damaging a handled failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category is the classified kind of a failure. Classification is
// best-effort: typed error checks first, message keywords second.
type Category string

const (
	CategoryTimeout         Category = "timeout"
	CategoryRateLimit       Category = "rate_limit"
	CategoryValidation      Category = "validation"
	CategoryMemory          Category = "memory"
	CategoryNetwork         Category = "network"
	CategoryConfiguration   Category = "configuration"
	CategoryDataCorruption  Category = "data_corruption"
	CategoryExternalService Category = "external_service"
	CategoryInternal        Category = "internal"
)

// RecoveryStrategy names how the runtime responds to a classified failure.
type RecoveryStrategy string

const (
	RecoveryRetry               RecoveryStrategy = "retry"
	RecoveryRetryWithBackoff    RecoveryStrategy = "retry_with_backoff"
	RecoveryFallback            RecoveryStrategy = "fallback"
	RecoveryGracefulDegradation RecoveryStrategy = "graceful_degradation"
	RecoveryCircuitBreaker      RecoveryStrategy = "circuit_breaker"
	RecoveryManualIntervention  RecoveryStrategy = "manual_intervention"
)

// ErrorRecord is the structured record created for every handled failure.
// Immutable after creation except for Resolved/ResolvedAt, which flip when a
// later attempt of the same operation succeeds.
type ErrorRecord struct {
	ID         uuid.UUID        `json:"id"`
	Timestamp  time.Time        `json:"timestamp"`
	Severity   Severity         `json:"severity"`
	Category   Category         `json:"category"`
	Component  string           `json:"component"`
	Operation  string           `json:"operation"`
	Message    string           `json:"message"`
	Recovery   RecoveryStrategy `json:"recovery_strategy"`
	RetryCount int              `json:"retry_count"`
	Resolved   bool             `json:"resolved"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}
