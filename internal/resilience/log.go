package resilience

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hikaeru-ai/nagare/internal/model"
)

// defaultLogCapacity bounds the in-memory error history. Oldest records are
// dropped first; the summary counters survive trimming.
const defaultLogCapacity = 1000

// ErrorLog is the bounded error history behind the health summary.
type ErrorLog struct {
	mu       sync.Mutex
	records  []model.ErrorRecord
	capacity int

	// Lifetime counters, unaffected by trimming.
	total    int
	resolved int
}

// NewErrorLog creates a log that retains at most capacity records.
func NewErrorLog(capacity int) *ErrorLog {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &ErrorLog{capacity: capacity}
}

// Append creates and stores an ErrorRecord for a handled failure.
func (l *ErrorLog) Append(err error, component, operation string, category model.Category, severity model.Severity, recovery model.RecoveryStrategy, retryCount int) model.ErrorRecord {
	rec := model.ErrorRecord{
		ID:         uuid.New(),
		Timestamp:  time.Now().UTC(),
		Severity:   severity,
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    err.Error(),
		Recovery:   recovery,
		RetryCount: retryCount,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	l.total++
	if len(l.records) > l.capacity {
		l.records = l.records[len(l.records)-l.capacity:]
	}
	return rec
}

// ResolveFor marks every unresolved record for (component, operation) as
// resolved. Called when a retried operation eventually succeeds.
func (l *ErrorLog) ResolveFor(component, operation string) {
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		rec := &l.records[i]
		if !rec.Resolved && rec.Component == component && rec.Operation == operation {
			rec.Resolved = true
			rec.ResolvedAt = &now
			l.resolved++
		}
	}
}

// Summary aggregates the error history and breaker states into the
// caller-facing health view.
type Summary struct {
	TotalErrors         int                        `json:"total_errors"`
	ResolvedErrors      int                        `json:"resolved_errors"`
	RecoverySuccessRate float64                    `json:"recovery_success_rate"`
	SystemHealth        string                     `json:"system_health"`
	ByCategory          map[string]int             `json:"error_categories"`
	BySeverity          map[string]int             `json:"error_severities"`
	Recent              []model.ErrorRecord        `json:"recent_errors"`
	Breakers            map[string]BreakerSnapshot `json:"circuit_breaker_states"`
}

// Summarize builds the health summary. breakers may be nil.
func (l *ErrorLog) Summarize(breakers *BreakerRegistry) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		TotalErrors:         l.total,
		ResolvedErrors:      l.resolved,
		RecoverySuccessRate: 1.0,
		SystemHealth:        "excellent",
		ByCategory:          map[string]int{},
		BySeverity:          map[string]int{},
	}
	if breakers != nil {
		s.Breakers = breakers.Snapshots()
	}
	if l.total == 0 {
		return s
	}

	s.RecoverySuccessRate = float64(l.resolved) / float64(l.total)
	for _, rec := range l.records {
		s.ByCategory[string(rec.Category)]++
		s.BySeverity[string(rec.Severity)]++
	}

	recent := 5
	if recent > len(l.records) {
		recent = len(l.records)
	}
	s.Recent = append([]model.ErrorRecord(nil), l.records[len(l.records)-recent:]...)

	switch {
	case s.BySeverity[string(model.SeverityCritical)] > 0:
		s.SystemHealth = "critical"
	case s.BySeverity[string(model.SeverityHigh)] > 3:
		s.SystemHealth = "degraded"
	case s.RecoverySuccessRate < 0.8:
		s.SystemHealth = "poor"
	case s.RecoverySuccessRate < 0.95:
		s.SystemHealth = "good"
	default:
		s.SystemHealth = "excellent"
	}
	return s
}

// Len returns the number of retained records.
func (l *ErrorLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
