package resilience

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hikaeru-ai/nagare/internal/model"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	fast := map[string]RetryConfig{
		ClassNetwork:    {MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2},
		ClassValidation: {MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2},
	}
	return NewHandler(slog.New(slog.DiscardHandler), 5, time.Minute, fast)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	h := testHandler(t)

	attempts := 0
	result, err := h.Execute(context.Background(), Request{
		Component: "executor", Operation: "fetch", Class: ClassNetwork, MaxRetries: -1,
	}, func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)

	// The eventual success resolves the recorded failures.
	s := h.Log().Summarize(h.Breakers())
	assert.Equal(t, 2, s.TotalErrors)
	assert.Equal(t, 2, s.ResolvedErrors)
	assert.Equal(t, "excellent", s.SystemHealth)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	h := testHandler(t)

	attempts := 0
	_, err := h.Execute(context.Background(), Request{
		Component: "executor", Operation: "fetch", Class: ClassNetwork, MaxRetries: -1,
	}, func(ctx context.Context) (any, error) {
		attempts++
		return nil, errors.New("connection reset")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts, "maxRetries=3 means 4 attempts total")
	assert.ErrorContains(t, err, "executor.fetch")
}

func TestExecuteRefusesWhenCircuitOpen(t *testing.T) {
	h := testHandler(t)
	b := h.Breakers().Get("executor", "fetch")
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	attempts := 0
	_, err := h.Execute(context.Background(), Request{
		Component: "executor", Operation: "fetch", Class: ClassNetwork, MaxRetries: -1,
	}, func(ctx context.Context) (any, error) {
		attempts++
		return "never", nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, attempts, "open breaker must refuse without calling fn")
}

func TestExecuteManualInterventionNeverRetried(t *testing.T) {
	h := testHandler(t)

	attempts := 0
	_, err := h.Execute(context.Background(), Request{
		Component: "executor", Operation: "load", Class: ClassNetwork, MaxRetries: -1,
	}, func(ctx context.Context) (any, error) {
		attempts++
		return nil, MarkCategory(errors.New("bad setting"), model.CategoryConfiguration)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "configuration errors are surfaced immediately")
}

func TestExecuteRespectsContextDuringBackoff(t *testing.T) {
	h := NewHandler(slog.New(slog.DiscardHandler), 5, time.Minute, map[string]RetryConfig{
		ClassNetwork: {MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, ExponentialBase: 2},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	_, err := h.Execute(ctx, Request{
		Component: "executor", Operation: "fetch", Class: ClassNetwork, MaxRetries: -1,
	}, func(ctx context.Context) (any, error) {
		attempts++
		return nil, errors.New("connection reset")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)
}

func TestExecuteOverrideMaxRetries(t *testing.T) {
	h := testHandler(t)

	attempts := 0
	_, err := h.Execute(context.Background(), Request{
		Component: "executor", Operation: "fetch", Class: ClassNetwork, MaxRetries: 0,
	}, func(ctx context.Context) (any, error) {
		attempts++
		return nil, errors.New("connection reset")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, ExponentialBase: 2}
	assert.Equal(t, time.Second, backoffDelay(cfg, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(cfg, 2))
	assert.Equal(t, 5*time.Second, backoffDelay(cfg, 3), "delay is capped at MaxDelay")
	assert.Equal(t, 5*time.Second, backoffDelay(cfg, 30), "overflow also resolves to MaxDelay")
}

func TestSummaryHealthGrading(t *testing.T) {
	l := NewErrorLog(10)
	base := errors.New("boom")

	s := l.Summarize(nil)
	assert.Equal(t, "excellent", s.SystemHealth)
	assert.Equal(t, 1.0, s.RecoverySuccessRate)

	for i := 0; i < 4; i++ {
		l.Append(base, "c", "op", model.CategoryInternal, model.SeverityHigh, model.RecoveryFallback, 1)
	}
	assert.Equal(t, "degraded", l.Summarize(nil).SystemHealth, "more than 3 high-severity errors")

	l.Append(base, "c", "op", model.CategoryInternal, model.SeverityCritical, model.RecoveryManualIntervention, 1)
	assert.Equal(t, "critical", l.Summarize(nil).SystemHealth)
}

func TestSummaryRecoveryRate(t *testing.T) {
	l := NewErrorLog(10)
	base := errors.New("flaky")

	for i := 0; i < 10; i++ {
		l.Append(base, "c", "op", model.CategoryNetwork, model.SeverityMedium, model.RecoveryRetryWithBackoff, 1)
	}
	l.ResolveFor("c", "op")
	s := l.Summarize(nil)
	assert.Equal(t, 10, s.ResolvedErrors)
	assert.Equal(t, "excellent", s.SystemHealth)

	// Unresolved failures drag the rate down.
	for i := 0; i < 10; i++ {
		l.Append(base, "c", "other", model.CategoryNetwork, model.SeverityMedium, model.RecoveryRetryWithBackoff, 1)
	}
	s = l.Summarize(nil)
	assert.InDelta(t, 0.5, s.RecoverySuccessRate, 1e-9)
	assert.Equal(t, "poor", s.SystemHealth)
}

func TestErrorLogBounded(t *testing.T) {
	l := NewErrorLog(5)
	for i := 0; i < 20; i++ {
		l.Append(errors.New("x"), "c", "op", model.CategoryInternal, model.SeverityLow, model.RecoveryRetry, 0)
	}
	assert.Equal(t, 5, l.Len())
	assert.Equal(t, 20, l.Summarize(nil).TotalErrors, "lifetime total survives trimming")
}
