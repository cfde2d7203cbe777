// Package monitor watches process and system memory and sheds load when
// thresholds are crossed: garbage collection, least-recently-used context
// eviction, and checkpoint retention shrinking.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel/metric"

	"github.com/hikaeru-ai/nagare/internal/telemetry"
)

const (
	// History is capped; when full it is halved so the monitor itself stays
	// cheap under sustained load.
	maxHistory  = 100
	trimHistory = 50

	defaultInterval        = 30 * time.Second
	defaultSoftThreshold   = 0.8
	defaultCriticalPercent = 90.0
)

// Sample is one memory observation.
type Sample struct {
	Timestamp         time.Time `json:"timestamp"`
	ProcessRSS        uint64    `json:"process_rss_bytes"`
	HeapObjects       uint64    `json:"heap_objects"`
	SystemUsedPercent float64   `json:"system_used_percent"`
}

// Sampler produces memory observations. Injectable so tests can simulate
// pressure without allocating.
type Sampler func(ctx context.Context) (Sample, error)

// Store is the checkpoint surface the monitor drives under pressure and
// reports on in summaries.
type Store interface {
	SweepNow(ctx context.Context) (int, error)
	Shrink(ctx context.Context) (time.Duration, error)
	Count() int
	Footprint() int64
}

// Config holds the monitor thresholds. Zero values pick the defaults.
type Config struct {
	Interval time.Duration

	// CeilingBytes is the process RSS budget. Crossing SoftThreshold of it
	// triggers soft pressure handling.
	CeilingBytes  uint64
	SoftThreshold float64

	// CriticalSystemPercent is the system-wide memory usage that triggers
	// critical handling regardless of process size.
	CriticalSystemPercent float64

	// ContextCeiling is how many active contexts survive soft pressure.
	// Critical pressure keeps only the single most recently used.
	ContextCeiling int

	Sampler Sampler
}

// Monitor runs the periodic sampling loop.
type Monitor struct {
	logger   *slog.Logger
	registry *ContextRegistry
	store    Store
	cfg      Config

	mu      sync.Mutex
	history []Sample
	alerts  int64

	cancelLoop context.CancelFunc
	done       chan struct{}
}

// New creates a monitor. registry and store may not be nil.
func New(logger *slog.Logger, registry *ContextRegistry, store Store, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.SoftThreshold <= 0 || cfg.SoftThreshold > 1 {
		cfg.SoftThreshold = defaultSoftThreshold
	}
	if cfg.CriticalSystemPercent <= 0 {
		cfg.CriticalSystemPercent = defaultCriticalPercent
	}
	if cfg.ContextCeiling <= 0 {
		cfg.ContextCeiling = 5
	}
	if cfg.Sampler == nil {
		cfg.Sampler = processSampler()
	}
	return &Monitor{
		logger:   logger,
		registry: registry,
		store:    store,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

// processSampler samples the current process and the host.
func processSampler() Sampler {
	pid := int32(os.Getpid())
	return func(ctx context.Context) (Sample, error) {
		s := Sample{Timestamp: time.Now().UTC()}

		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return s, fmt.Errorf("monitor: open process %d: %w", pid, err)
		}
		info, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return s, fmt.Errorf("monitor: process memory info: %w", err)
		}
		s.ProcessRSS = info.RSS

		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return s, fmt.Errorf("monitor: system memory info: %w", err)
		}
		s.SystemUsedPercent = vm.UsedPercent

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		s.HeapObjects = ms.HeapObjects
		return s, nil
	}
}

// Start begins the sampling loop and registers OTEL metrics. Call Drain to
// stop.
func (m *Monitor) Start(ctx context.Context) {
	m.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancelLoop = cancel
	go m.loop(loopCtx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(m.done)
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("monitor: sample failed", "error", err)
			}
		}
	}
}

// Drain stops the sampling loop and waits for it to exit.
func (m *Monitor) Drain(ctx context.Context) {
	if m.cancelLoop == nil {
		return
	}
	m.cancelLoop()
	select {
	case <-m.done:
	case <-ctx.Done():
		m.logger.Warn("monitor: drain timed out waiting for sample loop")
	}
}

// Tick takes one sample, records it, and applies pressure handling. Exposed
// so callers can force an immediate check.
func (m *Monitor) Tick(ctx context.Context) error {
	sample, err := m.cfg.Sampler(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.history = append(m.history, sample)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-trimHistory:]
	}
	m.mu.Unlock()

	switch {
	case sample.SystemUsedPercent >= m.cfg.CriticalSystemPercent:
		m.handleCritical(ctx, sample)
	case m.ratio(sample) >= m.cfg.SoftThreshold:
		m.handleSoft(ctx, sample)
	}
	return nil
}

func (m *Monitor) ratio(s Sample) float64 {
	if m.cfg.CeilingBytes == 0 {
		return 0
	}
	return float64(s.ProcessRSS) / float64(m.cfg.CeilingBytes)
}

// handleSoft sheds moderate weight: one GC pass, contexts trimmed to the
// ceiling, expired checkpoints swept.
func (m *Monitor) handleSoft(ctx context.Context, s Sample) {
	m.mu.Lock()
	m.alerts++
	m.mu.Unlock()

	evicted := m.registry.TrimTo(m.cfg.ContextCeiling)
	runtime.GC()

	swept := 0
	if m.store != nil {
		n, err := m.store.SweepNow(ctx)
		if err != nil {
			m.logger.Error("monitor: checkpoint sweep under pressure failed", "error", err)
		}
		swept = n
	}

	m.logger.Warn("monitor: soft memory threshold crossed",
		"process_rss_bytes", s.ProcessRSS,
		"ceiling_bytes", m.cfg.CeilingBytes,
		"ratio", m.ratio(s),
		"contexts_evicted", evicted,
		"checkpoints_swept", swept,
	)
}

// handleCritical sheds aggressively: keep only the most recently used
// context, run three GC passes to collect freed chains, and halve checkpoint
// retention.
func (m *Monitor) handleCritical(ctx context.Context, s Sample) {
	m.mu.Lock()
	m.alerts++
	m.mu.Unlock()

	evicted := m.registry.TrimTo(1)
	for i := 0; i < 3; i++ {
		runtime.GC()
	}

	var retention time.Duration
	if m.store != nil {
		r, err := m.store.Shrink(ctx)
		if err != nil {
			m.logger.Error("monitor: checkpoint shrink under pressure failed", "error", err)
		}
		retention = r
	}

	m.logger.Error("monitor: critical system memory pressure",
		"system_used_percent", s.SystemUsedPercent,
		"process_rss_bytes", s.ProcessRSS,
		"contexts_evicted", evicted,
		"checkpoint_retention", retention,
	)
}

// Summary reports the current memory posture and the short-term trends.
type Summary struct {
	Current             *Sample `json:"current,omitempty"`
	CeilingBytes        uint64  `json:"ceiling_bytes"`
	CeilingRatio        float64 `json:"ceiling_ratio"`
	Pressure            string  `json:"pressure"`
	Trend               string  `json:"trend"`
	ObjectsTrend        string  `json:"objects_trend"`
	ActiveContexts      int     `json:"active_contexts"`
	CheckpointCount     int     `json:"checkpoint_count"`
	CheckpointFootprint int64   `json:"checkpoint_footprint_bytes"`
	AlertsTriggered     int64   `json:"alerts_triggered"`
	SampleCount         int     `json:"sample_count"`
}

// Summarize returns the posture derived from recorded samples. With no
// samples yet, pressure is "unknown".
func (m *Monitor) Summarize() Summary {
	m.mu.Lock()
	history := append([]Sample(nil), m.history...)
	alerts := m.alerts
	m.mu.Unlock()

	s := Summary{
		CeilingBytes:    m.cfg.CeilingBytes,
		Pressure:        "unknown",
		Trend:           "stable",
		ObjectsTrend:    "stable",
		ActiveContexts:  m.registry.Len(),
		AlertsTriggered: alerts,
		SampleCount:     len(history),
	}
	if m.store != nil {
		s.CheckpointCount = m.store.Count()
		s.CheckpointFootprint = m.store.Footprint()
	}
	if len(history) == 0 {
		return s
	}

	current := history[len(history)-1]
	s.Current = &current
	s.CeilingRatio = m.ratio(current)

	switch {
	case current.SystemUsedPercent >= m.cfg.CriticalSystemPercent:
		s.Pressure = "critical"
	case s.CeilingRatio >= m.cfg.SoftThreshold:
		s.Pressure = "elevated"
	default:
		s.Pressure = "nominal"
	}

	s.Trend = trendOf(history, func(s Sample) float64 { return float64(s.ProcessRSS) })
	s.ObjectsTrend = trendOf(history, func(s Sample) float64 { return float64(s.HeapObjects) })
	return s
}

// trendOf compares the mean of the older and newer halves of the history.
// A swing beyond 5% either way counts as rising or falling.
func trendOf(history []Sample, value func(Sample) float64) string {
	if len(history) < 4 {
		return "stable"
	}
	mid := len(history) / 2
	older := meanOf(history[:mid], value)
	newer := meanOf(history[mid:], value)
	if older == 0 {
		return "stable"
	}
	switch delta := newer / older; {
	case delta > 1.05:
		return "rising"
	case delta < 0.95:
		return "falling"
	default:
		return "stable"
	}
}

func meanOf(samples []Sample, value func(Sample) float64) float64 {
	var total float64
	for _, s := range samples {
		total += value(s)
	}
	return total / float64(len(samples))
}

// registerMetrics registers observable OTEL gauges for memory monitoring.
func (m *Monitor) registerMetrics() {
	meter := telemetry.Meter("nagare/monitor")

	_, _ = meter.Int64ObservableGauge("nagare.monitor.process_rss_bytes",
		metric.WithDescription("Resident set size of the process at the last sample"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if len(m.history) > 0 {
				o.Observe(int64(m.history[len(m.history)-1].ProcessRSS))
			}
			return nil
		}),
	)

	_, _ = meter.Float64ObservableGauge("nagare.monitor.system_used_percent",
		metric.WithDescription("System memory usage at the last sample"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if len(m.history) > 0 {
				o.Observe(m.history[len(m.history)-1].SystemUsedPercent)
			}
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("nagare.monitor.active_contexts",
		metric.WithDescription("Number of registered execution contexts"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.registry.Len()))
			return nil
		}),
	)
}
