package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	swept     int
	shrunk    int
	retention time.Duration
}

func (f *fakeStore) SweepNow(ctx context.Context) (int, error) {
	f.swept++
	return 2, nil
}

func (f *fakeStore) Shrink(ctx context.Context) (time.Duration, error) {
	f.shrunk++
	f.retention /= 2
	return f.retention, nil
}

func (f *fakeStore) Count() int { return 3 }

func (f *fakeStore) Footprint() int64 { return 4096 }

func fixedSampler(rss uint64, systemPct float64) Sampler {
	return func(ctx context.Context) (Sample, error) {
		return Sample{
			Timestamp:         time.Now().UTC(),
			ProcessRSS:        rss,
			HeapObjects:       1000,
			SystemUsedPercent: systemPct,
		}, nil
	}
}

func testMonitor(t *testing.T, store *fakeStore, sampler Sampler) (*Monitor, *ContextRegistry) {
	t.Helper()
	reg := NewContextRegistry()
	m := New(slog.New(slog.DiscardHandler), reg, store, Config{
		CeilingBytes:   1 << 30, // 1 GiB
		ContextCeiling: 2,
		Sampler:        sampler,
	})
	return m, reg
}

func TestTickNominalDoesNothing(t *testing.T) {
	store := &fakeStore{retention: 24 * time.Hour}
	m, reg := testMonitor(t, store, fixedSampler(100<<20, 40))
	for i := 0; i < 5; i++ {
		reg.Register(string(rune('a'+i)), nil)
	}

	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, 5, reg.Len())
	assert.Zero(t, store.swept)
	assert.Zero(t, store.shrunk)
	assert.Equal(t, "nominal", m.Summarize().Pressure)
}

func TestTickSoftThresholdTrimsAndSweeps(t *testing.T) {
	store := &fakeStore{retention: 24 * time.Hour}
	// 900 MiB of a 1 GiB ceiling is past the 0.8 soft threshold.
	m, reg := testMonitor(t, store, fixedSampler(900<<20, 40))

	reg.Register("old", nil)
	time.Sleep(2 * time.Millisecond)
	reg.Register("mid", nil)
	time.Sleep(2 * time.Millisecond)
	reg.Register("new", nil)

	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"new", "mid"}, reg.IDs(), "least recently used context is evicted")
	assert.Equal(t, 1, store.swept)
	assert.Zero(t, store.shrunk)

	s := m.Summarize()
	assert.Equal(t, "elevated", s.Pressure)
	assert.Equal(t, int64(1), s.AlertsTriggered)
	assert.Equal(t, 3, s.CheckpointCount)
	assert.Equal(t, int64(4096), s.CheckpointFootprint)
}

func TestTickCriticalKeepsOneContextAndShrinks(t *testing.T) {
	store := &fakeStore{retention: 24 * time.Hour}
	m, reg := testMonitor(t, store, fixedSampler(100<<20, 95))

	released := map[string]bool{}
	for _, id := range []string{"a", "b", "c"} {
		id := id
		reg.Register(id, func() { released[id] = true })
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, []string{"c"}, reg.IDs(), "only the most recently used survives")
	assert.True(t, released["a"])
	assert.True(t, released["b"])
	assert.False(t, released["c"])
	assert.Equal(t, 1, store.shrunk)
	assert.Equal(t, "critical", m.Summarize().Pressure)
}

func TestHistoryBounded(t *testing.T) {
	m, _ := testMonitor(t, &fakeStore{}, fixedSampler(1<<20, 10))
	for i := 0; i < maxHistory+1; i++ {
		require.NoError(t, m.Tick(context.Background()))
	}
	assert.Equal(t, trimHistory, m.Summarize().SampleCount, "overflowing history is halved")
}

func TestTrendRising(t *testing.T) {
	var rss uint64 = 100 << 20
	sampler := func(ctx context.Context) (Sample, error) {
		rss += 50 << 20
		return Sample{Timestamp: time.Now().UTC(), ProcessRSS: rss, SystemUsedPercent: 30}, nil
	}
	m, _ := testMonitor(t, &fakeStore{}, sampler)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Tick(context.Background()))
	}
	assert.Equal(t, "rising", m.Summarize().Trend)
}

func TestSummaryWithoutSamples(t *testing.T) {
	m, _ := testMonitor(t, &fakeStore{}, fixedSampler(0, 0))
	s := m.Summarize()
	assert.Equal(t, "unknown", s.Pressure)
	assert.Nil(t, s.Current)
}

func TestRegistryTouchChangesEvictionOrder(t *testing.T) {
	reg := NewContextRegistry()
	reg.Register("a", nil)
	time.Sleep(2 * time.Millisecond)
	reg.Register("b", nil)
	time.Sleep(2 * time.Millisecond)
	reg.Touch("a")

	evicted := reg.TrimTo(1)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, []string{"a"}, reg.IDs(), "touched context became most recently used")
}

func TestRegistryReleaseRunsCallback(t *testing.T) {
	reg := NewContextRegistry()
	ran := false
	reg.Register("a", func() { ran = true })
	reg.Release("a")
	assert.True(t, ran)
	assert.Zero(t, reg.Len())

	reg.Release("missing") // no-op
}

func TestMonitorStartDrain(t *testing.T) {
	store := &fakeStore{}
	reg := NewContextRegistry()
	m := New(slog.New(slog.DiscardHandler), reg, store, Config{
		Interval:     5 * time.Millisecond,
		CeilingBytes: 1 << 30,
		Sampler:      fixedSampler(1<<20, 10),
	})

	m.Start(context.Background())
	assert.Eventually(t, func() bool { return m.Summarize().SampleCount > 0 },
		time.Second, 5*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Drain(drainCtx)
}
