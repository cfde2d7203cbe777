package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(),
		filepath.Join(t.TempDir(), "checkpoints.db"),
		slog.New(slog.DiscardHandler), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

type execState struct {
	CurrentPhase int            `json:"current_phase"`
	Completed    []string       `json:"completed"`
	Results      map[string]any `json:"results"`
}

func TestCreateRestoreRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	in := execState{
		CurrentPhase: 2,
		Completed:    []string{"fetch", "parse"},
		Results:      map[string]any{"fetch": "ok"},
	}
	m, err := s.Create(ctx, "run-1", "after-phase-2", in, map[string]string{"trigger": "manual"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "run-1", m.ScopeID)
	assert.Positive(t, m.SizeBytes)

	cp, err := s.Restore(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, cp.Degraded)
	assert.Equal(t, m.ID, cp.ID)
	assert.Equal(t, map[string]string{"trigger": "manual"}, cp.Meta)

	var out execState
	require.NoError(t, json.Unmarshal(cp.Payload, &out))
	assert.Equal(t, in, out)
}

func TestRestoreUnknownID(t *testing.T) {
	s := testStore(t)
	_, err := s.Restore(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestPicksNewest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "run-1", "first", map[string]int{"phase": 1}, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := s.Create(ctx, "run-1", "second", map[string]int{"phase": 2}, nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "run-other", "noise", map[string]int{"phase": 9}, nil)
	require.NoError(t, err)

	cp, err := s.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, cp.ID)
	assert.Equal(t, "second", cp.Label)

	_, err = s.Latest(ctx, "run-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorruptBlobRestoresDegraded(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m, err := s.Create(ctx, "run-1", "snap", map[string]any{"phase": 3.0, "status": "running"}, nil)
	require.NoError(t, err)

	// Break the stored checksum so decode rejects the blob.
	_, err = s.db.ExecContext(ctx, `UPDATE checkpoints SET crc32c = crc32c + 1 WHERE id = ?`, m.ID)
	require.NoError(t, err)

	cp, err := s.Restore(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, cp.Degraded)
	assert.Nil(t, cp.Payload)
	// Salvage recovers the envelope's top-level fields.
	require.NotEmpty(t, cp.Salvaged)
	assert.Equal(t, "run-1", cp.Salvaged["scope_id"])
}

func TestUnsalvageableBlobFails(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m, err := s.Create(ctx, "run-1", "snap", map[string]int{"phase": 1}, nil)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE checkpoints SET payload = X'DEADBEEF' WHERE id = ?`, m.ID)
	require.NoError(t, err)

	_, err = s.Restore(ctx, m.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestSweepRemovesExpired(t *testing.T) {
	s := testStore(t, WithRetention(time.Hour))
	ctx := context.Background()

	old, err := s.Create(ctx, "run-1", "old", map[string]int{"phase": 1}, nil)
	require.NoError(t, err)
	fresh, err := s.Create(ctx, "run-1", "fresh", map[string]int{"phase": 2}, nil)
	require.NoError(t, err)

	// Backdate the first checkpoint past the retention window.
	backdated := time.Now().UTC().Add(-2 * time.Hour)
	_, err = s.db.ExecContext(ctx,
		`UPDATE checkpoints SET created_at = ? WHERE id = ?`, backdated.UnixNano(), old.ID)
	require.NoError(t, err)
	s.mu.Lock()
	m := s.index[old.ID]
	m.CreatedAt = backdated
	s.index[old.ID] = m
	s.mu.Unlock()

	deleted, err := s.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, s.Count())

	_, err = s.Restore(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Restore(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestShrinkHalvesRetention(t *testing.T) {
	s := testStore(t, WithRetention(8*time.Hour))
	ctx := context.Background()

	got, err := s.Shrink(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, got)
	assert.Equal(t, 4*time.Hour, s.Retention())

	// Repeated shrinks bottom out at the floor.
	for i := 0; i < 20; i++ {
		_, err = s.Shrink(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, minRetention, s.Retention())
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.db")
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	s, err := Open(ctx, path, logger)
	require.NoError(t, err)
	m, err := s.Create(ctx, "run-1", "snap", map[string]int{"phase": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	reopened, err := Open(ctx, path, logger)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	assert.Equal(t, 1, reopened.Count())
	list := reopened.List("run-1")
	require.Len(t, list, 1)
	assert.Equal(t, m.ID, list[0].ID)
	assert.Equal(t, m.SizeBytes, list[0].SizeBytes)
}

func TestListNewestFirstAndFootprint(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var total int64
	for i, label := range []string{"a", "b", "c"} {
		m, err := s.Create(ctx, "run-1", label, map[string]int{"i": i}, nil)
		require.NoError(t, err)
		total += m.SizeBytes
		time.Sleep(2 * time.Millisecond)
	}

	list := s.List("run-1")
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].Label)
	assert.Equal(t, "a", list[2].Label)
	assert.Equal(t, total, s.Footprint())
}
