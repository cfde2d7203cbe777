// Package checkpoint persists execution state snapshots in an embedded
// SQLite database: versioned envelopes, gzip compression, CRC32C integrity,
// a metadata-only in-memory index, and a background retention sweep.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	_ "modernc.org/sqlite"

	"github.com/hikaeru-ai/nagare/internal/telemetry"
)

// ErrNotFound is returned when no checkpoint exists for the requested ID or
// scope.
var ErrNotFound = errors.New("checkpoint: not found")

const (
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = time.Hour
	minRetention         = time.Minute
)

// Metadata is the in-memory view of a stored checkpoint. Payloads stay on
// disk until restored.
type Metadata struct {
	ID        string    `json:"checkpoint_id"`
	ScopeID   string    `json:"scope_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Checkpoint is a restored snapshot. When the stored blob failed integrity
// checks, Degraded is true, Payload is nil, and Salvaged holds whatever
// top-level fields could be recovered.
type Checkpoint struct {
	Metadata
	Meta     map[string]string `json:"meta,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Degraded bool              `json:"degraded"`
	Salvaged map[string]any    `json:"salvaged,omitempty"`
}

// Store owns the checkpoint database and its retention sweep loop.
type Store struct {
	db            *sql.DB
	logger        *slog.Logger
	sweepInterval time.Duration

	mu        sync.Mutex
	retention time.Duration
	index     map[string]Metadata

	cancelLoop context.CancelFunc
	done       chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long checkpoints are kept before the sweep removes
// them.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// Open opens (creating if needed) the checkpoint database at path and loads
// the metadata index.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent checkpoint creation.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:            db,
		logger:        logger,
		retention:     defaultRetention,
		sweepInterval: defaultSweepInterval,
		index:         make(map[string]Metadata),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadIndex(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id         TEXT PRIMARY KEY,
			scope_id   TEXT NOT NULL,
			label      TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL,
			crc32c     INTEGER NOT NULL,
			payload    BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_scope ON checkpoints (scope_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return nil
}

// loadIndex rebuilds the metadata index from disk. Payloads are not read.
func (s *Store) loadIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope_id, label, created_at, size_bytes FROM checkpoints`)
	if err != nil {
		return fmt.Errorf("checkpoint: load index: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var m Metadata
		var createdUnix int64
		if err := rows.Scan(&m.ID, &m.ScopeID, &m.Label, &createdUnix, &m.SizeBytes); err != nil {
			return fmt.Errorf("checkpoint: scan index row: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdUnix).UTC()
		s.index[m.ID] = m
	}
	return rows.Err()
}

// Create persists a new checkpoint for scopeID. payload must be
// JSON-marshalable; meta is an optional caller-owned annotation map stored
// inside the envelope, not in the index.
func (s *Store) Create(ctx context.Context, scopeID, label string, payload any, meta map[string]string) (Metadata, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Metadata{}, fmt.Errorf("checkpoint: marshal payload: %w", err)
	}

	m := Metadata{
		ID:        uuid.New().String(),
		ScopeID:   scopeID,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	blob, crc, err := encode(envelope{
		Version:   envelopeVersion,
		ScopeID:   scopeID,
		Label:     label,
		CreatedAt: m.CreatedAt,
		Meta:      meta,
		Payload:   raw,
	})
	if err != nil {
		return Metadata{}, err
	}
	m.SizeBytes = int64(len(blob))

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, scope_id, label, created_at, size_bytes, crc32c, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ScopeID, m.Label, m.CreatedAt.UnixNano(), m.SizeBytes, int64(crc), blob,
	)
	if err != nil {
		return Metadata{}, fmt.Errorf("checkpoint: insert: %w", err)
	}

	s.mu.Lock()
	s.index[m.ID] = m
	s.mu.Unlock()

	s.logger.Info("checkpoint: created",
		"checkpoint_id", m.ID, "scope_id", scopeID, "label", label, "size_bytes", m.SizeBytes)
	return m, nil
}

// Restore loads the checkpoint with the given ID. A blob that fails integrity
// or decode checks is returned degraded, with whatever top-level fields could
// be salvaged, rather than failing outright.
func (s *Store) Restore(ctx context.Context, id string) (*Checkpoint, error) {
	var (
		m           Metadata
		createdUnix int64
		crc         int64
		blob        []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scope_id, label, created_at, size_bytes, crc32c, payload
		 FROM checkpoints WHERE id = ?`, id,
	).Scan(&m.ID, &m.ScopeID, &m.Label, &createdUnix, &m.SizeBytes, &crc, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: restore %s: %w", id, err)
	}
	m.CreatedAt = time.Unix(0, createdUnix).UTC()

	env, err := decode(blob, uint32(crc))
	if err != nil {
		fields, ok := salvage(blob)
		if !ok {
			return nil, fmt.Errorf("checkpoint: restore %s: %w", id, err)
		}
		s.logger.Warn("checkpoint: restored degraded",
			"checkpoint_id", id, "scope_id", m.ScopeID, "error", err)
		return &Checkpoint{Metadata: m, Degraded: true, Salvaged: fields}, nil
	}

	return &Checkpoint{Metadata: m, Meta: env.Meta, Payload: env.Payload}, nil
}

// Latest restores the most recent checkpoint for scopeID.
func (s *Store) Latest(ctx context.Context, scopeID string) (*Checkpoint, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM checkpoints WHERE scope_id = ? ORDER BY created_at DESC LIMIT 1`,
		scopeID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: scope %s", ErrNotFound, scopeID)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: latest for %s: %w", scopeID, err)
	}
	return s.Restore(ctx, id)
}

// List returns metadata for every stored checkpoint in scopeID, newest first.
// Pass an empty scope for all checkpoints.
func (s *Store) List(scopeID string) []Metadata {
	s.mu.Lock()
	out := make([]Metadata, 0, len(s.index))
	for _, m := range s.index {
		if scopeID == "" || m.ScopeID == scopeID {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes one checkpoint. Deleting a missing ID is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
	return nil
}

// SweepNow removes every checkpoint older than the retention window and
// returns how many were deleted.
func (s *Store) SweepNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	cutoff := time.Now().UTC().Add(-s.retention)
	s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("checkpoint: sweep: %w", err)
	}
	n, _ := res.RowsAffected()

	s.mu.Lock()
	for id, m := range s.index {
		if m.CreatedAt.Before(cutoff) {
			delete(s.index, id)
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("checkpoint: sweep removed expired checkpoints",
			"deleted", n, "cutoff", cutoff)
	}
	return int(n), nil
}

// Shrink halves the retention window (never below one minute) and sweeps
// immediately. Called under memory pressure to shed disk and index weight.
func (s *Store) Shrink(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	s.retention /= 2
	if s.retention < minRetention {
		s.retention = minRetention
	}
	retention := s.retention
	s.mu.Unlock()

	s.logger.Warn("checkpoint: retention shrunk under memory pressure", "retention", retention)
	if _, err := s.SweepNow(ctx); err != nil {
		return retention, err
	}
	return retention, nil
}

// Retention returns the current retention window.
func (s *Store) Retention() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retention
}

// Count returns the number of indexed checkpoints.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Footprint returns the total on-disk size of all indexed checkpoints.
func (s *Store) Footprint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, m := range s.index {
		total += m.SizeBytes
	}
	return total
}

// Start begins the background retention sweep and registers OTEL metrics.
// Call Drain to stop.
func (s *Store) Start(ctx context.Context) {
	s.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.sweepLoop(loopCtx)
}

func (s *Store) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(s.done)
			return
		case <-ticker.C:
			if _, err := s.SweepNow(ctx); err != nil {
				s.logger.Error("checkpoint: background sweep failed", "error", err)
			}
		}
	}
}

// Drain stops the sweep loop and waits for it to exit.
func (s *Store) Drain(ctx context.Context) {
	if s.cancelLoop == nil {
		return
	}
	s.cancelLoop()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("checkpoint: drain timed out waiting for sweep loop")
	}
}

// Close drains the sweep loop and closes the database.
func (s *Store) Close(ctx context.Context) error {
	s.Drain(ctx)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("checkpoint: close database: %w", err)
	}
	return nil
}

// registerMetrics registers observable OTEL gauges for store health monitoring.
func (s *Store) registerMetrics() {
	meter := telemetry.Meter("nagare/checkpoint")

	_, _ = meter.Int64ObservableGauge("nagare.checkpoint.count",
		metric.WithDescription("Number of stored checkpoints"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.Count()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("nagare.checkpoint.bytes",
		metric.WithDescription("Total compressed size of stored checkpoints"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Footprint())
			return nil
		}),
	)
}
