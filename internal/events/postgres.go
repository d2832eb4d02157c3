package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of [pgxpool.Pool] used by [PostgresSink].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

var _ DB = (*pgxpool.Pool)(nil)

const ddlDetections = `
CREATE TABLE IF NOT EXISTS detections (
    id          UUID PRIMARY KEY,
    stream_id   TEXT             NOT NULL,
    model       TEXT             NOT NULL,
    wake_word   TEXT             NOT NULL,
    probability DOUBLE PRECISION NOT NULL,
    detected_at TIMESTAMPTZ      NOT NULL,
    trace_id    TEXT             NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_detections_model_time
    ON detections (model, detected_at DESC);

CREATE INDEX IF NOT EXISTS idx_detections_stream
    ON detections (stream_id);
`

// Migrate creates the detections table. It is idempotent and safe to call
// on every start.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, ddlDetections); err != nil {
		return fmt.Errorf("events: migrate: %w", err)
	}
	return nil
}

// PostgresSink inserts detections into the detections table.
type PostgresSink struct {
	db DB

	mu     sync.RWMutex
	closed bool
}

var _ Sink = (*PostgresSink)(nil)

// OpenPostgres connects to dsn, pings the server and runs [Migrate].
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("events: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create pool: %w", err)
	}
	s, err := NewPostgresSink(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink pings db and runs [Migrate]. The sink owns db and closes
// it on Close.
func NewPostgresSink(ctx context.Context, db DB) (*PostgresSink, error) {
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("events: ping: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}
	return &PostgresSink{db: db}, nil
}

// Record implements [Sink].
func (s *PostgresSink) Record(ctx context.Context, d Detection) error {
	const q = `
		INSERT INTO detections
		    (id, stream_id, model, wake_word, probability, detected_at, trace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.Exec(ctx, q,
		d.ID,
		d.StreamID,
		d.Model,
		d.WakeWord,
		d.Probability,
		d.At,
		d.TraceID,
	)
	if err != nil {
		return fmt.Errorf("events: insert detection: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresSink) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Ping(ctx)
}

// Close implements [Sink]. It closes the pool.
func (s *PostgresSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.db.Close()
	}
	return nil
}
