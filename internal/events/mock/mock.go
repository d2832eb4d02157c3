// Package mock provides test doubles for [events.Sink] and [events.DB].
//
// Both mocks record every call under a mutex and expose fields that control
// their results.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/wakeword/internal/events"
)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [events.Sink].
type Sink struct {
	mu sync.Mutex

	// RecordErr, when non-nil, is returned by Record and the detection is
	// not kept.
	RecordErr error

	// CloseErr is returned by Close.
	CloseErr error

	recorded   []events.Detection
	attempts   int
	closeCalls int
}

var _ events.Sink = (*Sink)(nil)

// Record implements [events.Sink].
func (s *Sink) Record(_ context.Context, d events.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.RecordErr != nil {
		return s.RecordErr
	}
	s.recorded = append(s.recorded, d)
	return nil
}

// Close implements [events.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return s.CloseErr
}

// SetRecordErr changes RecordErr while the sink is in use.
func (s *Sink) SetRecordErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordErr = err
}

// Recorded returns a copy of the successfully recorded detections.
func (s *Sink) Recorded() []events.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.recorded)
}

// RecordAttempts returns how many times Record was called.
func (s *Sink) RecordAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// CloseCallCount returns how many times Close was called.
func (s *Sink) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── DB ───────────────────────────────────────────────────────────────────────

// Exec records one call to [DB.Exec].
type Exec struct {
	SQL  string
	Args []any
}

// DB is a mock implementation of [events.DB].
type DB struct {
	mu sync.Mutex

	// ExecErr, when non-nil, is returned by Exec.
	ExecErr error

	// PingErr, when non-nil, is returned by Ping.
	PingErr error

	execs      []Exec
	pingCalls  int
	closeCalls int
}

var _ events.DB = (*DB)(nil)

// Exec implements [events.DB].
func (db *DB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, Exec{SQL: sql, Args: slices.Clone(args)})
	if db.ExecErr != nil {
		return pgconn.CommandTag{}, db.ExecErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

// Ping implements [events.DB].
func (db *DB) Ping(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pingCalls++
	return db.PingErr
}

// Close implements [events.DB].
func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closeCalls++
}

// SetExecErr changes ExecErr while the DB is in use.
func (db *DB) SetExecErr(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.ExecErr = err
}

// Execs returns a copy of every Exec call.
func (db *DB) Execs() []Exec {
	db.mu.Lock()
	defer db.mu.Unlock()
	return slices.Clone(db.execs)
}

// PingCallCount returns how many times Ping was called.
func (db *DB) PingCallCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pingCalls
}

// CloseCallCount returns how many times Close was called.
func (db *DB) CloseCallCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closeCalls
}
