package events_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/wakeword/internal/events"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if WAKEWORD_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("WAKEWORD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WAKEWORD_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestPostgresSink_Integration(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS detections"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	s, err := events.OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	d := sampleDetection()
	for range 2 {
		if err := s.Record(ctx, d); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	var count int
	var model string
	err = pool.QueryRow(ctx, "SELECT count(*), max(model) FROM detections WHERE id = $1", d.ID).Scan(&count, &model)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 || model != d.Model {
		t.Errorf("rows = %d model %q, want 1 %q", count, model, d.Model)
	}
}
