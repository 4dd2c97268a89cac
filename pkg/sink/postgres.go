package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the results table used by PostgresWriter.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS harvest_results (
    job        TEXT        NOT NULL,
    item_id    TEXT        NOT NULL,
    run_id     TEXT        NOT NULL,
    payload    JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (job, item_id)
);
`

const upsertResult = `
INSERT INTO harvest_results (job, item_id, run_id, payload, updated_at)
VALUES ($1, $2, $3, $4::jsonb, now())
ON CONFLICT (job, item_id) DO UPDATE
SET run_id = EXCLUDED.run_id, payload = EXCLUDED.payload, updated_at = now()
WHERE harvest_results.payload IS DISTINCT FROM EXCLUDED.payload
`

// PostgresWriter upserts one row per entry, keyed by job and item id.
type PostgresWriter[P any] struct {
	db    *pgxpool.Pool
	job   string
	runID string
}

// NewPostgresWriter creates a writer. EnsureSchema must have run once against db.
func NewPostgresWriter[P any](db *pgxpool.Pool, job, runID string) *PostgresWriter[P] {
	if db == nil {
		panic("postgres pool cannot be nil")
	}
	return &PostgresWriter[P]{db: db, job: job, runID: runID}
}

// EnsureSchema creates the results table if it does not exist.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("create results table: %w", err)
	}
	return nil
}

// Name implements Writer.
func (w *PostgresWriter[P]) Name() string {
	return "postgres:" + w.job
}

// Write implements Writer. All rows go out in one batch inside a transaction.
func (w *PostgresWriter[P]) Write(ctx context.Context, entries []Entry[P]) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode payload for %s: %w", e.ID, err)
		}
		batch.Queue(upsertResult, w.job, e.ID, w.runID, string(data))
	}

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert results: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
