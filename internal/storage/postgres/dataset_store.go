package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// DatasetStore mirrors compacted records into a jsonb table keyed by record
// key, so re-running a compaction never duplicates rows.
type DatasetStore struct {
	pool   Pool
	table  string
	hasher crawler.Hasher
}

// NewDatasetStore builds a DatasetStore on an existing pool.
func NewDatasetStore(pool Pool, table string, hasher crawler.Hasher) (*DatasetStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	table, err := checkTable(table, "harvested_records")
	if err != nil {
		return nil, err
	}
	return &DatasetStore{pool: pool, table: table, hasher: hasher}, nil
}

// EnsureSchema creates the records table if it does not exist.
func (s *DatasetStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	record_key text PRIMARY KEY,
	run_id     uuid NOT NULL,
	position   integer NOT NULL,
	payload    jsonb NOT NULL,
	stored_at  timestamptz NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveRecords inserts records in one transaction and returns how many rows
// were new.
func (s *DatasetStore) SaveRecords(ctx context.Context, runID string, records []crawler.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (record_key, run_id, position, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (record_key) DO NOTHING`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var inserted int64
	for i, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("marshal record %d: %w", i, err)
		}
		key, err := s.hasher.Hash(payload)
		if err != nil {
			return 0, fmt.Errorf("hash record %d: %w", i, err)
		}
		tag, err := tx.Exec(ctx, query, key, runID, i, payload)
		if err != nil {
			return 0, fmt.Errorf("insert record %d: %w", i, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}
