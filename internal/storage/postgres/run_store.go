package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

// RunStore implements store.RunRepository.
type RunStore struct {
	pool  Pool
	table string
}

// NewRunStore builds a RunStore on an existing pool.
func NewRunStore(pool Pool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table, err := checkTable(table, "harvest_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the runs table if it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            uuid PRIMARY KEY,
	started_at    timestamptz NOT NULL,
	finished_at   timestamptz,
	status        text NOT NULL,
	boundary      integer NOT NULL DEFAULT 0,
	pages         bigint NOT NULL DEFAULT 0,
	records       bigint NOT NULL DEFAULT 0,
	missed        bigint NOT NULL DEFAULT 0,
	error_message text
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// StartRun inserts a running row.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// SetBoundary records the resolved boundary.
func (s *RunStore) SetBoundary(ctx context.Context, runID uuid.UUID, boundary int) error {
	query := fmt.Sprintf(`UPDATE %s SET boundary = $1 WHERE id = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, boundary, runID); err != nil {
		return fmt.Errorf("failed to set boundary: %w", err)
	}
	return nil
}

// AddRunCounts increments the run counters.
func (s *RunStore) AddRunCounts(ctx context.Context, runID uuid.UUID, delta store.RunDelta) error {
	query := fmt.Sprintf(`
UPDATE %s
SET pages = pages + $1, records = records + $2, missed = missed + $3
WHERE id = $4`, s.table)
	if _, err := s.pool.Exec(ctx, query, delta.Pages, delta.Records, delta.Missed, runID); err != nil {
		return fmt.Errorf("failed to add run counts: %w", err)
	}
	return nil
}

// FinishRun marks a run done or faulted.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, error_message = $3
WHERE id = $4`, s.table)
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, boundary, pages, records, missed, error_message`

// GetRun retrieves a single run.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY started_at DESC LIMIT $1 OFFSET $2`, runColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Boundary,
		&run.Pages,
		&run.Records,
		&run.Missed,
		&run.ErrorMessage,
	)
	run.Status = store.RunStatus(status)
	return run, err //nolint:wrapcheck // callers wrap
}

var _ store.RunRepository = (*RunStore)(nil)
