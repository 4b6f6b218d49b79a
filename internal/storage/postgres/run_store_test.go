package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

func newRunStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	rs, err := NewRunStore(mock, "")
	require.NoError(t, err)
	return rs, mock
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	rs, mock := newRunStore(t)
	ctx := context.Background()
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	msg := "boundary probe failed"

	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs(runID, started, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE harvest_runs SET boundary").
		WithArgs(42, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE harvest_runs").
		WithArgs(int64(2), int64(30), int64(1), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE harvest_runs").
		WithArgs(finished, store.RunFaulted, &msg, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, rs.StartRun(ctx, runID, started))
	require.NoError(t, rs.SetBoundary(ctx, runID, 42))
	require.NoError(t, rs.AddRunCounts(ctx, runID, store.RunDelta{Pages: 2, Records: 30, Missed: 1}))
	require.NoError(t, rs.FinishRun(ctx, runID, finished, store.RunFaulted, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()

	rs, mock := newRunStore(t)
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	rows := pgxmock.NewRows([]string{
		"id", "started_at", "finished_at", "status", "boundary", "pages", "records", "missed", "error_message",
	}).AddRow(runID, started, &finished, "done", 12, int64(12), int64(240), int64(0), (*string)(nil))
	mock.ExpectQuery("SELECT (.+) FROM harvest_runs WHERE id").
		WithArgs(runID).
		WillReturnRows(rows)

	run, err := rs.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runID, run.ID)
	require.Equal(t, store.RunDone, run.Status)
	require.Equal(t, 12, run.Boundary)
	require.Equal(t, int64(240), run.Records)
	require.NotNil(t, run.FinishedAt)
	require.Nil(t, run.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRunNotFound(t *testing.T) {
	t.Parallel()

	rs, mock := newRunStore(t)
	runID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM harvest_runs WHERE id").
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)

	_, err := rs.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	rs, mock := newRunStore(t)
	started := time.Unix(1700000000, 0).UTC()
	a, b := uuid.New(), uuid.New()

	rows := pgxmock.NewRows([]string{
		"id", "started_at", "finished_at", "status", "boundary", "pages", "records", "missed", "error_message",
	}).
		AddRow(b, started.Add(time.Hour), (*time.Time)(nil), "running", 0, int64(0), int64(0), int64(0), (*string)(nil)).
		AddRow(a, started, &started, "done", 3, int64(3), int64(60), int64(2), (*string)(nil))
	mock.ExpectQuery("SELECT (.+) FROM harvest_runs ORDER BY started_at DESC").
		WithArgs(10, 0).
		WillReturnRows(rows)

	runs, err := rs.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, b, runs[0].ID)
	require.Equal(t, store.RunRunning, runs[0].Status)
	require.Nil(t, runs[0].FinishedAt)
	require.Equal(t, int64(2), runs[1].Missed)
	require.NoError(t, mock.ExpectationsWereMet())
}
