package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the harvest_runs status column.
type RunStatus string

// Run statuses persisted in harvest_runs.status.
const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFaulted RunStatus = "faulted"
)

// Run models one row of harvest_runs.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Boundary   int        `json:"boundary"`
	Pages      int64      `json:"pages"`
	Records    int64      `json:"records"`
	Missed     int64      `json:"missed"`
	// ErrorMessage is set for faulted runs.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// RunDelta is an increment of a run's counters.
type RunDelta struct {
	Pages   int64
	Records int64
	Missed  int64
}

// IsZero reports whether the delta changes nothing.
func (d RunDelta) IsZero() bool {
	return d.Pages == 0 && d.Records == 0 && d.Missed == 0
}

// RunRepository persists run bookkeeping.
type RunRepository interface {
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	SetBoundary(ctx context.Context, runID uuid.UUID, boundary int) error
	AddRunCounts(ctx context.Context, runID uuid.UUID, delta RunDelta) error
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
}
