package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/progress"
)

// Snapshot is the latest known state of a run.
type Snapshot struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Boundary  int       `json:"boundary"`
	Page      int       `json:"page"`
	Pages     int64     `json:"pages_done"`
	Stored    int64     `json:"records_stored"`
	Skipped   int64     `json:"records_skipped"`
	Missed    int64     `json:"records_missed"`
	LastURL   string    `json:"last_url,omitempty"`
	Finished  bool      `json:"finished"`
	Note      string    `json:"note,omitempty"`
}

// SnapshotSink keeps an in-memory Snapshot per run for the status API.
type SnapshotSink struct {
	mu    sync.RWMutex
	runs  map[[16]byte]*Snapshot
	order [][16]byte
}

// NewSnapshotSink constructs an empty SnapshotSink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{runs: make(map[[16]byte]*Snapshot)}
}

// Consume folds the batch into the per-run snapshots.
func (s *SnapshotSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		snap := s.runs[evt.RunID]
		if snap == nil {
			snap = &Snapshot{RunID: evt.RunUUID().String(), StartedAt: evt.TS}
			s.runs[evt.RunID] = snap
			s.order = append(s.order, evt.RunID)
		}
		snap.Stage = string(evt.Stage)
		snap.UpdatedAt = evt.TS
		if evt.URL != "" {
			snap.LastURL = evt.URL
		}
		switch evt.Stage {
		case progress.StageBoundaryResolved:
			snap.Boundary = evt.Page
		case progress.StagePageStart:
			snap.Page = evt.Page
		case progress.StagePageDone:
			snap.Pages++
		case progress.StageRecordStored:
			snap.Stored++
		case progress.StageRecordSkipped:
			snap.Skipped++
		case progress.StageRecordMissed:
			snap.Missed++
		case progress.StageRunDone, progress.StageRunFaulted:
			snap.Finished = true
			snap.Note = evt.Note
		}
	}
	return nil
}

// Latest returns a copy of the most recently started run's snapshot.
func (s *SnapshotSink) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return Snapshot{}, false
	}
	return *s.runs[s.order[len(s.order)-1]], true
}

// All returns copies of every snapshot in start order.
func (s *SnapshotSink) All() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.runs[id])
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *SnapshotSink) Close(context.Context) error {
	return nil
}
