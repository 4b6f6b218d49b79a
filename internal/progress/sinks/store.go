package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/progress"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

// StoreSink persists run bookkeeping through a store.RunRepository. Counter
// deltas are collapsed per run before writing.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes lifecycle events in order and flushes the collapsed counters
// before any run is finished.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*store.RunDelta)
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageBoundaryResolved:
			if err := s.repo.SetBoundary(ctx, runID, evt.Page); err != nil {
				return fmt.Errorf("set boundary: %w", err)
			}
		case progress.StagePageDone:
			deltaFor(deltas, runID).Pages++
		case progress.StageRecordStored:
			deltaFor(deltas, runID).Records++
		case progress.StageRecordMissed:
			deltaFor(deltas, runID).Missed++
		case progress.StageRunDone, progress.StageRunFaulted:
			if err := s.flushRun(ctx, deltas, runID); err != nil {
				return err
			}
			status := store.RunDone
			var note *string
			if evt.Stage == progress.StageRunFaulted {
				status = store.RunFaulted
				if evt.Note != "" {
					msg := evt.Note
					note = &msg
				}
			}
			if err := s.repo.FinishRun(ctx, runID, evt.TS, status, note); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		}
	}
	for runID := range deltas {
		if err := s.flushRun(ctx, deltas, runID); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flushRun(ctx context.Context, deltas map[uuid.UUID]*store.RunDelta, runID uuid.UUID) error {
	delta, ok := deltas[runID]
	if !ok {
		return nil
	}
	delete(deltas, runID)
	if delta.IsZero() {
		return nil
	}
	if err := s.repo.AddRunCounts(ctx, runID, *delta); err != nil {
		return fmt.Errorf("add run counts: %w", err)
	}
	return nil
}

func deltaFor(deltas map[uuid.UUID]*store.RunDelta, runID uuid.UUID) *store.RunDelta {
	d := deltas[runID]
	if d == nil {
		d = &store.RunDelta{}
		deltas[runID] = d
	}
	return d
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
