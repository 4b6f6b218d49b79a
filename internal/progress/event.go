package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart         Stage = "RUN_START"
	StageBoundaryResolved Stage = "BOUNDARY_RESOLVED"
	StagePageStart        Stage = "PAGE_START"
	StagePageDone         Stage = "PAGE_DONE"
	StagePageUnreachable  Stage = "PAGE_UNREACHABLE"
	StageRecordStored     Stage = "RECORD_STORED"
	StageRecordSkipped    Stage = "RECORD_SKIPPED"
	StageRecordMissed     Stage = "RECORD_MISSED"
	StageRunDone          Stage = "RUN_DONE"
	StageRunFaulted       Stage = "RUN_FAULTED"
)

// Event captures one crawl milestone.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Page is the listing page index, when the stage concerns one. For
	// BOUNDARY_RESOLVED it carries the boundary.
	Page int
	// URL is the listing or detail URL involved.
	URL string
	// Count carries a stage-specific quantity (links on a page, records in
	// the final dataset).
	Count int64
	// Dur is the run wall time on RUN_DONE and RUN_FAULTED.
	Dur time.Duration
	// Note holds low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunFaulted, StageBoundaryResolved:
	case StagePageStart, StagePageDone, StagePageUnreachable:
		if e.Page < 1 {
			return fmt.Errorf("%s requires a page", e.Stage)
		}
	case StageRecordStored, StageRecordSkipped, StageRecordMissed:
		if e.URL == "" {
			return fmt.Errorf("%s requires a url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
