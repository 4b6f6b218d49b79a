package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards events.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}

// RunEmitter stamps events with a run ID and the current time.
type RunEmitter struct {
	emitter Emitter
	runID   [16]byte
	now     func() time.Time
}

// NewRunEmitter binds an emitter to a run. A nil emitter discards events.
func NewRunEmitter(emitter Emitter, runID uuid.UUID, now func() time.Time) *RunEmitter {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RunEmitter{emitter: emitter, runID: UUIDToBytes(runID), now: now}
}

// Emit fills RunID and TS, then forwards the event.
func (r *RunEmitter) Emit(evt Event) {
	evt.RunID = r.runID
	if evt.TS.IsZero() {
		evt.TS = r.now()
	}
	r.emitter.Emit(evt)
}
