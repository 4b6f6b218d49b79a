package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/progress"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

// TestStoreSinkPersistsEvents ensures counters are collapsed before the run is finished.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now},
		{RunID: runID, Stage: progress.StageBoundaryResolved, TS: now, Page: 12},
		{RunID: runID, Stage: progress.StageRecordStored, TS: now, Page: 1, URL: "https://x/1"},
		{RunID: runID, Stage: progress.StageRecordStored, TS: now, Page: 1, URL: "https://x/2"},
		{RunID: runID, Stage: progress.StageRecordMissed, TS: now, Page: 1, URL: "https://x/3"},
		{RunID: runID, Stage: progress.StagePageDone, TS: now, Page: 1},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"start", "boundary", "counts", "finish"}, repo.calls)
	require.Equal(t, 12, repo.boundary)
	require.Equal(t, store.RunDelta{Pages: 1, Records: 2, Missed: 1}, repo.deltas[0])
	require.Equal(t, store.RunDone, repo.status)
}

func TestStoreSinkFlushesOpenRunCounters(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StagePageDone, TS: time.Now(), Page: 2},
	}))
	require.Equal(t, []string{"counts"}, repo.calls)
}

func TestStoreSinkRecordsFaultNote(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunFaulted, TS: time.Now(), Note: "boundary resolution failed"},
	}))
	require.Equal(t, store.RunFaulted, repo.status)
	require.NotNil(t, repo.errMsg)
	require.Equal(t, "boundary resolution failed", *repo.errMsg)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeRunRepo struct {
	fail     bool
	calls    []string
	boundary int
	deltas   []store.RunDelta
	status   store.RunStatus
	errMsg   *string
}

func (f *fakeRunRepo) StartRun(context.Context, uuid.UUID, time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.calls = append(f.calls, "start")
	return nil
}

func (f *fakeRunRepo) SetBoundary(_ context.Context, _ uuid.UUID, boundary int) error {
	f.calls = append(f.calls, "boundary")
	f.boundary = boundary
	return nil
}

func (f *fakeRunRepo) AddRunCounts(_ context.Context, _ uuid.UUID, delta store.RunDelta) error {
	f.calls = append(f.calls, "counts")
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeRunRepo) FinishRun(_ context.Context, _ uuid.UUID, _ time.Time, status store.RunStatus, errMsg *string) error {
	f.calls = append(f.calls, "finish")
	f.status = status
	f.errMsg = errMsg
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, assertErr("read")
}

func (f *fakeRunRepo) ListRuns(context.Context, int, int) ([]store.Run, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
