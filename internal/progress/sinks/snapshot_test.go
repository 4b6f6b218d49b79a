package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/progress"
)

func TestSnapshotSinkTracksLatestRun(t *testing.T) {
	t.Parallel()

	sink := NewSnapshotSink()
	_, ok := sink.Latest()
	require.False(t, ok)

	first := progress.UUIDToBytes(uuid.New())
	second := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: first, TS: now, Stage: progress.StageRunStart},
		{RunID: first, TS: now, Stage: progress.StageRunDone},
		{RunID: second, TS: now, Stage: progress.StageRunStart},
		{RunID: second, TS: now, Stage: progress.StageBoundaryResolved, Page: 40},
		{RunID: second, TS: now, Stage: progress.StagePageStart, Page: 3, URL: "https://x/?page=3"},
		{RunID: second, TS: now, Stage: progress.StageRecordStored, Page: 3, URL: "https://x/a"},
		{RunID: second, TS: now, Stage: progress.StageRecordSkipped, Page: 3, URL: "https://x/b"},
		{RunID: second, TS: now, Stage: progress.StageRecordMissed, Page: 3, URL: "https://x/c"},
		{RunID: second, TS: now, Stage: progress.StagePageDone, Page: 3},
	}))

	latest, ok := sink.Latest()
	require.True(t, ok)
	assert.Equal(t, uuid.UUID(second).String(), latest.RunID)
	assert.Equal(t, 40, latest.Boundary)
	assert.Equal(t, 3, latest.Page)
	assert.Equal(t, int64(1), latest.Pages)
	assert.Equal(t, int64(1), latest.Stored)
	assert.Equal(t, int64(1), latest.Skipped)
	assert.Equal(t, int64(1), latest.Missed)
	assert.Equal(t, "https://x/c", latest.LastURL)
	assert.False(t, latest.Finished)

	all := sink.All()
	require.Len(t, all, 2)
	assert.True(t, all[0].Finished)
}
