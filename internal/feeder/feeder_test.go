package feeder

import (
	"context"
	"testing"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/readlist"
	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	entries []readlist.ListItem
	err     error
}

func (f *fakeSource) FetchList(ctx context.Context) ([]readlist.ListItem, error) {
	return f.entries, f.err
}

func newFixture(t *testing.T, source ListSource) (*Feeder, *storage.DB) {
	t.Helper()
	db, err := storage.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sched := scheduler.New(db, 2, scheduler.GCConfig{}, nil)
	return New(db, source, sched), db
}

func TestSyncInsertsAndSchedules(t *testing.T) {
	source := &fakeSource{entries: []readlist.ListItem{
		{ExternalID: "1001", Title: "First", Author: "A"},
		{ExternalID: "1002", Title: "Second", Author: "B"},
		{ExternalID: "1001", Title: "First again"}, // duplicate in the feed
	}}
	f, db := newFixture(t, source)
	ctx := context.Background()

	result, err := f.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Fetched, "feed duplicates collapse")
	assert.Equal(t, 2, result.NewItems)
	assert.Equal(t, 2, result.Scheduled)

	item, err := db.GetItemByExternalID(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusNew, item.Status)
	open, err := db.HasOpenTask(ctx, item.ID, state.StageDetail)
	require.NoError(t, err)
	assert.True(t, open)
}

func TestSyncSecondPassAddsNothing(t *testing.T) {
	source := &fakeSource{entries: []readlist.ListItem{{ExternalID: "2001", Title: "Only"}}}
	f, _ := newFixture(t, source)
	ctx := context.Background()

	_, err := f.Sync(ctx)
	require.NoError(t, err)

	result, err := f.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Fetched)
	assert.Zero(t, result.NewItems)
	assert.Zero(t, result.Scheduled, "a known item is not inserted again, so nothing is scheduled")
}

func TestSyncAuthDenialIsSoft(t *testing.T) {
	source := &fakeSource{err: domerrors.NewAuthError("readlist", 403, assert.AnError)}
	f, _ := newFixture(t, source)

	result, err := f.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.AuthError)
}

func TestSyncOtherErrorsPropagate(t *testing.T) {
	source := &fakeSource{err: domerrors.NewNetworkError("list", assert.AnError)}
	f, _ := newFixture(t, source)

	_, err := f.Sync(context.Background())
	require.Error(t, err)
}

func TestScheduleBacklog(t *testing.T) {
	f, db := newFixture(t, &fakeSource{})
	ctx := context.Background()

	_, _, err := db.InsertItem(ctx, &storage.Item{ExternalID: "b-1", Title: "Backlogged"})
	require.NoError(t, err)

	scheduled, err := f.ScheduleBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)

	// Idempotent: the open task blocks a second round.
	scheduled, err = f.ScheduleBacklog(ctx)
	require.NoError(t, err)
	assert.Zero(t, scheduled)
}
