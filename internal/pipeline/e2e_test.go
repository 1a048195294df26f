package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/pipeline"
	"github.com/shelfsync/shelfsync/internal/quota"
	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/stages"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type detailSourceStub struct{ detail stages.ItemDetail }

func (d *detailSourceStub) FetchDetail(ctx context.Context, item *storage.Item) (*stages.ItemDetail, error) {
	copied := d.detail
	return &copied, nil
}

type mirrorStub struct {
	mu         sync.Mutex
	candidates []stages.SearchCandidate
	searchErr  error
	dir        string
	downloads  int
}

func (m *mirrorStub) Search(ctx context.Context, q stages.SearchQuery) ([]stages.SearchCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.candidates, nil
}

func (m *mirrorStub) Download(ctx context.Context, req stages.DownloadRequest, destDir string) (stages.DownloadedFile, error) {
	m.mu.Lock()
	m.downloads++
	n := m.downloads
	m.mu.Unlock()

	path := filepath.Join(m.dir, "artifact-"+strconv.Itoa(n)+".epub")
	payload := make([]byte, 1024)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return stages.DownloadedFile{}, err
	}
	return stages.DownloadedFile{Path: path, Size: int64(len(payload))}, nil
}

type libraryStub struct {
	mu      sync.Mutex
	match   *stages.LibraryMatch
	uploads int
}

func (l *libraryStub) FindBestMatch(ctx context.Context, title, author, isbn string) (*stages.LibraryMatch, error) {
	return l.match, nil
}

func (l *libraryStub) Upload(ctx context.Context, filePath string, meta stages.UploadMetadata) (*stages.UploadReceipt, error) {
	l.mu.Lock()
	l.uploads++
	l.mu.Unlock()
	return &stages.UploadReceipt{LibraryID: 77}, nil
}

type quotaSource struct {
	mu        sync.Mutex
	remaining int
}

func (q *quotaSource) Quota(ctx context.Context) (quota.Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return quota.Snapshot{Remaining: q.remaining, DailyLimit: 10}, nil
}

func (q *quotaSource) set(n int) {
	q.mu.Lock()
	q.remaining = n
	q.mu.Unlock()
}

// ---- fixture ----

type engine struct {
	db       *storage.DB
	stateMgr *state.Manager
	sched    *scheduler.Scheduler
	mgr      *pipeline.Manager
	quotaMgr *quota.Manager
	source   *quotaSource
	mirror   *mirrorStub
	library  *libraryStub
}

func newEngine(t *testing.T, quotaRemaining, quotaCheckEvery int) *engine {
	t.Helper()
	db, err := storage.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stateMgr := state.NewManager(db)
	sched := scheduler.New(db, 4, scheduler.GCConfig{}, nil)
	stateMgr.SetScheduler(sched)

	source := &quotaSource{remaining: quotaRemaining}
	quotaMgr := quota.NewManager(source, 50*time.Millisecond)
	_, err = quotaMgr.GetCurrentQuota(context.Background(), false)
	require.NoError(t, err)

	dir := t.TempDir()
	mirror := &mirrorStub{
		dir: dir,
		candidates: []stages.SearchCandidate{{
			ExternalID: "m-1", Title: "T", Authors: "A", Extension: "epub",
			DownloadURL: "https://mirror/dl/1",
		}},
	}
	library := &libraryStub{}

	mgr := pipeline.NewManager(db, stateMgr, quotaMgr, sched, quotaCheckEvery, nil)
	mgr.RegisterStage(stages.NewDetailStage(&detailSourceStub{detail: stages.ItemDetail{Author: "A"}}))
	mgr.RegisterStage(stages.NewSearchStage(mirror, library, 0.6, nil))
	mgr.RegisterStage(stages.NewDownloadStage(db, mirror, quotaMgr, dir, nil))
	mgr.RegisterStage(stages.NewUploadStage(library, nil))
	mgr.Start()

	return &engine{
		db: db, stateMgr: stateMgr, sched: sched, mgr: mgr,
		quotaMgr: quotaMgr, source: source, mirror: mirror, library: library,
	}
}

func (e *engine) seed(t *testing.T, externalID, title string, status storage.Status) int64 {
	t.Helper()
	ctx := context.Background()
	id, _, err := e.db.InsertItem(ctx, &storage.Item{ExternalID: externalID, Title: title, Author: "A"})
	require.NoError(t, err)
	if status != storage.StatusNew {
		require.NoError(t, e.db.InTx(ctx, func(tx *storage.Tx) error {
			return tx.UpdateItemStatus(ctx, id, status, "")
		}))
	}
	return id
}

func (e *engine) seedQueueEntry(t *testing.T, itemID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.InTx(ctx, func(tx *storage.Tx) error {
		_, err := tx.UpsertSearchResult(ctx, &storage.SearchResult{
			ItemID: itemID, ExternalID: "m-" + strconv.FormatInt(itemID, 10),
			Title: "T", Authors: "A", Extension: "epub",
			DownloadURL: "https://mirror/dl/1", MatchScore: 0.92, IsAvailable: true,
		})
		if err != nil {
			return err
		}
		results, err := tx.ListSearchResults(ctx, itemID)
		if err != nil {
			return err
		}
		_, err = tx.InsertQueueEntry(ctx, &storage.QueueEntry{
			ItemID: itemID, SearchResultID: results[0].ID,
			DownloadURL: "https://mirror/dl/1", Priority: 92,
		})
		return err
	}))
}

func waitForStatus(t *testing.T, db *storage.DB, id int64, want storage.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		item, err := db.GetItem(context.Background(), id)
		require.NoError(t, err)
		if item.Status == want {
			return
		}
		if item.Status == storage.StatusFailedPermanent && want != storage.StatusFailedPermanent {
			t.Fatalf("item %d failed permanently: %s", id, item.ErrorMessage)
		}
		time.Sleep(100 * time.Millisecond)
	}
	item, _ := db.GetItem(context.Background(), id)
	t.Fatalf("item %d never reached %s (stuck at %s)", id, want, item.Status)
}

// ---- scenarios ----

func TestHappyPathEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end run takes tens of seconds")
	}

	e := newEngine(t, 5, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := e.seed(t, "e2e-1", "T", storage.StatusNew)
	_, err := e.sched.Schedule(ctx, id, state.StageDetail, scheduler.Options{})
	require.NoError(t, err)

	e.sched.Start(ctx)
	defer e.sched.Stop(context.Background())

	waitForStatus(t, e.db, id, storage.StatusCompleted, 90*time.Second)

	history, err := e.db.HistoryForItem(ctx, id)
	require.NoError(t, err)

	var path []storage.Status
	for i := len(history) - 1; i >= 0; i-- {
		path = append(path, history[i].NewStatus)
	}
	assert.Equal(t, []storage.Status{
		storage.StatusDetailFetching,
		storage.StatusDetailComplete,
		storage.StatusSearchQueued,
		storage.StatusSearchActive,
		storage.StatusSearchComplete,
		storage.StatusDownloadQueued,
		storage.StatusDownloadActive,
		storage.StatusDownloadComplete,
		storage.StatusUploadQueued,
		storage.StatusUploadActive,
		storage.StatusUploadComplete,
		storage.StatusCompleted,
	}, path)

	// Every edge in the history is a legal one.
	for _, entry := range history {
		require.NotNil(t, entry.OldStatus)
		assert.True(t, state.IsValidTransition(*entry.OldStatus, entry.NewStatus),
			"illegal edge %s -> %s", *entry.OldStatus, entry.NewStatus)
	}

	assert.Equal(t, 1, e.library.uploads)
	rec, err := e.db.GetSuccessfulDownload(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.LibraryID)
	assert.EqualValues(t, 77, *rec.LibraryID)
}

func TestAlreadyInLibrarySkips(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end run takes tens of seconds")
	}

	e := newEngine(t, 5, 100)
	e.library.match = &stages.LibraryMatch{LibraryID: 42, Score: 0.95}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := e.seed(t, "e2e-2", "T", storage.StatusNew)
	_, err := e.sched.Schedule(ctx, id, state.StageDetail, scheduler.Options{})
	require.NoError(t, err)

	e.sched.Start(ctx)
	defer e.sched.Stop(context.Background())

	waitForStatus(t, e.db, id, storage.StatusSkippedExists, 60*time.Second)

	// No download task was ever created for the item.
	open, err := e.db.HasOpenTask(ctx, id, state.StageDownload)
	require.NoError(t, err)
	assert.False(t, open)
	entry, err := e.db.GetQueueEntry(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Zero(t, e.library.uploads)
}

func TestQuotaExhaustionAndRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end run takes tens of seconds")
	}

	// Quota starts empty; the gate cadence is high so the stage itself
	// parks items instead of pausing.
	e := newEngine(t, 0, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []int64
	for i := 0; i < 3; i++ {
		id := e.seed(t, "e2e-q"+strconv.Itoa(i), "T", storage.StatusSearchComplete)
		e.seedQueueEntry(t, id)
		ids = append(ids, id)
	}

	e.sched.Start(ctx)
	defer e.sched.Stop(context.Background())

	for _, id := range ids {
		_, err := e.sched.Schedule(ctx, id, state.StageDownload, scheduler.Options{})
		require.NoError(t, err)
	}

	// All three park while quota is spent; no download tasks remain.
	for _, id := range ids {
		waitForStatus(t, e.db, id, storage.StatusSearchCompleteQuotaExhausted, 30*time.Second)
	}
	for _, id := range ids {
		open, err := e.db.HasOpenTask(ctx, id, state.StageDownload)
		require.NoError(t, err)
		assert.False(t, open)
	}

	// The remote allowance returns; the next quota check requeues them.
	e.source.set(5)
	time.Sleep(100 * time.Millisecond) // let the cache TTL lapse
	e.mgr.RecoverQuota(ctx)

	for _, id := range ids {
		waitForStatus(t, e.db, id, storage.StatusCompleted, 90*time.Second)
	}
	assert.Equal(t, 3, e.library.uploads)
}

func TestSearchNotFoundSettlesAsNoResults(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end run takes tens of seconds")
	}

	e := newEngine(t, 5, 100)
	e.mirror.searchErr = domerrors.NewResourceNotFoundError("mirror", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := e.seed(t, "e2e-nf", "T", storage.StatusSearchQueued)
	_, err := e.sched.Schedule(ctx, id, state.StageSearch, scheduler.Options{})
	require.NoError(t, err)

	e.sched.Start(ctx)
	defer e.sched.Stop(context.Background())

	waitForStatus(t, e.db, id, storage.StatusSearchNoResults, 30*time.Second)

	// One attempt, no retry: the task completed instead of requeueing.
	tasks, err := e.db.ListTasksByStatuses(ctx, []storage.TaskStatus{storage.TaskQueued, storage.TaskActive})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
