package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/pipeline"
	"github.com/shelfsync/shelfsync/internal/quota"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type fakeDetailSource struct {
	detail *ItemDetail
	err    error
}

func (f *fakeDetailSource) FetchDetail(ctx context.Context, item *storage.Item) (*ItemDetail, error) {
	return f.detail, f.err
}

type fakeMirror struct {
	searchResults map[int][]SearchCandidate // keyed by call ordinal
	searchErr     error
	searchCalls   int
	queries       []SearchQuery

	file        DownloadedFile
	downloadErr error
}

func (f *fakeMirror) Search(ctx context.Context, q SearchQuery) ([]SearchCandidate, error) {
	f.searchCalls++
	f.queries = append(f.queries, q)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchResults[f.searchCalls], nil
}

func (f *fakeMirror) Download(ctx context.Context, req DownloadRequest, destDir string) (DownloadedFile, error) {
	if f.downloadErr != nil {
		return DownloadedFile{}, f.downloadErr
	}
	return f.file, nil
}

type fakeLibrary struct {
	match      *LibraryMatch
	matchErr   error
	receipt    *UploadReceipt
	uploadErr  error
	uploadedTo string
}

func (f *fakeLibrary) FindBestMatch(ctx context.Context, title, author, isbn string) (*LibraryMatch, error) {
	return f.match, f.matchErr
}

func (f *fakeLibrary) Upload(ctx context.Context, filePath string, meta UploadMetadata) (*UploadReceipt, error) {
	f.uploadedTo = filePath
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return f.receipt, nil
}

type quotaSourceStub struct{ remaining int }

func (q *quotaSourceStub) Quota(ctx context.Context) (quota.Snapshot, error) {
	return quota.Snapshot{Remaining: q.remaining, DailyLimit: 10}, nil
}

// ---- helpers ----

func newDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedItem(t *testing.T, db *storage.DB, status storage.Status, item storage.Item) *storage.Item {
	t.Helper()
	ctx := context.Background()
	if item.ExternalID == "" {
		item.ExternalID = "ext-" + string(status) + item.Title
	}
	id, _, err := db.InsertItem(ctx, &item)
	require.NoError(t, err)
	if status != storage.StatusNew {
		require.NoError(t, db.InTx(ctx, func(tx *storage.Tx) error {
			return tx.UpdateItemStatus(ctx, id, status, "")
		}))
	}
	stored, err := db.GetItem(ctx, id)
	require.NoError(t, err)
	return stored
}

func runStage(t *testing.T, db *storage.DB, st pipeline.Stage, item *storage.Item) (pipeline.Result, error) {
	t.Helper()
	var result pipeline.Result
	var stageErr error
	err := db.InTx(context.Background(), func(tx *storage.Tx) error {
		result, stageErr = st.Process(context.Background(), item, tx)
		return stageErr
	})
	if stageErr != nil {
		return result, stageErr
	}
	require.NoError(t, err)
	return result, nil
}

func seedQueueEntry(t *testing.T, db *storage.DB, itemID int64, downloadURL string, score float64, ext string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.InTx(ctx, func(tx *storage.Tx) error {
		_, err := tx.UpsertSearchResult(ctx, &storage.SearchResult{
			ItemID: itemID, ExternalID: "m-1", Title: "T", Authors: "A",
			Extension: ext, DownloadURL: downloadURL, MatchScore: score, IsAvailable: true,
		})
		if err != nil {
			return err
		}
		results, err := tx.ListSearchResults(ctx, itemID)
		if err != nil {
			return err
		}
		_, err = tx.InsertQueueEntry(ctx, &storage.QueueEntry{
			ItemID: itemID, SearchResultID: results[0].ID, DownloadURL: downloadURL,
			Priority: int(score * 100),
		})
		return err
	}))
}

// ---- detail stage ----

func TestDetailStageFillsItem(t *testing.T) {
	db := newDB(t)
	st := NewDetailStage(&fakeDetailSource{detail: &ItemDetail{
		Author: "Ursula K. Le Guin", Publisher: "Ace", PublishDate: "1969", ISBN: "9780441478125",
	}})

	item := seedItem(t, db, storage.StatusDetailFetching, storage.Item{Title: "The Left Hand of Darkness"})
	require.True(t, st.CanProcess(context.Background(), item, nil))

	result, err := runStage(t, db, st, item)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, storage.StatusDetailComplete, st.NextState(true))

	stored, err := db.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ursula K. Le Guin", stored.Author)
	assert.Equal(t, "9780441478125", stored.ISBN)
}

func TestDetailStagePropagatesAuthError(t *testing.T) {
	db := newDB(t)
	authErr := domerrors.NewAuthError("readlist", 403, assert.AnError)
	st := NewDetailStage(&fakeDetailSource{err: authErr})

	item := seedItem(t, db, storage.StatusDetailFetching, storage.Item{Title: "Blocked"})
	_, err := runStage(t, db, st, item)
	require.Error(t, err)
	assert.True(t, domerrors.IsAuthError(err))
}

func TestDetailStageRejectsWrongStatus(t *testing.T) {
	st := NewDetailStage(&fakeDetailSource{})
	item := &storage.Item{Status: storage.StatusSearchQueued}
	assert.False(t, st.CanProcess(context.Background(), item, nil))
}

// ---- search stage ----

func TestSearchStageSkipsWhenInLibrary(t *testing.T) {
	db := newDB(t)
	st := NewSearchStage(&fakeMirror{}, &fakeLibrary{match: &LibraryMatch{LibraryID: 42, Score: 0.95}}, 0.6, nil)

	item := seedItem(t, db, storage.StatusSearchActive, storage.Item{Title: "Already Here", Author: "A"})
	result, err := runStage(t, db, st, item)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, storage.StatusSkippedExists, result.NextStatus)
}

func TestSearchStageQueuesBestMatch(t *testing.T) {
	db := newDB(t)
	mirror := &fakeMirror{searchResults: map[int][]SearchCandidate{
		1: {
			{ExternalID: "m-1", Title: "The Dispossessed", Authors: "Ursula K. Le Guin", Extension: "pdf", DownloadURL: "https://mirror/dl/1"},
			{ExternalID: "m-2", Title: "The Dispossessed", Authors: "Ursula K. Le Guin", Extension: "epub", DownloadURL: "https://mirror/dl/2"},
		},
	}}
	st := NewSearchStage(mirror, &fakeLibrary{}, 0.6, []string{"epub", "mobi", "pdf"})

	item := seedItem(t, db, storage.StatusSearchActive, storage.Item{
		Title: "The Dispossessed", Author: "Ursula K. Le Guin", ISBN: "9780061054884",
	})
	result, err := runStage(t, db, st, item)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, storage.StatusSearchComplete, result.NextStatus)

	ctx := context.Background()
	entry, err := db.GetQueueEntry(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "https://mirror/dl/2", entry.DownloadURL, "epub wins the format tie-break")
	assert.Greater(t, entry.Priority, 60)

	results, err := db.ListSearchResults(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2, "all candidates persisted")
}

func TestSearchStageProgressiveStrategies(t *testing.T) {
	db := newDB(t)
	// First two strategies dry, third yields a hit.
	mirror := &fakeMirror{searchResults: map[int][]SearchCandidate{
		3: {{ExternalID: "m-9", Title: "Sparse", Authors: "Q. Author", Extension: "epub", DownloadURL: "u"}},
	}}
	st := NewSearchStage(mirror, &fakeLibrary{}, 0.3, nil)

	item := seedItem(t, db, storage.StatusSearchActive, storage.Item{
		Title: "Sparse", Author: "Q. Author", Publisher: "P", ISBN: "123456",
	})
	result, err := runStage(t, db, st, item)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSearchComplete, result.NextStatus)
	assert.Equal(t, 3, mirror.searchCalls)
	assert.Equal(t, "123456", mirror.queries[0].ISBN, "strategy one is the external-id probe")
	assert.Equal(t, "P", mirror.queries[1].Publisher)
	assert.Empty(t, mirror.queries[2].Publisher)
}

func TestSearchStageNoResults(t *testing.T) {
	db := newDB(t)
	mirror := &fakeMirror{searchResults: map[int][]SearchCandidate{
		1: {{ExternalID: "m-x", Title: "Entirely Unrelated Work", Authors: "Nobody", Extension: "pdf", DownloadURL: "u"}},
	}}
	st := NewSearchStage(mirror, &fakeLibrary{}, 0.9, nil)

	item := seedItem(t, db, storage.StatusSearchActive, storage.Item{Title: "Obscure Treatise", Author: "Someone"})
	result, err := runStage(t, db, st, item)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, storage.StatusSearchNoResults, result.NextStatus)

	entry, err := db.GetQueueEntry(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSearchStageEmptyMirrorIsNotFound(t *testing.T) {
	db := newDB(t)
	st := NewSearchStage(&fakeMirror{}, &fakeLibrary{}, 0.6, nil)

	item := seedItem(t, db, storage.StatusSearchActive, storage.Item{Title: "Ghost Book"})
	_, err := runStage(t, db, st, item)
	require.Error(t, err)
	var notFound *domerrors.ResourceNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

// ---- download stage ----

func newQuotaManager(t *testing.T, remaining int) *quota.Manager {
	t.Helper()
	mgr := quota.NewManager(&quotaSourceStub{remaining: remaining}, time.Minute)
	_, err := mgr.GetCurrentQuota(context.Background(), false)
	require.NoError(t, err)
	return mgr
}

func TestDownloadStageHappyPath(t *testing.T) {
	db := newDB(t)
	dir := t.TempDir()
	artifact := filepath.Join(dir, "book.epub")
	require.NoError(t, os.WriteFile(artifact, []byte("content"), 0o600))

	mirror := &fakeMirror{file: DownloadedFile{Path: artifact, Size: 7}}
	quotaMgr := newQuotaManager(t, 3)
	st := NewDownloadStage(db, mirror, quotaMgr, dir, nil)

	item := seedItem(t, db, storage.StatusDownloadActive, storage.Item{Title: "T", Author: "A"})
	seedQueueEntry(t, db, item.ID, "https://mirror/dl/1", 0.9, "epub")

	ctx := context.Background()
	require.NoError(t, db.InTx(ctx, func(tx *storage.Tx) error {
		require.True(t, st.CanProcess(ctx, item, tx))
		return nil
	}))

	result, err := runStage(t, db, st, item)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, storage.StatusDownloadComplete, result.NextStatus)

	rec, err := db.GetSuccessfulDownload(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, artifact, rec.FilePath)

	entry, err := db.GetQueueEntry(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.QueueStatusCompleted, entry.Status)

	assert.Equal(t, 2, quotaMgr.Status().Remaining, "one unit consumed")
}

func TestDownloadStageGateParksWithoutQuota(t *testing.T) {
	db := newDB(t)
	st := NewDownloadStage(db, &fakeMirror{}, newQuotaManager(t, 0), t.TempDir(), nil)

	item := seedItem(t, db, storage.StatusSearchComplete, storage.Item{Title: "T"})
	seedQueueEntry(t, db, item.ID, "u", 0.9, "epub")

	result, handled := st.Gate(context.Background(), item, nil)
	assert.True(t, handled)
	assert.True(t, result.Success)
	assert.Equal(t, storage.StatusSearchCompleteQuotaExhausted, result.NextStatus)

	// The queue entry is untouched while the item waits.
	entry, err := db.GetQueueEntry(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.QueueStatusQueued, entry.Status)
}

func TestDownloadStageGateOpenWithQuota(t *testing.T) {
	db := newDB(t)
	st := NewDownloadStage(db, &fakeMirror{}, newQuotaManager(t, 2), t.TempDir(), nil)
	item := seedItem(t, db, storage.StatusSearchComplete, storage.Item{Title: "T"})

	_, handled := st.Gate(context.Background(), item, nil)
	assert.False(t, handled)
}

func TestDownloadStageReusesExistingArtifact(t *testing.T) {
	db := newDB(t)
	dir := t.TempDir()
	artifact := filepath.Join(dir, "existing.epub")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0o600))

	quotaMgr := newQuotaManager(t, 2)
	st := NewDownloadStage(db, &fakeMirror{downloadErr: assert.AnError}, quotaMgr, dir, nil)

	item := seedItem(t, db, storage.StatusDownloadActive, storage.Item{Title: "T"})
	seedQueueEntry(t, db, item.ID, "u", 0.9, "epub")

	ctx := context.Background()
	require.NoError(t, db.InTx(ctx, func(tx *storage.Tx) error {
		return tx.InsertDownloadRecord(ctx, &storage.DownloadRecord{
			ItemID: item.ID, FilePath: artifact, Status: storage.RecordStatusSuccess,
		})
	}))

	result, err := runStage(t, db, st, item)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloadComplete, result.NextStatus)
	assert.Equal(t, 2, quotaMgr.Status().Remaining, "no quota spent on a cached artifact")
}

func TestDownloadStageFailureRollsBackAndRecords(t *testing.T) {
	db := newDB(t)
	netErr := domerrors.NewNetworkError("transfer", assert.AnError)
	quotaMgr := newQuotaManager(t, 3)
	st := NewDownloadStage(db, &fakeMirror{downloadErr: netErr}, quotaMgr, t.TempDir(), nil)

	item := seedItem(t, db, storage.StatusDownloadActive, storage.Item{Title: "T"})
	seedQueueEntry(t, db, item.ID, "u", 0.9, "epub")

	_, err := runStage(t, db, st, item)
	require.Error(t, err)

	// What the pipeline manager would do next.
	st.RecordFailure(context.Background(), item.ID, err)

	ctx := context.Background()
	entry, err := db.GetQueueEntry(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.QueueStatusQueued, entry.Status, "retryable failure re-queues the entry")
	assert.Equal(t, 1, entry.RetryCount)

	rec, err := db.GetSuccessfulDownload(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, rec, "only a failed record exists")
}

func TestDownloadStagePropagatesLimitExhausted(t *testing.T) {
	db := newDB(t)
	limitErr := domerrors.NewDownloadLimitExhaustedError(time.Now().Add(2*time.Hour), nil)
	st := NewDownloadStage(db, &fakeMirror{downloadErr: limitErr}, newQuotaManager(t, 3), t.TempDir(), nil)

	item := seedItem(t, db, storage.StatusDownloadActive, storage.Item{Title: "T"})
	seedQueueEntry(t, db, item.ID, "u", 0.9, "epub")

	_, err := runStage(t, db, st, item)
	require.Error(t, err)
	assert.True(t, domerrors.IsDownloadLimitExhausted(err))
}

func TestDownloadStageCanProcessRequiresQueueEntry(t *testing.T) {
	db := newDB(t)
	st := NewDownloadStage(db, &fakeMirror{}, nil, t.TempDir(), nil)
	item := seedItem(t, db, storage.StatusDownloadQueued, storage.Item{Title: "No Queue"})

	ctx := context.Background()
	require.NoError(t, db.InTx(ctx, func(tx *storage.Tx) error {
		assert.False(t, st.CanProcess(ctx, item, tx))
		return nil
	}))
}

// ---- upload stage ----

func TestUploadStageHappyPath(t *testing.T) {
	db := newDB(t)
	dir := t.TempDir()
	artifact := filepath.Join(dir, "upload.epub")
	require.NoError(t, os.WriteFile(artifact, []byte("y"), 0o600))

	library := &fakeLibrary{receipt: &UploadReceipt{LibraryID: 77, ISBN: "9780000000001"}}
	st := NewUploadStage(library, nil)

	item := seedItem(t, db, storage.StatusUploadActive, storage.Item{Title: "T", Author: "A"})
	ctx := context.Background()
	require.NoError(t, db.InTx(ctx, func(tx *storage.Tx) error {
		return tx.InsertDownloadRecord(ctx, &storage.DownloadRecord{
			ItemID: item.ID, FilePath: artifact, Status: storage.RecordStatusSuccess,
		})
	}))

	result, err := runStage(t, db, st, item)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, storage.StatusUploadComplete, result.NextStatus)
	assert.Equal(t, artifact, library.uploadedTo)

	rec, err := db.GetSuccessfulDownload(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.LibraryID)
	assert.EqualValues(t, 77, *rec.LibraryID)

	stored, err := db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "9780000000001", stored.ISBN, "ingest ISBN back-fills the item")
}

func TestUploadStageCanProcessNeedsArtifact(t *testing.T) {
	db := newDB(t)
	st := NewUploadStage(&fakeLibrary{}, nil)
	item := seedItem(t, db, storage.StatusUploadQueued, storage.Item{Title: "No File"})

	ctx := context.Background()
	require.NoError(t, db.InTx(ctx, func(tx *storage.Tx) error {
		assert.False(t, st.CanProcess(ctx, item, tx))
		return nil
	}))
}

func TestUploadStageMissingArtifactIsDataError(t *testing.T) {
	db := newDB(t)
	st := NewUploadStage(&fakeLibrary{}, nil)
	item := seedItem(t, db, storage.StatusUploadActive, storage.Item{Title: "Vanished"})

	ctx := context.Background()
	require.NoError(t, db.InTx(ctx, func(tx *storage.Tx) error {
		return tx.InsertDownloadRecord(ctx, &storage.DownloadRecord{
			ItemID: item.ID, FilePath: "/nonexistent/file.epub", Status: storage.RecordStatusSuccess,
		})
	}))

	_, err := runStage(t, db, st, item)
	require.Error(t, err)
	info := domerrors.Classify(err)
	assert.False(t, info.Retryable)
}
