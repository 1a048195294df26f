package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL})
	require.NoError(t, err)
	return c
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/search", r.URL.Path)
		_, _ = w.Write([]byte(`{"books":[
			{"id":"b-1","title":"Dune","authors":"Frank Herbert","extension":"EPUB","download_url":"https://mirror/dl/1"},
			{"id":"b-2","title":"Dune Messiah","authors":"Frank Herbert","extension":"pdf"}
		]}`))
	}))
	defer srv.Close()

	candidates, err := newTestClient(t, srv.URL).Search(context.Background(), stages.SearchQuery{Title: "Dune"})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "b-1", candidates[0].ExternalID)
	assert.Equal(t, "epub", candidates[0].Extension, "extensions are normalized to lower case")
	assert.NotEmpty(t, candidates[0].RawJSON)
}

func TestSearchAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Search(context.Background(), stages.SearchQuery{Title: "x"})
	require.Error(t, err)
	assert.True(t, domerrors.IsAuthError(err))
}

func TestSearchEmptyQueryShortCircuits(t *testing.T) {
	candidates, err := newTestClient(t, "http://unused.invalid").Search(context.Background(), stages.SearchQuery{})
	require.NoError(t, err)
	assert.Nil(t, candidates)
}

func TestBuildQuery(t *testing.T) {
	assert.Equal(t, "9780441013593", buildQuery(stages.SearchQuery{ISBN: "9780441013593", Title: "ignored"}))
	assert.Equal(t, "Dune Frank Herbert Ace", buildQuery(stages.SearchQuery{Title: "Dune", Author: "Frank Herbert", Publisher: "Ace"}))
	assert.Equal(t, "Dune", buildQuery(stages.SearchQuery{Title: "Dune"}))
	assert.Empty(t, buildQuery(stages.SearchQuery{}))
}

func TestLogin(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			logins.Add(1)
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "tok"})
		case "/api/search":
			cookie, err := r.Cookie("session")
			require.NoError(t, err)
			assert.Equal(t, "tok", cookie.Value)
			_, _ = w.Write([]byte(`{"books":[]}`))
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Email: "reader@example.com", Password: "secret"})
	require.NoError(t, err)

	_, err = c.Search(context.Background(), stages.SearchQuery{Title: "a"})
	require.NoError(t, err)
	_, err = c.Search(context.Background(), stages.SearchQuery{Title: "b"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, logins.Load(), "session is established once")
}

func TestQuota(t *testing.T) {
	reset := time.Now().Add(6 * time.Hour).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/user/limits", r.URL.Path)
		_, _ = w.Write([]byte(`{"daily_remaining":3,"daily_allowed":10,"daily_reset":"` + reset.Format(time.RFC3339) + `"}`))
	}))
	defer srv.Close()

	snap, err := newTestClient(t, srv.URL).Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Remaining)
	assert.Equal(t, 10, snap.DailyLimit)
	assert.True(t, snap.NextReset.Equal(reset))
}

func TestDownloadUsesDispositionName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="Dune - Frank Herbert.epub"`)
		_, _ = w.Write([]byte("file-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	file, err := newTestClient(t, srv.URL).Download(context.Background(), stages.DownloadRequest{
		Title: "Dune", DownloadURL: srv.URL + "/dl/1",
	}, dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "Dune - Frank Herbert.epub"), file.Path)
	assert.EqualValues(t, 10, file.Size)

	content, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, "file-bytes", string(content))
}

func TestDownloadFallbackName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	file, err := newTestClient(t, srv.URL).Download(context.Background(), stages.DownloadRequest{
		Title: "Dune", Authors: "Frank Herbert;;Someone Else", Extension: "epub",
		DownloadURL: srv.URL + "/dl/2",
	}, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Dune - Frank Herbert.epub"), file.Path)
}

func TestDownloadLimitExhausted(t *testing.T) {
	reset := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(limitResetHeader, reset.Format(time.RFC3339))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Download(context.Background(), stages.DownloadRequest{
		Title: "Dune", DownloadURL: srv.URL + "/dl/3",
	}, t.TempDir())
	require.Error(t, err)

	var limitErr *domerrors.DownloadLimitExhaustedError
	require.ErrorAs(t, err, &limitErr)
	assert.True(t, limitErr.ResetTime.Equal(reset))
}

func TestDownloadGoneLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Download(context.Background(), stages.DownloadRequest{
		Title: "Dune", DownloadURL: srv.URL + "/dl/4",
	}, t.TempDir())
	require.Error(t, err)
	var notFound *domerrors.ResourceNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "a_b_c.epub", sanitizeFileName(`a/b:c.epub`))
	assert.Equal(t, "download", sanitizeFileName("..."))
	long := sanitizeFileName(strings.Repeat("a", 300) + ".epub")
	assert.LessOrEqual(t, len(long), 200)
	assert.True(t, strings.HasSuffix(long, ".epub"))
}
