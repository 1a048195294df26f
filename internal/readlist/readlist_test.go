package readlist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listPageHTML = `<html><body>
<ul>
<li class="item">
  <div class="title"><a href="https://source.example/subject/36104107/">The Dispossessed</a></div>
  <div class="intro">Ursula K. Le Guin / Harper / 1974-05</div>
</li>
<li class="item">
  <div class="title"><a href="https://source.example/subject/26389143/">Seveneves</a></div>
  <div class="intro">Neal Stephenson / William Morrow / 2015-05</div>
</li>
</ul>
</body></html>`

const detailPageHTML = `<html><body>
<div id="mainpic"><img src="https://img.example/cover.jpg"></div>
<div id="info">
作者: Ursula K. Le Guin
出版社: Harper
出版年: 1974-05
ISBN: 9780060125639
</div>
<div class="intro"><p>An ambiguous utopia.</p></div>
</body></html>`

func fastClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:      baseURL,
		UserID:       "reader",
		MaxPages:     3,
		MinDelay:     time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		MaxRetries:   2,
		RetryInitial: time.Millisecond,
	})
}

func TestFetchListParsesEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "start=0") {
			_, _ = w.Write([]byte(listPageHTML))
			return
		}
		_, _ = w.Write([]byte("<html><body></body></html>"))
	}))
	defer srv.Close()

	items, err := fastClient(srv.URL).FetchList(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "36104107", items[0].ExternalID)
	assert.Equal(t, "The Dispossessed", items[0].Title)
	assert.Equal(t, "Ursula K. Le Guin", items[0].Author)
	assert.Equal(t, "Harper", items[0].Publisher)
	assert.Equal(t, "1974-05", items[0].PubDate)
	assert.Equal(t, "26389143", items[1].ExternalID)
}

func TestFetchListStopsOnShortPage(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		_, _ = w.Write([]byte(listPageHTML)) // 2 entries < pageSize
	}))
	defer srv.Close()

	items, err := fastClient(srv.URL).FetchList(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.EqualValues(t, 1, pages.Load(), "a short page ends the walk")
}

func TestFetchListAuthDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).FetchList(context.Background())
	require.Error(t, err)
	assert.True(t, domerrors.IsAuthError(err), "403 must surface as an auth error")
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(listPageHTML))
	}))
	defer srv.Close()

	items, err := fastClient(srv.URL).FetchList(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestFetchDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/subject/36104107/")
		_, _ = w.Write([]byte(detailPageHTML))
	}))
	defer srv.Close()

	detail, err := fastClient(srv.URL).FetchDetail(context.Background(), &storage.Item{
		ExternalID: "36104107",
		Title:      "The Dispossessed",
	})
	require.NoError(t, err)

	assert.Equal(t, "Ursula K. Le Guin", detail.Author)
	assert.Equal(t, "Harper", detail.Publisher)
	assert.Equal(t, "1974-05", detail.PublishDate)
	assert.Equal(t, "9780060125639", detail.ISBN)
	assert.Equal(t, "https://img.example/cover.jpg", detail.CoverURL)
	assert.Equal(t, "An ambiguous utopia.", detail.Description)
}

func TestExtractSubjectID(t *testing.T) {
	assert.Equal(t, "123", extractSubjectID("https://source.example/subject/123/"))
	assert.Equal(t, "123", extractSubjectID("/subject/123"))
	assert.Empty(t, extractSubjectID("https://source.example/people/reader/"))
}
