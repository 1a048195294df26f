// Package library talks to the personal library's content server: probing
// for existing copies before a search, and ingesting finished downloads.
package library

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/match"
	"github.com/shelfsync/shelfsync/internal/stages"
	"github.com/shelfsync/shelfsync/internal/timeouts"
)

// Config holds the content-server settings.
type Config struct {
	ServerURL      string
	Username       string
	Password       string
	MatchThreshold float64
}

// Client is the library ingest client.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a library client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("library server URL is required")
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = 0.6
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeouts.HTTPRequest,
		},
	}, nil
}

type bookRecord struct {
	ID      int64    `json:"id"`
	Title   string   `json:"title"`
	Authors []string `json:"authors"`
	ISBN    string   `json:"isbn"`
}

type searchResponse struct {
	Books []bookRecord `json:"books"`
}

// FindBestMatch searches the library by title (and ISBN when present) and
// scores the hits against the wanted record. Returns nil when nothing
// clears the configured threshold.
func (c *Client) FindBestMatch(ctx context.Context, title, author, isbn string) (*stages.LibraryMatch, error) {
	query := title
	if isbn != "" {
		query = isbn
	}

	endpoint := fmt.Sprintf("%s/ajax/search?query=%s&num=20",
		strings.TrimRight(c.cfg.ServerURL, "/"), url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create library search request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domerrors.NewNetworkError("library search", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domerrors.NewAuthError("library", resp.StatusCode, fmt.Errorf("search rejected"))
	case resp.StatusCode != http.StatusOK:
		return nil, domerrors.NewNetworkError("library search",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domerrors.NewNetworkError("library search decode", err)
	}

	source := match.Source{Title: title, Author: author, ISBN: isbn}
	var best *stages.LibraryMatch
	for _, book := range parsed.Books {
		score := match.Score(source, match.Candidate{
			Title:   book.Title,
			Authors: strings.Join(book.Authors, " "),
			ISBN:    book.ISBN,
		})
		if score < c.cfg.MatchThreshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &stages.LibraryMatch{LibraryID: book.ID, Title: book.Title, Score: score}
		}
	}

	if best != nil {
		slog.DebugContext(ctx, "library match found",
			"title", title,
			"library_id", best.LibraryID,
			"score", best.Score)
	}
	return best, nil
}

type uploadResponse struct {
	BookID int64  `json:"book_id"`
	ISBN   string `json:"isbn"`
}

// Upload ingests an artifact with its metadata and returns the assigned
// library id (plus the server-resolved ISBN, when it extracts one).
func (c *Client) Upload(ctx context.Context, filePath string, meta stages.UploadMetadata) (*stages.UploadReceipt, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = file.Close() }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, fmt.Errorf("create upload form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	_ = writer.WriteField("title", meta.Title)
	_ = writer.WriteField("author", meta.Author)
	if meta.ISBN != "" {
		_ = writer.WriteField("isbn", meta.ISBN)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize upload form: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.ServerURL, "/") + "/ajax/add"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domerrors.NewNetworkError("library upload", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domerrors.NewAuthError("library", resp.StatusCode, fmt.Errorf("upload rejected"))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, domerrors.NewNetworkError("library upload",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domerrors.NewNetworkError("library upload decode", err)
	}

	slog.InfoContext(ctx, "artifact ingested",
		"title", meta.Title,
		"library_id", parsed.BookID,
		"duration_ms", time.Since(start).Milliseconds())
	return &stages.UploadReceipt{LibraryID: parsed.BookID, ISBN: parsed.ISBN}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}
