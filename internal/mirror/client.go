// Package mirror talks to the remote e-book repository: searching for
// candidates, downloading files under the account's daily allowance, and
// reporting that allowance to the quota manager.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/quota"
	"github.com/shelfsync/shelfsync/internal/stages"
	"github.com/shelfsync/shelfsync/internal/timeouts"
)

// Config holds the mirror account settings.
type Config struct {
	BaseURL  string
	Email    string
	Password string
	Proxy    string
}

// Client is the mirror HTTP client. Authentication is cookie-based; the
// session is established lazily and re-established on auth failures.
type Client struct {
	cfg        Config
	httpClient *http.Client
	dlClient   *http.Client

	sessMu   sync.Mutex
	loggedIn bool
}

// NewClient creates a mirror client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mirror base URL is required")
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	jar := newSessionJar()
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   timeouts.HTTPRequest,
			Transport: transport,
			Jar:       jar,
		},
		dlClient: &http.Client{
			Timeout:   timeouts.Download,
			Transport: transport,
			Jar:       jar,
		},
	}, nil
}

type searchRequest struct {
	Query     string `json:"q"`
	Extension string `json:"extension,omitempty"`
	Limit     int    `json:"limit"`
}

type searchResponse struct {
	Books []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Authors     string `json:"authors"`
		Publisher   string `json:"publisher"`
		Year        string `json:"year"`
		Language    string `json:"language"`
		ISBN        string `json:"isbn"`
		Extension   string `json:"extension"`
		Size        string `json:"size"`
		URL         string `json:"url"`
		DownloadURL string `json:"download_url"`
	} `json:"books"`
}

// Search implements the stages.MirrorClient search contract: one query per
// call; the progressive strategy ladder lives in the search stage.
func (c *Client) Search(ctx context.Context, query stages.SearchQuery) ([]stages.SearchCandidate, error) {
	q := buildQuery(query)
	if q == "" {
		return nil, nil
	}
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(searchRequest{Query: q, Limit: 10})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("/api/search"), strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domerrors.NewNetworkError("mirror search", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.invalidateSession()
		return nil, domerrors.NewAuthError("mirror", resp.StatusCode,
			fmt.Errorf("search rejected with status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, domerrors.NewResourceNotFoundError("search "+q, nil)
	case resp.StatusCode != http.StatusOK:
		return nil, domerrors.NewNetworkError("mirror search",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domerrors.NewNetworkError("mirror search decode", err)
	}

	candidates := make([]stages.SearchCandidate, 0, len(parsed.Books))
	for _, b := range parsed.Books {
		raw, _ := json.Marshal(b)
		candidates = append(candidates, stages.SearchCandidate{
			ExternalID:  b.ID,
			Title:       b.Title,
			Authors:     b.Authors,
			Publisher:   b.Publisher,
			Year:        b.Year,
			Language:    b.Language,
			ISBN:        b.ISBN,
			Extension:   strings.ToLower(b.Extension),
			Size:        b.Size,
			URL:         b.URL,
			DownloadURL: b.DownloadURL,
			RawJSON:     string(raw),
		})
	}
	return candidates, nil
}

// buildQuery flattens a strategy probe into the mirror's free-text query.
// A bare ISBN works; an "isbn:" prefix does not.
func buildQuery(query stages.SearchQuery) string {
	if query.ISBN != "" {
		return strings.TrimSpace(query.ISBN)
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{query.Title, query.Author, query.Publisher} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

type limitsResponse struct {
	DailyRemaining int    `json:"daily_remaining"`
	DailyAllowed   int    `json:"daily_allowed"`
	DailyReset     string `json:"daily_reset"`
}

// Quota implements quota.Source against the account-limits endpoint.
func (c *Client) Quota(ctx context.Context) (quota.Snapshot, error) {
	if err := c.ensureSession(ctx); err != nil {
		return quota.Snapshot{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/user/limits"), http.NoBody)
	if err != nil {
		return quota.Snapshot{}, fmt.Errorf("create limits request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return quota.Snapshot{}, domerrors.NewNetworkError("mirror limits", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return quota.Snapshot{}, domerrors.NewNetworkError("mirror limits",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var parsed limitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return quota.Snapshot{}, domerrors.NewNetworkError("mirror limits decode", err)
	}

	snap := quota.Snapshot{
		Remaining:  parsed.DailyRemaining,
		DailyLimit: parsed.DailyAllowed,
	}
	if parsed.DailyReset != "" {
		if reset, err := time.Parse(time.RFC3339, parsed.DailyReset); err == nil {
			snap.NextReset = reset
		}
	}
	return snap, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}
