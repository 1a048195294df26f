// Package readlist scrapes the external want-to-read list: the paginated
// list itself and the per-item detail pages. Politeness (randomized delays,
// rotating user agents) matters more than speed; the source bans eagerly.
package readlist

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/corpix/uarand"
	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/timeouts"
)

// Config holds the source account settings.
type Config struct {
	BaseURL      string
	UserID       string
	Cookie       string
	MaxPages     int
	MinDelay     time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	RetryInitial time.Duration
}

// Client fetches and parses pages from the read-list source.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a read-list client.
func NewClient(cfg Config) *Client {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay * 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = timeouts.RetryInitial
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeouts.HTTPRequest,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// getDocument fetches a page and parses it as HTML, retrying transient
// failures with exponential backoff. 403 surfaces as an auth error and is
// never retried; 404 as resource-not-found.
func (c *Client) getDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	var doc *goquery.Document

	err := retryWithBackoff(ctx, c.cfg.MaxRetries, c.cfg.RetryInitial, func() error {
		c.politeDelay(ctx)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
		if err != nil {
			return permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("User-Agent", uarand.GetRandom())
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		if c.cfg.Cookie != "" {
			req.Header.Set("Cookie", c.cfg.Cookie)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return domerrors.NewNetworkError("readlist fetch", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusForbidden:
			return permanent(domerrors.NewAuthError("readlist", http.StatusForbidden,
				fmt.Errorf("access denied for %s", pageURL)))
		case resp.StatusCode == http.StatusNotFound:
			return permanent(domerrors.NewResourceNotFoundError(pageURL, nil))
		case resp.StatusCode == http.StatusTooManyRequests:
			return domerrors.NewNetworkError("readlist fetch",
				fmt.Errorf("rate limited (status %d)", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return domerrors.NewNetworkError("readlist fetch",
				fmt.Errorf("unexpected status %d for %s", resp.StatusCode, pageURL))
		}

		parsed, err := goquery.NewDocumentFromReader(resp.Body)
		if err != nil {
			return domerrors.NewNetworkError("readlist parse", err)
		}
		doc = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// politeDelay sleeps a random duration in [MinDelay, MaxDelay].
func (c *Client) politeDelay(ctx context.Context) {
	span := c.cfg.MaxDelay - c.cfg.MinDelay
	delay := c.cfg.MinDelay
	if span > 0 {
		delay += time.Duration(randomInt64(int64(span)))
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// permanentError wraps errors that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// retryWithBackoff retries fn with exponential backoff and ±25% jitter,
// stopping immediately on permanent errors and context cancellation.
func retryWithBackoff(ctx context.Context, maxRetries int, initialDelay time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if perm, ok := err.(*permanentError); ok {
			return perm.Unwrap()
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}

		delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt)))
		jitter := time.Duration(randomInt64(int64(delay) / 2))
		delay = delay - delay/4 + jitter

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

func randomInt64(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := int64(binary.LittleEndian.Uint64(b[:]))
	if v < 0 {
		v = -v
	}
	return v % n
}
