package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
)

func newSessionJar() http.CookieJar {
	jar, _ := cookiejar.New(nil)
	return jar
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ensureSession logs in once per client when credentials are configured.
// Anonymous access is allowed for searching; downloads usually need the
// session cookie.
func (c *Client) ensureSession(ctx context.Context) error {
	if c.cfg.Email == "" {
		return nil
	}

	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.loggedIn {
		return nil
	}

	payload, err := json.Marshal(loginRequest{Email: c.cfg.Email, Password: c.cfg.Password})
	if err != nil {
		return fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("/api/login"), strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domerrors.NewNetworkError("mirror login", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return domerrors.NewAuthError("mirror", resp.StatusCode,
			fmt.Errorf("login failed with status %d", resp.StatusCode))
	}

	c.loggedIn = true
	slog.InfoContext(ctx, "mirror session established")
	return nil
}

// invalidateSession drops the login flag so the next call re-authenticates.
func (c *Client) invalidateSession() {
	c.sessMu.Lock()
	c.loggedIn = false
	c.sessMu.Unlock()
}
