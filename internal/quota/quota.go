// Package quota caches the remote account's daily download allowance and
// arbitrates local consumption against it.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
)

// Source is the remote quota endpoint (the mirror account).
type Source interface {
	Quota(ctx context.Context) (Snapshot, error)
}

// Snapshot is one observation of the remote allowance.
type Snapshot struct {
	Remaining  int
	DailyLimit int
	NextReset  time.Time
}

// cachedQuota is the in-memory view; LastChecked drives expiry.
type cachedQuota struct {
	Snapshot
	LastChecked time.Time
}

func (c *cachedQuota) expired(ttl time.Duration) bool {
	return time.Since(c.LastChecked) > ttl
}

// Manager maintains the cached DownloadQuota. Refresh, ConsumeQuota and
// ResetCache write the cache and reads take the same lock, so races can only
// over-throttle — the
// remote service stays the source of truth for actual consumption.
type Manager struct {
	source Source
	ttl    time.Duration

	mu     sync.Mutex
	cached *cachedQuota
}

// NewManager creates a quota manager with the given cache TTL.
func NewManager(source Source, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{source: source, ttl: ttl}
}

// GetCurrentQuota returns the cached quota when fresh, refreshing from the
// remote source otherwise. Refresh failures surface as a network error.
func (m *Manager) GetCurrentQuota(ctx context.Context, forceRefresh bool) (Snapshot, error) {
	m.mu.Lock()
	if !forceRefresh && m.cached != nil && !m.cached.expired(m.ttl) {
		snap := m.cached.Snapshot
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	snap, err := m.source.Quota(ctx)
	if err != nil {
		return Snapshot{}, domerrors.NewNetworkError("quota refresh", fmt.Errorf("quota_check_failed: %w", err))
	}
	if snap.Remaining < 0 {
		snap.Remaining = 0
	}

	m.mu.Lock()
	m.cached = &cachedQuota{Snapshot: snap, LastChecked: time.Now()}
	m.mu.Unlock()

	slog.DebugContext(ctx, "quota refreshed",
		"remaining", snap.Remaining,
		"daily_limit", snap.DailyLimit)
	return snap, nil
}

// HasQuotaAvailable is a synchronous check against the cache. An empty
// cache returns false and signals the caller to refresh.
func (m *Manager) HasQuotaAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		slog.Warn("quota cache empty, refresh required before downloads proceed")
		return false
	}
	return m.cached.Remaining > 0
}

// HasFreshCache reports whether the cache holds an unexpired snapshot.
func (m *Manager) HasFreshCache() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached != nil && !m.cached.expired(m.ttl)
}

// ConsumeQuota decrements the cached remaining count when at least n units
// are available. Returns false when the cache is empty or short.
func (m *Manager) ConsumeQuota(n int) bool {
	if n <= 0 {
		n = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		slog.Warn("quota cache empty, cannot consume")
		return false
	}
	if m.cached.Remaining < n {
		slog.Warn("quota short",
			"requested", n,
			"remaining", m.cached.Remaining)
		return false
	}
	m.cached.Remaining -= n
	slog.Info("quota consumed",
		"count", n,
		"remaining", m.cached.Remaining,
		"daily_limit", m.cached.DailyLimit)
	return true
}

// ResetCache clears the cache so the next read refreshes from the remote.
func (m *Manager) ResetCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
}

// Status describes the cache for status dumps.
type Status struct {
	Cached     bool       `json:"cached"`
	Remaining  int        `json:"remaining"`
	DailyLimit int        `json:"daily_limit"`
	Expired    bool       `json:"expired"`
	NextReset  *time.Time `json:"next_reset,omitempty"`
}

// Status returns a snapshot of the cache state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return Status{}
	}
	st := Status{
		Cached:     true,
		Remaining:  m.cached.Remaining,
		DailyLimit: m.cached.DailyLimit,
		Expired:    m.cached.expired(m.ttl),
	}
	if !m.cached.NextReset.IsZero() {
		reset := m.cached.NextReset
		st.NextReset = &reset
	}
	return st
}
