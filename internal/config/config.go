// Package config provides application configuration management.
// It loads settings from environment variables (optionally seeded from an
// env file) and provides defaults for the engine, external services, and
// optional features.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// ========================================================================
	// Core Configuration
	// ========================================================================

	// Store and filesystem
	StorePath   string // SQLite database path
	DownloadDir string // where downloaded files land

	// Engine sizing
	MaxConcurrentTasks int // scheduler slot count
	PipelineMaxWorkers int // handler worker count
	Debug              bool

	// Quota
	QuotaCacheTTL   time.Duration // quota cache expiry
	QuotaCheckEvery int           // download gate cadence (handler invocations)

	// Search / matching
	MinMatchScore  float64  // score floor in [0,1]
	FormatPriority []string // preferred extensions, best first

	// Reconciliation windows
	DetailStaleAfter     time.Duration // DETAIL_FETCHING reset window
	StuckAfter           time.Duration // ACTIVE reset window
	TaskGCCompletedAfter time.Duration // completed/cancelled task retention
	TaskGCFailedAfter    time.Duration // failed task retention

	// Daemon
	SyncInterval time.Duration // how often the feeder re-reads the list
	MetricsAddr  string        // daemon /metrics + /healthz listen address

	// Logging
	LogLevel string

	// ========================================================================
	// External Services
	// ========================================================================

	// Read-list source
	ReadlistBaseURL  string
	ReadlistUserID   string
	ReadlistCookie   string
	ReadlistMaxPages int
	ReadlistMinDelay time.Duration
	ReadlistMaxDelay time.Duration

	// Mirror (remote e-book repository)
	MirrorBaseURL  string
	MirrorEmail    string
	MirrorPassword string
	MirrorProxy    string

	// Library ingest
	LibraryServerURL      string
	LibraryUsername       string
	LibraryPassword       string
	LibraryMatchThreshold float64

	// ========================================================================
	// Optional Features
	// ========================================================================

	// Notifier webhook (best-effort card messages)
	NotifyWebhookURL string
	NotifySecret     string

	// Artifact archive (S3-compatible)
	// Flag: SHELFSYNC_ARCHIVE_ENABLED
	ArchiveEnabled   bool
	ArchiveEndpoint  string
	ArchiveRegion    string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchivePrefix    string

	// Sentry error tracking
	// Flag: SHELFSYNC_SENTRY_ENABLED
	SentryEnabled     bool
	SentryDSN         string
	SentryEnvironment string
	SentrySampleRate  float64

	// Better Stack log shipping
	// Flag: SHELFSYNC_BETTERSTACK_ENABLED
	BetterStackEnabled  bool
	BetterStackToken    string
	BetterStackEndpoint string
}

// Load reads configuration from the environment. When envFile is non-empty
// it is loaded first (existing environment variables win, matching godotenv
// semantics). Debug forces single-slot scheduling.
func Load(envFile string, debug bool) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Best effort: a local .env is a convenience, not a requirement.
		_ = godotenv.Load()
	}

	cfg := &Config{
		StorePath:   getEnv("SHELFSYNC_STORE_PATH", "data/shelfsync.db"),
		DownloadDir: getEnv("SHELFSYNC_DOWNLOAD_DIR", "data/downloads"),

		MaxConcurrentTasks: getEnvInt("SHELFSYNC_MAX_CONCURRENT_TASKS", 10),
		PipelineMaxWorkers: getEnvInt("SHELFSYNC_PIPELINE_MAX_WORKERS", 4),
		Debug:              debug,

		QuotaCacheTTL:   getEnvDuration("SHELFSYNC_QUOTA_CACHE_TTL", 5*time.Minute),
		QuotaCheckEvery: getEnvInt("SHELFSYNC_QUOTA_CHECK_EVERY", 10),

		MinMatchScore:  getEnvFloat("SHELFSYNC_MIN_MATCH_SCORE", 0.6),
		FormatPriority: getEnvList("SHELFSYNC_FORMAT_PRIORITY", []string{"epub", "mobi", "azw3", "pdf", "txt"}),

		DetailStaleAfter:     getEnvDuration("SHELFSYNC_DETAIL_STALE_AFTER", 3*time.Hour),
		StuckAfter:           getEnvDuration("SHELFSYNC_STUCK_AFTER", 30*time.Minute),
		TaskGCCompletedAfter: getEnvDuration("SHELFSYNC_TASK_GC_COMPLETED_AFTER", 2*time.Hour),
		TaskGCFailedAfter:    getEnvDuration("SHELFSYNC_TASK_GC_FAILED_AFTER", 24*time.Hour),

		SyncInterval: getEnvDuration("SHELFSYNC_SYNC_INTERVAL", 24*time.Hour),
		MetricsAddr:  getEnv("SHELFSYNC_METRICS_ADDR", ":9090"),

		LogLevel: getEnv("SHELFSYNC_LOG_LEVEL", "info"),

		ReadlistBaseURL:  getEnv("SHELFSYNC_READLIST_BASE_URL", ""),
		ReadlistUserID:   getEnv("SHELFSYNC_READLIST_USER_ID", ""),
		ReadlistCookie:   getEnv("SHELFSYNC_READLIST_COOKIE", ""),
		ReadlistMaxPages: getEnvInt("SHELFSYNC_READLIST_MAX_PAGES", 10),
		ReadlistMinDelay: getEnvDuration("SHELFSYNC_READLIST_MIN_DELAY", time.Second),
		ReadlistMaxDelay: getEnvDuration("SHELFSYNC_READLIST_MAX_DELAY", 3*time.Second),

		MirrorBaseURL:  getEnv("SHELFSYNC_MIRROR_BASE_URL", ""),
		MirrorEmail:    getEnv("SHELFSYNC_MIRROR_EMAIL", ""),
		MirrorPassword: getEnv("SHELFSYNC_MIRROR_PASSWORD", ""),
		MirrorProxy:    getEnv("SHELFSYNC_MIRROR_PROXY", ""),

		LibraryServerURL:      getEnv("SHELFSYNC_LIBRARY_SERVER_URL", ""),
		LibraryUsername:       getEnv("SHELFSYNC_LIBRARY_USERNAME", ""),
		LibraryPassword:       getEnv("SHELFSYNC_LIBRARY_PASSWORD", ""),
		LibraryMatchThreshold: getEnvFloat("SHELFSYNC_LIBRARY_MATCH_THRESHOLD", 0.6),

		NotifyWebhookURL: getEnv("SHELFSYNC_NOTIFY_WEBHOOK_URL", ""),
		NotifySecret:     getEnv("SHELFSYNC_NOTIFY_SECRET", ""),

		ArchiveEnabled:   getEnvBool("SHELFSYNC_ARCHIVE_ENABLED", false),
		ArchiveEndpoint:  getEnv("SHELFSYNC_ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:    getEnv("SHELFSYNC_ARCHIVE_REGION", "auto"),
		ArchiveBucket:    getEnv("SHELFSYNC_ARCHIVE_BUCKET", ""),
		ArchiveAccessKey: getEnv("SHELFSYNC_ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("SHELFSYNC_ARCHIVE_SECRET_KEY", ""),
		ArchivePrefix:    getEnv("SHELFSYNC_ARCHIVE_PREFIX", "books"),

		SentryEnabled:     getEnvBool("SHELFSYNC_SENTRY_ENABLED", false),
		SentryDSN:         getEnv("SHELFSYNC_SENTRY_DSN", ""),
		SentryEnvironment: getEnv("SHELFSYNC_SENTRY_ENVIRONMENT", "production"),
		SentrySampleRate:  getEnvFloat("SHELFSYNC_SENTRY_SAMPLE_RATE", 1.0),

		BetterStackEnabled:  getEnvBool("SHELFSYNC_BETTERSTACK_ENABLED", false),
		BetterStackToken:    getEnv("SHELFSYNC_BETTERSTACK_TOKEN", ""),
		BetterStackEndpoint: getEnv("SHELFSYNC_BETTERSTACK_ENDPOINT", ""),
	}

	if debug {
		cfg.MaxConcurrentTasks = 1
		cfg.PipelineMaxWorkers = 1
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("SHELFSYNC_MAX_CONCURRENT_TASKS must be >= 1, got %d", c.MaxConcurrentTasks))
	}
	if c.PipelineMaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("SHELFSYNC_PIPELINE_MAX_WORKERS must be >= 1, got %d", c.PipelineMaxWorkers))
	}
	if c.MinMatchScore < 0 || c.MinMatchScore > 1 {
		errs = append(errs, fmt.Errorf("SHELFSYNC_MIN_MATCH_SCORE must be in [0,1], got %g", c.MinMatchScore))
	}
	if c.LibraryMatchThreshold < 0 || c.LibraryMatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("SHELFSYNC_LIBRARY_MATCH_THRESHOLD must be in [0,1], got %g", c.LibraryMatchThreshold))
	}
	if c.QuotaCheckEvery < 1 {
		errs = append(errs, fmt.Errorf("SHELFSYNC_QUOTA_CHECK_EVERY must be >= 1, got %d", c.QuotaCheckEvery))
	}
	if c.ReadlistMinDelay > c.ReadlistMaxDelay {
		errs = append(errs, fmt.Errorf("SHELFSYNC_READLIST_MIN_DELAY must not exceed SHELFSYNC_READLIST_MAX_DELAY"))
	}
	if c.ArchiveEnabled {
		if c.ArchiveBucket == "" || c.ArchiveAccessKey == "" || c.ArchiveSecretKey == "" {
			errs = append(errs, fmt.Errorf("archive enabled but bucket/credentials incomplete"))
		}
	}
	if c.SentryEnabled && c.SentryDSN == "" {
		errs = append(errs, fmt.Errorf("SHELFSYNC_SENTRY_ENABLED=true requires SHELFSYNC_SENTRY_DSN"))
	}
	if c.BetterStackEnabled && c.BetterStackToken == "" {
		errs = append(errs, fmt.Errorf("SHELFSYNC_BETTERSTACK_ENABLED=true requires SHELFSYNC_BETTERSTACK_TOKEN"))
	}

	return errors.Join(errs...)
}

// IsArchiveEnabled reports whether artifact archival is configured and on.
func (c *Config) IsArchiveEnabled() bool {
	return c.ArchiveEnabled
}

// IsSentryEnabled reports whether Sentry error tracking is configured and on.
func (c *Config) IsSentryEnabled() bool {
	return c.SentryEnabled
}

// IsBetterStackEnabled reports whether Better Stack log shipping is on.
func (c *Config) IsBetterStackEnabled() bool {
	return c.BetterStackEnabled
}

// IsNotifierEnabled reports whether a notification webhook is configured.
func (c *Config) IsNotifierEnabled() bool {
	return c.NotifyWebhookURL != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToLower(trimmed))
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
