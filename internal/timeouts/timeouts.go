// Package timeouts provides centralized timeout constants for the engine.
//
// These values are tuned for the external services the pipeline talks to
// (a consumer-grade read-list site, a mirror that throttles aggressively,
// a personal library server on a LAN) and for SQLite in WAL mode.
package timeouts

import "time"

// Network timeouts
const (
	// HTTPRequest is the per-call timeout for ordinary HTTP requests
	// (list pages, search queries, ingest lookups).
	HTTPRequest = 30 * time.Second

	// Download is the timeout for a full file transfer. E-books are small
	// (usually < 50 MiB) but the mirror can be very slow.
	Download = 10 * time.Minute

	// RetryInitial is the initial delay before retrying a failed request.
	// Exponential backoff: 4s -> 8s -> 16s -> 32s
	RetryInitial = 4 * time.Second

	// NotifierSend bounds fire-and-forget webhook deliveries.
	NotifierSend = 5 * time.Second
)

// Database timeouts
const (
	// DatabaseBusyTimeout is SQLite busy_timeout pragma value.
	// Handles write contention between workers and the reconciler.
	DatabaseBusyTimeout = 30 * time.Second

	// DatabaseConnMaxLifetime is the maximum lifetime of database connections.
	DatabaseConnMaxLifetime = time.Hour
)

// Engine intervals and windows
const (
	// DispatcherTick bounds how long the scheduler loop sleeps between
	// queue drains.
	DispatcherTick = time.Second

	// TaskGCInterval is how often terminal task rows are swept.
	TaskGCInterval = 12 * time.Hour

	// ReconcileInterval is the period of the drift-repair loop.
	ReconcileInterval = time.Minute

	// StaleDetailSweep is how often DETAIL_FETCHING items are checked for
	// staleness in daemon mode.
	StaleDetailSweep = time.Hour

	// NextStageDelay is the scheduling delay applied after a stage commits,
	// so the next stage observes the committed row.
	NextStageDelay = 3 * time.Second
)

// Graceful shutdown
const (
	// GracefulShutdown is the timeout for draining in-flight work on stop.
	GracefulShutdown = 30 * time.Second
)
