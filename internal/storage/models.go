package storage

import "time"

// Status enumerates the item state machine.
type Status string

// Item states, grouped by stage.
const (
	// Collection stage
	StatusNew            Status = "new"
	StatusDetailFetching Status = "detail_fetching"
	StatusDetailComplete Status = "detail_complete"

	// Search stage
	StatusSearchQueued                 Status = "search_queued"
	StatusSearchActive                 Status = "search_active"
	StatusSearchComplete               Status = "search_complete"
	StatusSearchCompleteQuotaExhausted Status = "search_complete_quota_exhausted"
	StatusSearchNoResults              Status = "search_no_results"

	// Download stage
	StatusDownloadQueued   Status = "download_queued"
	StatusDownloadActive   Status = "download_active"
	StatusDownloadComplete Status = "download_complete"
	StatusDownloadFailed   Status = "download_failed"

	// Upload stage
	StatusUploadQueued   Status = "upload_queued"
	StatusUploadActive   Status = "upload_active"
	StatusUploadComplete Status = "upload_complete"
	StatusUploadFailed   Status = "upload_failed"

	// Terminal
	StatusCompleted       Status = "completed"
	StatusSkippedExists   Status = "skipped_exists"
	StatusFailedPermanent Status = "failed_permanent"
)

// TaskStatus enumerates processing task states.
type TaskStatus string

// Task states.
const (
	TaskQueued    TaskStatus = "queued"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// Download queue entry states.
const (
	QueueStatusQueued      = "queued"
	QueueStatusDownloading = "downloading"
	QueueStatusCompleted   = "completed"
	QueueStatusFailed      = "failed"
)

// Download record states.
const (
	RecordStatusSuccess = "success"
	RecordStatusFailed  = "failed"
)

// Item is one e-book record moving through the pipeline.
type Item struct {
	ID           int64
	ExternalID   string
	SourceURL    string
	Title        string
	Subtitle     string
	Author       string
	Translator   string
	Publisher    string
	PublishDate  string
	ISBN         string
	CoverURL     string
	Description  string
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HistoryEntry is an append-only record of one status transition.
type HistoryEntry struct {
	ID             int64
	ItemID         int64
	OldStatus      *Status
	NewStatus      Status
	ChangeReason   string
	ErrorMessage   string
	ProcessingTime *float64
	RetryCount     int
	CreatedAt      time.Time
}

// SearchResult is one candidate hit from the mirror for an item.
type SearchResult struct {
	ID          int64
	ItemID      int64
	ExternalID  string
	Title       string
	Authors     string
	Publisher   string
	Year        string
	Language    string
	ISBN        string
	Extension   string
	Size        string
	URL         string
	DownloadURL string
	MatchScore  float64
	IsAvailable bool
	RawJSON     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueEntry is the chosen best match for an item, ready to download.
// At most one row per item.
type QueueEntry struct {
	ID             int64
	ItemID         int64
	SearchResultID int64
	DownloadURL    string
	Priority       int
	Status         string
	RetryCount     int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DownloadRecord is the persisted outcome of a download attempt.
// Successful records are immutable once written, except for the library id
// that the upload stage sets afterwards.
type DownloadRecord struct {
	ID           int64
	ItemID       int64
	ExternalID   string
	FileFormat   string
	FileSize     int64
	FilePath     string
	DownloadURL  string
	LibraryID    *int64
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is the durable row backing each scheduler entry.
type Task struct {
	ID           int64
	ItemID       int64
	Stage        string
	Status       TaskStatus
	Priority     int
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	ErrorKind    string
	TaskData     string
	WorkerID     string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	NextRetryAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsTerminal reports whether a status has no forward edges besides the
// explicit re-open path from permanent failure.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusSkippedExists, StatusFailedPermanent:
		return true
	}
	return false
}
