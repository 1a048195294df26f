// Package stages implements the four pipeline stages: detail, search,
// download, and upload. External services enter through the narrow
// consumer-side interfaces defined here.
package stages

import (
	"context"

	"github.com/shelfsync/shelfsync/internal/storage"
)

// ItemDetail is the per-item record fetched from the read-list source.
type ItemDetail struct {
	Subtitle    string
	Author      string
	Translator  string
	Publisher   string
	PublishDate string
	ISBN        string
	CoverURL    string
	Description string
}

// DetailSource fetches one item's detail page. May fail with an auth error
// (403 family) which pauses the whole detail stage.
type DetailSource interface {
	FetchDetail(ctx context.Context, item *storage.Item) (*ItemDetail, error)
}

// SearchQuery is one progressive-strategy probe against the mirror.
type SearchQuery struct {
	ExternalID string
	ISBN       string
	Title      string
	Author     string
	Publisher  string
}

// SearchCandidate is one hit returned by the mirror.
type SearchCandidate struct {
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
	RawJSON     string
}

// DownloadRequest names the artifact the download stage wants.
type DownloadRequest struct {
	ExternalID  string
	Title       string
	Authors     string
	Extension   string
	DownloadURL string
	URL         string
}

// DownloadedFile is a completed transfer.
type DownloadedFile struct {
	Path string
	Size int64
}

// MirrorClient is the remote e-book repository: search plus download.
// Download may fail with DownloadLimitExhaustedError.
type MirrorClient interface {
	Search(ctx context.Context, query SearchQuery) ([]SearchCandidate, error)
	Download(ctx context.Context, req DownloadRequest, destDir string) (DownloadedFile, error)
}

// LibraryMatch is an existing library entry resembling the item.
type LibraryMatch struct {
	LibraryID int64
	Title     string
	Score     float64
}

// UploadMetadata accompanies an artifact into the library.
type UploadMetadata struct {
	Title  string
	Author string
	ISBN   string
}

// UploadReceipt is the ingest response; ISBN may back-fill the item row.
type UploadReceipt struct {
	LibraryID int64
	ISBN      string
}

// LibraryClient is the personal-library ingest service.
type LibraryClient interface {
	FindBestMatch(ctx context.Context, title, author, isbn string) (*LibraryMatch, error)
	Upload(ctx context.Context, filePath string, meta UploadMetadata) (*UploadReceipt, error)
}

// Archiver pushes a finished artifact to long-term remote storage.
// Best-effort; failures never fail the stage.
type Archiver interface {
	Archive(ctx context.Context, filePath string, item *storage.Item) error
}
