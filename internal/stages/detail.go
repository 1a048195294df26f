package stages

import (
	"context"
	"log/slog"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/pipeline"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// DetailStage enriches a freshly discovered item with its detail record
// from the read-list source.
type DetailStage struct {
	source DetailSource
}

// NewDetailStage creates the detail stage.
func NewDetailStage(source DetailSource) *DetailStage {
	return &DetailStage{source: source}
}

// Name implements pipeline.Stage.
func (s *DetailStage) Name() string {
	return state.StageDetail
}

// CanProcess accepts NEW and DETAIL_FETCHING items.
func (s *DetailStage) CanProcess(ctx context.Context, item *storage.Item, tx *storage.Tx) bool {
	return item.Status == storage.StatusNew || item.Status == storage.StatusDetailFetching
}

// Process fetches the detail record and stores it on the item row.
// Auth failures propagate so the pipeline pauses the stage.
func (s *DetailStage) Process(ctx context.Context, item *storage.Item, tx *storage.Tx) (pipeline.Result, error) {
	detail, err := s.source.FetchDetail(ctx, item)
	if err != nil {
		return pipeline.Result{}, err
	}
	if detail == nil {
		return pipeline.Result{}, domerrors.NewProcessingError("data_missing", "detail source returned nothing for "+item.Title)
	}

	item.Subtitle = firstNonEmpty(detail.Subtitle, item.Subtitle)
	item.Author = firstNonEmpty(detail.Author, item.Author)
	item.Translator = firstNonEmpty(detail.Translator, item.Translator)
	item.Publisher = firstNonEmpty(detail.Publisher, item.Publisher)
	item.PublishDate = firstNonEmpty(detail.PublishDate, item.PublishDate)
	item.ISBN = firstNonEmpty(detail.ISBN, item.ISBN)
	item.CoverURL = firstNonEmpty(detail.CoverURL, item.CoverURL)
	item.Description = firstNonEmpty(detail.Description, item.Description)

	if err := tx.UpdateItemDetails(ctx, item); err != nil {
		return pipeline.Result{}, err
	}

	slog.InfoContext(ctx, "item detail fetched",
		"title", item.Title,
		"isbn", item.ISBN)
	return pipeline.Result{Success: true}, nil
}

// NextState implements pipeline.Stage.
func (s *DetailStage) NextState(success bool) storage.Status {
	if success {
		return storage.StatusDetailComplete
	}
	return storage.StatusNew
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
