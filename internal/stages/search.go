package stages

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/match"
	"github.com/shelfsync/shelfsync/internal/pipeline"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// SearchStage locates an item on the mirror. It first probes the library
// for an existing copy, then walks progressively looser search strategies,
// scores the candidates, and queues the best one for download.
type SearchStage struct {
	mirror     MirrorClient
	library    LibraryClient
	minScore   float64
	formatRank []string
}

// NewSearchStage creates the search stage.
func NewSearchStage(mirror MirrorClient, library LibraryClient, minScore float64, formatPriority []string) *SearchStage {
	if minScore <= 0 {
		minScore = 0.6
	}
	if len(formatPriority) == 0 {
		formatPriority = []string{"epub", "mobi", "azw3", "pdf", "txt"}
	}
	return &SearchStage{
		mirror:     mirror,
		library:    library,
		minScore:   minScore,
		formatRank: formatPriority,
	}
}

// Name implements pipeline.Stage.
func (s *SearchStage) Name() string {
	return state.StageSearch
}

// CanProcess accepts DETAIL_COMPLETE, SEARCH_QUEUED, and SEARCH_ACTIVE.
func (s *SearchStage) CanProcess(ctx context.Context, item *storage.Item, tx *storage.Tx) bool {
	switch item.Status {
	case storage.StatusDetailComplete, storage.StatusSearchQueued, storage.StatusSearchActive:
		return true
	}
	return false
}

// Process runs the library probe and the progressive mirror search.
// Outcomes: SKIPPED_EXISTS (library already has it), SEARCH_COMPLETE
// (winner queued), or SEARCH_NO_RESULTS (nothing cleared the floor).
func (s *SearchStage) Process(ctx context.Context, item *storage.Item, tx *storage.Tx) (pipeline.Result, error) {
	if s.library != nil {
		existing, err := s.library.FindBestMatch(ctx, item.Title, item.Author, item.ISBN)
		if err != nil {
			slog.WarnContext(ctx, "library probe failed, continuing with search", "error", err)
		} else if existing != nil {
			slog.InfoContext(ctx, "item already in library",
				"title", item.Title,
				"library_id", existing.LibraryID)
			return pipeline.Result{Success: true, NextStatus: storage.StatusSkippedExists}, nil
		}
	}

	// Earlier runs may have left candidates behind; reuse them instead of
	// burning another search.
	existingCount, err := tx.CountSearchResults(ctx, item.ID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if existingCount == 0 {
		candidates, err := s.progressiveSearch(ctx, item)
		if err != nil {
			return pipeline.Result{}, err
		}
		if len(candidates) == 0 {
			return pipeline.Result{}, domerrors.NewResourceNotFoundError("mirror candidates for "+item.Title, nil)
		}
		if err := s.persistCandidates(ctx, tx, item, candidates); err != nil {
			return pipeline.Result{}, err
		}
	}

	queued, err := s.queueBestMatch(ctx, tx, item)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !queued {
		slog.InfoContext(ctx, "no candidate cleared the score floor",
			"title", item.Title,
			"min_score", s.minScore)
		return pipeline.Result{Success: true, NextStatus: storage.StatusSearchNoResults}, nil
	}
	return pipeline.Result{Success: true, NextStatus: storage.StatusSearchComplete}, nil
}

// NextState implements pipeline.Stage. Process always picks an explicit
// outcome on success; failures mean no results.
func (s *SearchStage) NextState(success bool) storage.Status {
	if success {
		return storage.StatusSearchComplete
	}
	return storage.StatusSearchNoResults
}

// progressiveSearch walks the strategies strictest first and stops at the
// first one that yields candidates.
func (s *SearchStage) progressiveSearch(ctx context.Context, item *storage.Item) ([]SearchCandidate, error) {
	queries := s.applicableQueries(item)
	var lastErr error
	for i, q := range queries {
		candidates, err := s.mirror.Search(ctx, q)
		if err != nil {
			var notFound *domerrors.ResourceNotFoundError
			if stderrors.As(err, &notFound) {
				continue
			}
			lastErr = err
			slog.WarnContext(ctx, "search strategy failed",
				"strategy", i+1,
				"error", err)
			continue
		}
		if len(candidates) > 0 {
			slog.InfoContext(ctx, "search strategy yielded candidates",
				"strategy", i+1,
				"count", len(candidates))
			return candidates, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// applicableQueries builds the strategy ladder: external-id exact, then
// title+author+publisher, title+author, title only.
func (s *SearchStage) applicableQueries(item *storage.Item) []SearchQuery {
	var queries []SearchQuery
	if item.ISBN != "" {
		queries = append(queries, SearchQuery{ISBN: item.ISBN, ExternalID: item.ISBN})
	}
	if item.Title != "" && item.Author != "" && item.Publisher != "" {
		queries = append(queries, SearchQuery{Title: item.Title, Author: item.Author, Publisher: item.Publisher})
	}
	if item.Title != "" && item.Author != "" {
		queries = append(queries, SearchQuery{Title: item.Title, Author: item.Author})
	}
	if item.Title != "" {
		queries = append(queries, SearchQuery{Title: item.Title})
	}
	return queries
}

func (s *SearchStage) persistCandidates(ctx context.Context, tx *storage.Tx, item *storage.Item, candidates []SearchCandidate) error {
	source := match.Source{
		Title:       item.Title,
		Author:      item.Author,
		Publisher:   item.Publisher,
		PublishDate: item.PublishDate,
		ISBN:        item.ISBN,
	}

	saved := 0
	for _, c := range candidates {
		score := match.Score(source, match.Candidate{
			Title:     c.Title,
			Authors:   c.Authors,
			Publisher: c.Publisher,
			Year:      c.Year,
			ISBN:      c.ISBN,
		})
		inserted, err := tx.UpsertSearchResult(ctx, &storage.SearchResult{
			ItemID:      item.ID,
			ExternalID:  c.ExternalID,
			Title:       c.Title,
			Authors:     c.Authors,
			Publisher:   c.Publisher,
			Year:        c.Year,
			Language:    c.Language,
			ISBN:        c.ISBN,
			Extension:   c.Extension,
			Size:        c.Size,
			URL:         c.URL,
			DownloadURL: c.DownloadURL,
			MatchScore:  score,
			IsAvailable: true,
			RawJSON:     c.RawJSON,
		})
		if err != nil {
			return err
		}
		if inserted {
			saved++
		}
	}
	slog.InfoContext(ctx, "persisted search candidates",
		"title", item.Title,
		"saved", saved,
		"total", len(candidates))
	return nil
}

// queueBestMatch picks the winner above the floor (format priority breaks
// near-ties) and inserts the download queue row. Returns false when no
// candidate qualifies.
func (s *SearchStage) queueBestMatch(ctx context.Context, tx *storage.Tx, item *storage.Item) (bool, error) {
	if entry, err := tx.GetQueueEntry(ctx, item.ID); err != nil {
		return false, err
	} else if entry != nil {
		return true, nil
	}

	qualifying, err := tx.ListQualifyingSearchResults(ctx, item.ID, s.minScore)
	if err != nil {
		return false, err
	}
	if len(qualifying) == 0 {
		return false, nil
	}

	scored := make([]match.Scored[*storage.SearchResult], len(qualifying))
	for i, sr := range qualifying {
		scored[i] = match.Scored[*storage.SearchResult]{Value: sr, Score: sr.MatchScore, Extension: sr.Extension}
	}
	winner, _ := match.PickBest(scored, match.NewFormatRank(s.formatRank))

	downloadURL := winner.Value.DownloadURL
	if downloadURL == "" {
		downloadURL = winner.Value.URL
	}
	if downloadURL == "" {
		return false, nil
	}

	_, err = tx.InsertQueueEntry(ctx, &storage.QueueEntry{
		ItemID:         item.ID,
		SearchResultID: winner.Value.ID,
		DownloadURL:    downloadURL,
		Priority:       int(math.Round(winner.Value.MatchScore * 100)),
	})
	if err != nil {
		return false, err
	}

	slog.InfoContext(ctx, "queued best match",
		"title", item.Title,
		"match_score", winner.Value.MatchScore,
		"extension", winner.Value.Extension)
	return true, nil
}
