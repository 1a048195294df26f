// Package feeder seeds the pipeline: it pulls the external want-to-read
// list, inserts unseen entries as NEW items, and schedules their first
// detail task.
package feeder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shelfsync/shelfsync/internal/ctxutil"
	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/readlist"
	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/sliceutil"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
	"golang.org/x/sync/errgroup"
)

// ListSource provides the want-to-read list.
type ListSource interface {
	FetchList(ctx context.Context) ([]readlist.ListItem, error)
}

// Result summarizes one feed pass.
type Result struct {
	Fetched   int  `json:"fetched"`
	NewItems  int  `json:"new_items"`
	Scheduled int  `json:"scheduled"`
	AuthError bool `json:"auth_error,omitempty"`
}

// Feeder inserts list entries and schedules their first stage.
type Feeder struct {
	db        *storage.DB
	source    ListSource
	scheduler *scheduler.Scheduler
}

// New creates a feeder.
func New(db *storage.DB, source ListSource, sched *scheduler.Scheduler) *Feeder {
	return &Feeder{db: db, source: source, scheduler: sched}
}

// Sync fetches the list and seeds new items. An auth denial from the source
// is reported in the result, not returned as an error: existing items keep
// processing even when the list is unreachable.
func (f *Feeder) Sync(ctx context.Context) (Result, error) {
	ctx = ctxutil.WithRunID(ctx, uuid.NewString())

	var result Result
	entries, err := f.source.FetchList(ctx)
	if err != nil {
		if domerrors.IsAuthError(err) {
			slog.WarnContext(ctx, "list source denied access, continuing with known items", "error", err)
			result.AuthError = true
			return result, nil
		}
		return result, fmt.Errorf("fetch want-to-read list: %w", err)
	}

	entries = sliceutil.Deduplicate(entries, func(e readlist.ListItem) string { return e.ExternalID })
	result.Fetched = len(entries)

	// Inserts are serialized on the single writer; parallelism buys
	// nothing there. The errgroup bounds the follow-up scheduling calls,
	// which each re-read the item row.
	var newIDs []int64
	for _, entry := range entries {
		id, inserted, err := f.db.InsertItem(ctx, &storage.Item{
			ExternalID:  entry.ExternalID,
			SourceURL:   entry.SourceURL,
			Title:       entry.Title,
			Author:      entry.Author,
			Publisher:   entry.Publisher,
			PublishDate: entry.PubDate,
			CoverURL:    entry.CoverURL,
			Status:      storage.StatusNew,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to insert list entry",
				"external_id", entry.ExternalID,
				"error", err)
			continue
		}
		if inserted {
			slog.InfoContext(ctx, "new item discovered",
				"title", entry.Title,
				"external_id", entry.ExternalID)
			newIDs = append(newIDs, id)
		}
	}
	result.NewItems = len(newIDs)

	scheduled, err := f.scheduleDetail(ctx, newIDs)
	if err != nil {
		return result, err
	}
	result.Scheduled = scheduled

	slog.InfoContext(ctx, "feed pass finished",
		"fetched", result.Fetched,
		"new_items", result.NewItems,
		"scheduled", result.Scheduled)
	return result, nil
}

// ScheduleBacklog schedules detail tasks for every NEW item without one.
// Used by run-once to pick up items a previous run left behind.
func (f *Feeder) ScheduleBacklog(ctx context.Context) (int, error) {
	items, err := f.db.ListItemsByStatus(ctx, storage.StatusNew, 0)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return f.scheduleDetail(ctx, ids)
}

func (f *Feeder) scheduleDetail(ctx context.Context, itemIDs []int64) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	scheduled := make(chan struct{}, len(itemIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, id := range itemIDs {
		group.Go(func() error {
			if open, err := f.db.HasOpenTask(groupCtx, id, state.StageDetail); err != nil || open {
				return nil
			}
			if _, err := f.scheduler.Schedule(groupCtx, id, state.StageDetail, scheduler.Options{
				Priority: scheduler.PriorityNormal,
			}); err != nil {
				slog.WarnContext(groupCtx, "failed to schedule detail task",
					"item_id", id,
					"error", err)
				return nil
			}
			scheduled <- struct{}{}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return len(scheduled), err
	}
	return len(scheduled), nil
}

// RunPeriodically re-feeds on the given interval until the context ends.
func (f *Feeder) RunPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Sync(ctx); err != nil {
				slog.ErrorContext(ctx, "periodic feed failed", "error", err)
			}
		}
	}
}
