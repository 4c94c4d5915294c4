// Package autoanalysis translates FetchPipeline's FeedFetched events into
// batched PendingAutoAnalysis jobs.
package autoanalysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
	"marketpulse/internal/usecase/events"
)

// DefaultPerFeedDailyCap bounds how many auto-analysis jobs one feed may
// trigger in a rolling 24h window.
const DefaultPerFeedDailyCap = 10

// DefaultMaxItemsPerJob is the batch size cap for one PendingAutoAnalysis row.
const DefaultMaxItemsPerJob = 50

// dailyCapWindow is the rolling window CountRecentForFeed checks against.
const dailyCapWindow = 24 * time.Hour

// Bridge subscribes to FeedFetched and turns eligible new items into
// PendingAutoAnalysis rows, one per batch of at most MaxItemsPerJob items.
type Bridge struct {
	Feeds    repository.FeedRepository
	Pending  repository.PendingAutoAnalysisRepository
	DailyCap int
	BatchMax int
}

// New wires a Bridge with spec defaults; override DailyCap/BatchMax after
// construction if needed.
func New(feeds repository.FeedRepository, pending repository.PendingAutoAnalysisRepository) *Bridge {
	return &Bridge{
		Feeds:    feeds,
		Pending:  pending,
		DailyCap: DefaultPerFeedDailyCap,
		BatchMax: DefaultMaxItemsPerJob,
	}
}

// Subscribe registers the bridge's handler on bus. Call once at startup.
func (b *Bridge) Subscribe(bus *events.Bus) {
	events.Subscribe(bus, b.handle)
}

func (b *Bridge) handle(ctx context.Context, e entity.FeedFetched) {
	if err := b.HandleFeedFetched(ctx, e); err != nil {
		slog.Error("autoanalysis: handle FeedFetched failed", slog.Int64("feed_id", e.FeedID), slog.Any("error", err))
	}
}

// HandleFeedFetched implements spec §4.5's dispatch rule, exported so tests
// (and a synchronous caller, if ever needed) don't have to go through the
// event bus.
func (b *Bridge) HandleFeedFetched(ctx context.Context, e entity.FeedFetched) error {
	if len(e.NewItemIDs) == 0 {
		return nil
	}

	feed, err := b.Feeds.GetByID(ctx, e.FeedID)
	if err != nil {
		var notFound *entity.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if !feed.AutoAnalyzeEnabled {
		return nil
	}

	count, err := b.Pending.CountRecentForFeed(ctx, e.FeedID, time.Now().Add(-dailyCapWindow))
	if err != nil {
		return err
	}
	if count >= b.DailyCap {
		slog.Warn("autoanalysis: per-feed daily cap reached, discarding",
			slog.Int64("feed_id", e.FeedID), slog.Int("count", count), slog.Int("cap", b.DailyCap))
		return nil
	}

	for _, batch := range batchIDs(e.NewItemIDs, b.BatchMax) {
		if _, err := b.Pending.Create(ctx, &entity.PendingAutoAnalysis{
			FeedID:    e.FeedID,
			ItemIDs:   batch,
			Status:    entity.PendingStatusPending,
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func batchIDs(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = DefaultMaxItemsPerJob
	}
	batches := make([][]int64, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}
	return batches
}
