package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/observability/metrics"
	"marketpulse/internal/repository"
	"marketpulse/internal/resilience/retry"
	"marketpulse/internal/usecase/events"
)

// ContentFetchConfig controls optional full-article enrichment for RSS
// entries whose body is too short to analyze well.
type ContentFetchConfig struct {
	Threshold int // minimum RSS content length before fetching full content
}

// DefaultContentThreshold matches the teacher's B-rated-feed enrichment
// cutoff.
const DefaultContentThreshold = 1500

// storeRetryDelays are the exponential backoff steps applied when a store
// call returns a TransientStoreError mid-fetch, per spec: 100ms, 500ms, 2s.
var storeRetryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Pipeline performs one fetch attempt for one feed: HTTP GET, parse, dedupe,
// persist, and health bookkeeping.
type Pipeline struct {
	Feeds      repository.FeedRepository
	Items      repository.ItemRepository
	FetchLogs  repository.FetchLogRepository
	FeedHealth repository.FeedHealthRepository
	Source     FeedSource
	Content    ContentFetcher // optional full-article enrichment
	Bus        *events.Bus

	contentConfig ContentFetchConfig
}

// NewPipeline wires the FetchPipeline. content may be nil to disable
// enrichment.
func NewPipeline(
	feeds repository.FeedRepository,
	items repository.ItemRepository,
	fetchLogs repository.FetchLogRepository,
	feedHealth repository.FeedHealthRepository,
	source FeedSource,
	content ContentFetcher,
	bus *events.Bus,
	cfg ContentFetchConfig,
) *Pipeline {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultContentThreshold
	}
	return &Pipeline{
		Feeds:         feeds,
		Items:         items,
		FetchLogs:     fetchLogs,
		FeedHealth:    feedHealth,
		Source:        source,
		Content:       content,
		Bus:           bus,
		contentConfig: cfg,
	}
}

// failureClass distinguishes how a fetch attempt failed so the caller can
// pick the right FetchLog status and backoff behavior.
type failureClass int

const (
	classSuccess failureClass = iota
	classRetryableFailure
	classClientFailure
	classParseFailure
)

const maxConsecutiveFailuresBeforeError = 10

// Fetch runs the full sequence described in spec §4.4 for one feed.
func (p *Pipeline) Fetch(ctx context.Context, feed *entity.Feed) error {
	startedAt := time.Now()
	logID, err := p.FetchLogs.Create(ctx, &entity.FetchLog{
		FeedID:    feed.ID,
		StartedAt: startedAt,
		Status:    entity.FetchStatusPending,
	})
	if err != nil {
		return fmt.Errorf("Fetch: create fetch log: %w", err)
	}

	cond := ConditionalGet{}
	health, err := p.loadHealth(ctx, feed.ID)
	if err != nil {
		return fmt.Errorf("Fetch: load health: %w", err)
	}

	result, fetchErr := p.Source.Fetch(ctx, feed.URL, cond)
	responseTime := time.Since(startedAt)

	class, classifyErr := classifyFetchError(fetchErr)
	if class == classSuccess && result.NotModified {
		return p.completeAttempt(ctx, feed, health, logID, startedAt, responseTime, entity.FetchStatusSuccess, 0, 0, 0, "", false)
	}

	if class == classRetryableFailure || class == classClientFailure {
		metrics.RecordFeedCrawlError(feed.ID, errorTypeLabel(class))
		return p.completeAttempt(ctx, feed, health, logID, startedAt, responseTime, entity.FetchStatusFailure, 0, 0, 0, classifyErr.Error(), class == classRetryableFailure)
	}

	itemsFound, itemsNew, itemsDropped, persistErr := p.persistEntries(ctx, feed.ID, result.Entries)

	status := entity.FetchStatusSuccess
	errMsg := ""
	if class == classParseFailure {
		status = entity.FetchStatusPartial
		errMsg = classifyErr.Error()
	}
	if persistErr != nil {
		return fmt.Errorf("Fetch: persist entries: %w", persistErr)
	}

	metrics.RecordFeedCrawl(feed.ID, responseTime, int64(itemsFound), int64(itemsNew), int64(itemsFound-itemsNew))
	return p.completeAttempt(ctx, feed, health, logID, startedAt, responseTime, status, itemsFound, itemsNew, itemsDropped, errMsg, false)
}

// classifyFetchError maps a FeedSource error to the spec's failure table.
func classifyFetchError(err error) (failureClass, error) {
	if err == nil {
		return classSuccess, nil
	}

	var httpErr *retry.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return classRetryableFailure, err
		}
		return classClientFailure, err
	}
	if retry.IsRetryable(err) {
		return classRetryableFailure, err
	}
	return classParseFailure, err
}

func errorTypeLabel(class failureClass) string {
	switch class {
	case classRetryableFailure:
		return "retryable"
	case classClientFailure:
		return "client_error"
	case classParseFailure:
		return "parse_error"
	default:
		return "unknown"
	}
}

// persistEntries dedupes and stores parsed entries, retrying transient store
// errors per entry up to three times with the spec's fixed backoff steps.
func (p *Pipeline) persistEntries(ctx context.Context, feedID int64, entries []ParsedEntry) (found, new_, dropped int, err error) {
	newItemIDs := make([]int64, 0, len(entries))
	for _, e := range entries {
		if e.Title == "" && e.Link == "" {
			dropped++
			continue
		}

		content := p.enhanceContent(ctx, e)
		hash := entity.ContentHash(feedID, e.GUID, e.Link, e.Title, e.PublishedAt)
		item := &entity.Item{
			FeedID:      feedID,
			Title:       e.Title,
			Link:        e.Link,
			Description: e.Description,
			Content:     content,
			Author:      e.Author,
			PublishedAt: e.PublishedAt,
			GUID:        e.GUID,
			ContentHash: hash,
		}

		result, upsertErr := p.upsertWithRetry(ctx, item)
		if upsertErr != nil {
			return found, new_, dropped, upsertErr
		}

		found++
		if result.Outcome == repository.UpsertInserted {
			new_++
			newItemIDs = append(newItemIDs, result.ID)
		}
	}

	if p.Bus != nil {
		p.Bus.Publish(ctx, entity.FeedFetched{FeedID: feedID, NewItemIDs: newItemIDs, FetchedAt: time.Now()})
	}
	return found, new_, dropped, nil
}

func (p *Pipeline) upsertWithRetry(ctx context.Context, item *entity.Item) (repository.UpsertResult, error) {
	var lastErr error
	for attempt := 0; attempt <= len(storeRetryDelays); attempt++ {
		result, err := p.Items.UpsertByContentHash(ctx, item)
		if err == nil {
			return result, nil
		}

		var transient *entity.TransientStoreError
		if !errors.As(err, &transient) {
			return repository.UpsertResult{}, err
		}
		lastErr = err
		if attempt < len(storeRetryDelays) {
			select {
			case <-time.After(storeRetryDelays[attempt]):
			case <-ctx.Done():
				return repository.UpsertResult{}, ctx.Err()
			}
		}
	}
	return repository.UpsertResult{}, lastErr
}

// enhanceContent fetches full article content when the RSS body is too
// short to analyze well. It never returns an error: on any failure it falls
// back to the RSS content.
func (p *Pipeline) enhanceContent(ctx context.Context, e ParsedEntry) string {
	if p.Content == nil || e.Link == "" {
		return e.Content
	}
	if len(e.Content) >= p.contentConfig.Threshold {
		metrics.RecordContentFetchSkipped()
		return e.Content
	}

	start := time.Now()
	full, err := p.Content.FetchContent(ctx, e.Link)
	if err != nil {
		metrics.RecordContentFetchFailed(time.Since(start))
		return e.Content
	}
	metrics.RecordContentFetchSuccess(time.Since(start), len(full))
	if len(full) <= len(e.Content) {
		return e.Content
	}
	return full
}

func (p *Pipeline) loadHealth(ctx context.Context, feedID int64) (*entity.FeedHealth, error) {
	h, err := p.FeedHealth.GetByFeedID(ctx, feedID)
	if err == nil {
		return h, nil
	}
	var notFound *entity.NotFoundError
	if errors.As(err, &notFound) {
		return &entity.FeedHealth{FeedID: feedID}, nil
	}
	return nil, err
}

func (p *Pipeline) completeAttempt(
	ctx context.Context,
	feed *entity.Feed,
	health *entity.FeedHealth,
	logID int64,
	startedAt time.Time,
	responseTime time.Duration,
	status entity.FetchStatus,
	itemsFound, itemsNew, itemsDropped int,
	errMsg string,
	applyBackoff bool,
) error {
	completedAt := time.Now()
	logErr := p.FetchLogs.Complete(ctx, logID, &entity.FetchLog{
		CompletedAt:    &completedAt,
		Status:         status,
		ItemsFound:     itemsFound,
		ItemsNew:       itemsNew,
		ItemsDropped:   itemsDropped,
		ErrorMessage:   errMsg,
		ResponseTimeMS: responseTime.Milliseconds(),
	})
	if logErr != nil {
		slog.Error("fetch: complete fetch log failed", slog.Int64("feed_id", feed.ID), slog.Any("error", logErr))
	}

	success := status == entity.FetchStatusSuccess || status == entity.FetchStatusPartial
	health.RecordAttempt(success, responseTime.Milliseconds(), completedAt)
	if healthErr := p.FeedHealth.Upsert(ctx, health); healthErr != nil {
		slog.Error("fetch: update feed health failed", slog.Int64("feed_id", feed.ID), slog.Any("error", healthErr))
	}

	if status == entity.FetchStatusFailure && health.ConsecutiveFailures >= maxConsecutiveFailuresBeforeError && feed.Status == entity.FeedStatusActive {
		if setErr := p.Feeds.SetStatus(ctx, feed.ID, entity.FeedStatusError); setErr != nil {
			slog.Error("fetch: mark feed error failed", slog.Int64("feed_id", feed.ID), slog.Any("error", setErr))
		}
	}

	// Only network/5xx/timeout failures push next_fetch_at further out.
	// HTTP 4xx (except 429) still schedules at the normal interval already
	// set by ClaimDue.
	if applyBackoff {
		feed.NextFetchAt = completedAt.Add(feed.Backoff(health.ConsecutiveFailures))
		if updErr := p.Feeds.Update(ctx, feed); updErr != nil {
			slog.Error("fetch: backoff update failed", slog.Int64("feed_id", feed.ID), slog.Any("error", updErr))
		}
	}

	if logErr != nil {
		return fmt.Errorf("Fetch: %w", logErr)
	}
	return nil
}
