// Package scheduler decides when each feed is fetched and hands work to the
// fetch pipeline, bounded by a global concurrency cap.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/observability/metrics"
	"marketpulse/internal/repository"
)

// FetchPipeline performs one fetch attempt for one feed.
type FetchPipeline interface {
	Fetch(ctx context.Context, feed *entity.Feed) error
}

// DefaultInterval is how often the scheduler looks for due feeds.
const DefaultInterval = 60 * time.Second

// DefaultMaxConcurrentFeeds bounds global fetch parallelism.
const DefaultMaxConcurrentFeeds = 10

// Scheduler polls feeds.claim_due on a fixed tick and dispatches claimed
// feeds to the fetch pipeline, tracking in-flight feed ids so a slow fetch
// from one tick is excluded from the next tick's claim.
type Scheduler struct {
	feedRepo           repository.FeedRepository
	itemRepo           repository.ItemRepository
	pipeline           FetchPipeline
	interval           time.Duration
	maxConcurrentFeeds int

	mu       sync.Mutex
	inFlight map[int64]struct{}

	cron *cron.Cron
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithMaxConcurrentFeeds overrides DefaultMaxConcurrentFeeds.
func WithMaxConcurrentFeeds(n int) Option {
	return func(s *Scheduler) { s.maxConcurrentFeeds = n }
}

// WithItemRepository attaches an ItemRepository so each tick can refresh the
// items_total gauge alongside feeds_total. Optional: a nil itemRepo just
// skips that gauge update.
func WithItemRepository(itemRepo repository.ItemRepository) Option {
	return func(s *Scheduler) { s.itemRepo = itemRepo }
}

func New(feedRepo repository.FeedRepository, pipeline FetchPipeline, opts ...Option) *Scheduler {
	s := &Scheduler{
		feedRepo:           feedRepo,
		pipeline:           pipeline,
		interval:           DefaultInterval,
		maxConcurrentFeeds: DefaultMaxConcurrentFeeds,
		inFlight:           make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs RunOnce once immediately, then on every tick, until ctx is
// cancelled. It blocks until shutdown completes.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.RunOnce(ctx); err != nil {
		slog.Error("scheduler: initial run failed", slog.Any("error", err))
	}

	s.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.RunOnce(ctx); err != nil {
			slog.Error("scheduler: run failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("scheduler: schedule tick: %w", err)
	}

	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// RunOnce claims due feeds up to the remaining concurrency budget and
// dispatches each to the pipeline concurrently, waiting for all to finish
// before returning.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.updateTotals(ctx)

	limit, exclude := s.claimBudget()
	if limit <= 0 {
		return nil
	}

	feeds, err := s.feedRepo.ClaimDue(ctx, time.Now(), limit, exclude)
	if err != nil {
		return err
	}
	if len(feeds) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, feed := range feeds {
		s.markInFlight(feed.ID)
		wg.Add(1)
		go func(f *entity.Feed) {
			defer wg.Done()
			defer s.clearInFlight(f.ID)
			s.fetchOne(ctx, f)
		}(feed)
	}
	wg.Wait()
	return nil
}

// FetchNow bypasses the schedule check for one feed (an admin "fetch now"
// action) but still goes through the same concurrency accounting and
// pipeline call.
func (s *Scheduler) FetchNow(ctx context.Context, feed *entity.Feed) {
	s.markInFlight(feed.ID)
	defer s.clearInFlight(feed.ID)
	s.fetchOne(ctx, feed)
}

func (s *Scheduler) fetchOne(ctx context.Context, feed *entity.Feed) {
	start := time.Now()
	err := s.pipeline.Fetch(ctx, feed)
	metrics.RecordOperationDuration("feed_fetch", time.Since(start))
	if err != nil {
		slog.Error("scheduler: feed fetch failed",
			slog.Int64("feed_id", feed.ID), slog.String("url", feed.URL), slog.Any("error", err))
	}
}

// updateTotals refreshes the items_total/feeds_total gauges once per tick.
// Best-effort: a count failure is logged and doesn't block the claim/fetch
// cycle.
func (s *Scheduler) updateTotals(ctx context.Context) {
	if count, err := s.feedRepo.Count(ctx); err != nil {
		slog.Warn("scheduler: feed count failed", slog.Any("error", err))
	} else {
		metrics.UpdateFeedsTotal(count)
	}

	if s.itemRepo == nil {
		return
	}
	if count, err := s.itemRepo.CountAll(ctx); err != nil {
		slog.Warn("scheduler: item count failed", slog.Any("error", err))
	} else {
		metrics.UpdateItemsTotal(count)
	}
}

func (s *Scheduler) claimBudget() (limit int, exclude []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exclude = make([]int64, 0, len(s.inFlight))
	for id := range s.inFlight {
		exclude = append(exclude, id)
	}
	return s.maxConcurrentFeeds - len(s.inFlight), exclude
}

func (s *Scheduler) markInFlight(id int64) {
	s.mu.Lock()
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) clearInFlight(id int64) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}
