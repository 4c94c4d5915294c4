// Package pendingprocessor drains PendingAutoAnalysis jobs into real
// AnalysisRuns on a periodic sweep.
package pendingprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
	"marketpulse/internal/usecase/analysisrun"
)

// DefaultInterval is how often Sweep runs.
const DefaultInterval = 30 * time.Second

// dailyCapWindow mirrors autoanalysis.Bridge's rolling window for the
// per-feed re-check in step 3.
const dailyCapWindow = 24 * time.Hour

// RunManager is the subset of analysisrun.Manager the processor drives.
type RunManager interface {
	Preview(ctx context.Context, scope entity.RunScope, params entity.RunParams) (*analysisrun.PreviewResult, error)
	Confirm(ctx context.Context, runID int64) error
	Cancel(ctx context.Context, runID int64) error
}

// Processor implements spec §4.6: it converts batched PendingAutoAnalysis
// rows into AnalysisRuns, re-validating the per-feed conditions the bridge
// checked at enqueue time since they may have changed since.
type Processor struct {
	Pending repository.PendingAutoAnalysisRepository
	Feeds   repository.FeedRepository
	Runs    RunManager

	DailyCap      int
	RatePerSecond float64
	SweepLimit    int

	cron *cron.Cron
}

// New wires a Processor with spec defaults; override fields after
// construction if needed.
func New(pending repository.PendingAutoAnalysisRepository, feeds repository.FeedRepository, runs RunManager) *Processor {
	return &Processor{
		Pending:       pending,
		Feeds:         feeds,
		Runs:          runs,
		DailyCap:      10,
		RatePerSecond: 1.5,
		SweepLimit:    50,
	}
}

// Start runs Sweep once immediately, then on every tick, until ctx is
// cancelled. It blocks until shutdown completes.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.Sweep(ctx); err != nil {
		slog.Error("pendingprocessor: initial sweep failed", slog.Any("error", err))
	}

	p.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", DefaultInterval)
	if _, err := p.cron.AddFunc(spec, func() {
		if err := p.Sweep(ctx); err != nil {
			slog.Error("pendingprocessor: sweep failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("pendingprocessor: schedule tick: %w", err)
	}

	p.cron.Start()
	<-ctx.Done()
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// Sweep performs one pass of the six-step algorithm: expire stale rows,
// then drain pending rows oldest-first into AnalysisRuns.
func (p *Processor) Sweep(ctx context.Context) error {
	expired, err := p.Pending.ExpireOlderThan(ctx, time.Now().Add(-entity.PendingExpiry))
	if err != nil {
		return err
	}
	if expired > 0 {
		slog.Info("pendingprocessor: expired stale jobs", slog.Int("count", expired))
	}

	limit := p.SweepLimit
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.Pending.ListPending(ctx, limit)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := p.processOne(ctx, row); err != nil {
			slog.Error("pendingprocessor: process job failed", slog.Int64("pending_id", row.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (p *Processor) processOne(ctx context.Context, row *entity.PendingAutoAnalysis) error {
	ok, reason, err := p.recheck(ctx, row)
	if err != nil {
		return err
	}
	if !ok {
		return p.Pending.SetResult(ctx, row.ID, nil, entity.PendingStatusFailed, reason, time.Now())
	}

	if err := p.Pending.Transition(ctx, row.ID, entity.PendingStatusPending, entity.PendingStatusProcessing); err != nil {
		var conflict *entity.ConflictError
		if errors.As(err, &conflict) {
			// Another sweep (or a duplicate tick) already claimed it.
			return nil
		}
		return err
	}

	runID, err := p.createRun(ctx, row)
	if err != nil {
		if errors.Is(err, analysisrun.ErrCapacityExceeded) {
			// §4.6 step 5: revert to pending for the next sweep. The run
			// created by Preview is discarded first so a retry doesn't
			// accumulate a zombie queued run for the same item batch.
			return p.Pending.Transition(ctx, row.ID, entity.PendingStatusProcessing, entity.PendingStatusPending)
		}
		return err
	}

	return p.Pending.SetResult(ctx, row.ID, &runID, entity.PendingStatusCompleted, "", time.Now())
}

func (p *Processor) recheck(ctx context.Context, row *entity.PendingAutoAnalysis) (bool, string, error) {
	feed, err := p.Feeds.GetByID(ctx, row.FeedID)
	if err != nil {
		var notFound *entity.NotFoundError
		if errors.As(err, &notFound) {
			return false, "feed no longer exists", nil
		}
		return false, "", err
	}
	if !feed.AutoAnalyzeEnabled {
		return false, "auto_analyze_enabled was turned off after enqueue", nil
	}

	count, err := p.Pending.CountRecentForFeed(ctx, row.FeedID, time.Now().Add(-dailyCapWindow))
	if err != nil {
		return false, "", err
	}
	if count >= p.DailyCap {
		return false, "per-feed daily cap reached before sweep", nil
	}
	return true, "", nil
}

func (p *Processor) createRun(ctx context.Context, row *entity.PendingAutoAnalysis) (int64, error) {
	scope := entity.RunScope{Kind: entity.ScopeItems, ItemIDs: row.ItemIDs}
	params := entity.RunParams{
		ModelTag:      "auto_default",
		RatePerSecond: p.RatePerSecond,
		TriggeredBy:   entity.TriggeredAuto,
	}

	preview, err := p.Runs.Preview(ctx, scope, params)
	if err != nil {
		return 0, err
	}

	if err := p.Runs.Confirm(ctx, preview.RunID); err != nil {
		if errors.Is(err, analysisrun.ErrCapacityExceeded) {
			if cancelErr := p.Runs.Cancel(ctx, preview.RunID); cancelErr != nil {
				slog.Error("pendingprocessor: cancel run after capacity exceeded failed",
					slog.Int64("run_id", preview.RunID), slog.Any("error", cancelErr))
			}
			return 0, err
		}
		return 0, err
	}

	return preview.RunID, nil
}
