package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/infra/analyzer"
	"marketpulse/internal/observability/metrics"
	"marketpulse/internal/usecase/analysisrun"
)

// processItem is the per-item worker algorithm: cooperative cancellation
// check, rate-limited provider call with retry/backoff on retryable
// failures, and a neutral fallback analysis once retries are exhausted.
func (p *Pool) processItem(ctx context.Context, run *entity.AnalysisRun, itemID int64, limiter *rate.Limiter) {
	item, err := p.Items.GetByID(ctx, itemID)
	if err != nil {
		slog.Error("worker: load item failed", slog.Int64("item_id", itemID), slog.Any("error", err))
		return
	}

	provider := p.providerFor(run.Params.ModelTag)
	in := analyzer.Input{Title: item.Title, Description: item.Description, Content: item.Content}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if stopped := p.checkCancellation(ctx, run.ID, itemID); stopped {
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			slog.Error("worker: rate limiter wait failed", slog.Int64("run_id", run.ID), slog.Any("error", err))
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, p.llmTimeout())
		callStart := time.Now()
		out, err := provider.Analyze(callCtx, in)
		cancel()
		metrics.RecordAnalysisDuration(time.Since(callStart))

		if err == nil {
			metrics.RecordItemAnalyzed(true)
			p.recordSuccess(ctx, run.ID, itemID, provider.ModelTag(), out)
			return
		}

		lastErr = err
		kind := analyzer.Classify(err)
		var classified *analyzer.Error
		if errors.As(err, &classified) {
			kind = classified.Kind
		}
		if !kind.Retryable() || attempt == maxAttempts {
			break
		}

		slog.Warn("worker: analysis attempt failed, retrying",
			slog.Int64("run_id", run.ID), slog.Int64("item_id", itemID),
			slog.Int("attempt", attempt), slog.String("kind", string(kind)))

		select {
		case <-time.After(retryBackoff[attempt-1]):
		case <-ctx.Done():
			return
		}
	}

	metrics.RecordItemAnalyzed(false)
	p.recordFallback(ctx, run.ID, itemID, provider.ModelTag(), lastErr)
}

// checkCancellation implements the spec's cooperative-cancellation rule:
// paused runs return their item to queued; cancelled runs mark it skipped.
// It reports whether the caller should stop processing this item.
func (p *Pool) checkCancellation(ctx context.Context, runID, itemID int64) bool {
	run, err := p.Runs.GetRun(ctx, runID)
	if err != nil {
		slog.Error("worker: get run failed", slog.Int64("run_id", runID), slog.Any("error", err))
		return true
	}
	if run.Status != entity.RunStatusPaused && run.Status != entity.RunStatusCancelled {
		return false
	}

	if err := p.Runs.RequeueCancelledOrPaused(ctx, runID, itemID, run.Status); err != nil {
		slog.Error("worker: requeue on cancellation failed",
			slog.Int64("run_id", runID), slog.Int64("item_id", itemID), slog.Any("error", err))
	}
	if run.Status == entity.RunStatusCancelled {
		p.forgetLimiter(runID)
	}
	return true
}

func (p *Pool) recordSuccess(ctx context.Context, runID, itemID int64, modelTag string, out analyzer.Output) {
	if err := p.Analyses.Upsert(ctx, &entity.ItemAnalysis{
		ItemID:    itemID,
		Sentiment: out.Sentiment,
		Impact:    out.Impact,
		ModelTag:  modelTag,
		UpdatedAt: time.Now(),
	}); err != nil {
		slog.Error("worker: upsert item analysis failed", slog.Int64("item_id", itemID), slog.Any("error", err))
		p.recordFallback(ctx, runID, itemID, modelTag, err)
		return
	}

	if err := p.Runs.RecordItemResult(ctx, runID, analysisrun.ItemOutcome{
		ItemID:     itemID,
		State:      entity.RunItemCompleted,
		TokensUsed: out.TokensUsed,
		CostUSD:    costForTokens(modelTag, out.TokensUsed),
	}); err != nil {
		slog.Error("worker: record item result failed", slog.Int64("run_id", runID), slog.Int64("item_id", itemID), slog.Any("error", err))
	}
}

// recordFallback writes a neutral analysis and marks the run-item failed,
// the §4.8 "exhausted retries" outcome: every item ends with either a real
// analysis or a neutral one, never silence.
func (p *Pool) recordFallback(ctx context.Context, runID, itemID int64, modelTag string, cause error) {
	errMsg := "unknown failure"
	if cause != nil {
		errMsg = cause.Error()
	}

	if err := p.Analyses.Upsert(ctx, &entity.ItemAnalysis{
		ItemID:    itemID,
		Sentiment: entity.NeutralSentiment(),
		Impact:    entity.NeutralImpact(),
		ModelTag:  modelTag,
		UpdatedAt: time.Now(),
	}); err != nil {
		slog.Error("worker: upsert fallback analysis failed", slog.Int64("item_id", itemID), slog.Any("error", err))
	}

	if err := p.Runs.RecordItemResult(ctx, runID, analysisrun.ItemOutcome{
		ItemID:       itemID,
		State:        entity.RunItemFailed,
		ErrorMessage: errMsg,
	}); err != nil {
		slog.Error("worker: record item result failed", slog.Int64("run_id", runID), slog.Int64("item_id", itemID), slog.Any("error", err))
	}
}

func (p *Pool) llmTimeout() time.Duration {
	if p.LLMTimeout <= 0 {
		return DefaultLLMTimeout
	}
	return p.LLMTimeout
}

// costForTokens prices a completed call for actual_cost_usd accounting,
// using the same per-model table AnalysisRunManager estimates with at
// preview time so estimate and actual stay on a consistent scale.
func costForTokens(modelTag string, tokensUsed int) float64 {
	const usdPer1kTokens = 0.003
	base, ok := analysisrun.DefaultModelPricing[modelTag]
	if !ok {
		base = 0
	}
	return base + float64(tokensUsed)/1000*usdPer1kTokens
}
