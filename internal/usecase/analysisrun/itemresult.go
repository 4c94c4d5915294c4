package analysisrun

import (
	"context"
	"errors"
	"time"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
)

// ItemOutcome is the terminal state a worker reports for one run-item.
type ItemOutcome struct {
	ItemID       int64
	State        entity.RunItemState // Completed, Failed, or Skipped
	TokensUsed   int
	CostUSD      float64
	ErrorMessage string
}

// RecordItemResult CAS-transitions one run-item from processing to its
// terminal state, updates the run's counters, and — once every item in the
// run is terminal — performs the run's own terminal transition per the
// spec's "failed iff every item failed, else completed" rule.
func (m *Manager) RecordItemResult(ctx context.Context, runID int64, outcome ItemOutcome) error {
	now := time.Now()
	if err := m.RunItems.UpdateState(ctx, runID, outcome.ItemID, entity.RunItemProcessing, outcome.State, repository.RunItemUpdate{
		TokensUsed:   outcome.TokensUsed,
		CostUSD:      outcome.CostUSD,
		ErrorMessage: outcome.ErrorMessage,
		At:           now,
	}); err != nil {
		return err
	}

	failedDelta, processedDelta := 0, 0
	if outcome.State == entity.RunItemFailed {
		failedDelta = 1
	} else {
		processedDelta = 1
	}
	if err := m.Runs.IncrementCounters(ctx, runID, processedDelta, failedDelta, outcome.CostUSD); err != nil {
		return err
	}
	if outcome.State == entity.RunItemFailed && outcome.ErrorMessage != "" {
		if err := m.Runs.SetLastError(ctx, runID, outcome.ErrorMessage); err != nil {
			return err
		}
	}

	return m.maybeFinish(ctx, runID)
}

// RequeueCancelledOrPaused is the worker's cooperative-cancellation path:
// an item claimed while its run was paused goes back to queued; an item
// claimed while its run was cancelled is marked skipped.
func (m *Manager) RequeueCancelledOrPaused(ctx context.Context, runID, itemID int64, runStatus entity.RunStatus) error {
	now := time.Now()
	switch runStatus {
	case entity.RunStatusPaused:
		return m.RunItems.UpdateState(ctx, runID, itemID, entity.RunItemProcessing, entity.RunItemQueued, repository.RunItemUpdate{At: now})
	case entity.RunStatusCancelled:
		if err := m.RunItems.UpdateState(ctx, runID, itemID, entity.RunItemProcessing, entity.RunItemSkipped, repository.RunItemUpdate{At: now}); err != nil {
			return err
		}
		return m.maybeFinish(ctx, runID)
	default:
		return nil
	}
}

func (m *Manager) maybeFinish(ctx context.Context, runID int64) error {
	counts, err := m.RunItems.CountByState(ctx, runID)
	if err != nil {
		return err
	}

	total := 0
	terminal := 0
	for state, n := range counts {
		total += n
		if entity.IsTerminalRunItemState(state) {
			terminal += n
		}
	}
	if total == 0 || terminal < total {
		return nil
	}

	final := entity.RunStatusCompleted
	if counts[entity.RunItemFailed] == total {
		final = entity.RunStatusFailed
	}

	now := time.Now()
	if err := m.Runs.Transition(ctx, runID, []entity.RunStatus{entity.RunStatusRunning}, final, now); err != nil {
		var conflict *entity.ConflictError
		if errors.As(err, &conflict) {
			// Already moved out of running (e.g. cancelled concurrently); not our call to make.
			return nil
		}
		return err
	}
	m.publish(ctx, entity.RunStatusRunning, final, runID, now)
	m.AdmitWaiting(ctx)
	return nil
}
