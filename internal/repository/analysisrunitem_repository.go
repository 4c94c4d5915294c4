package repository

import (
	"context"
	"time"

	"marketpulse/internal/domain/entity"
)

// AnalysisRunItemRepository persists the per-item rows backing a run.
type AnalysisRunItemRepository interface {
	// BulkInsert populates analysis_run_items with one queued row per item,
	// called once at execute time.
	BulkInsert(ctx context.Context, runID int64, itemIDs []int64, at time.Time) error

	// ClaimQueued pulls up to limit queued rows for a run in id-ascending
	// order and CAS-transitions them to processing, returning the claimed
	// item ids. This is the dispatcher's per-pull primitive.
	ClaimQueued(ctx context.Context, runID int64, limit int) ([]int64, error)

	// UpdateState CAS-transitions one run-item and records its terminal
	// fields (tokens/cost/error) when applicable.
	UpdateState(ctx context.Context, runID, itemID int64, from, to entity.RunItemState, fields RunItemUpdate) error

	ListByRun(ctx context.Context, runID int64) ([]*entity.AnalysisRunItem, error)

	// CountByState returns counts per state for a run, used to decide the
	// terminal transition (completed vs failed) once all items finish.
	CountByState(ctx context.Context, runID int64) (map[entity.RunItemState]int, error)

	// SumCost returns the total cost_usd across all of a run's items. The
	// terminal transition does not use it; actual_cost_usd accrues through
	// the run's IncrementCounters calls.
	SumCost(ctx context.Context, runID int64) (float64, error)
}

// RunItemUpdate carries the optional terminal fields set alongside a
// run-item state transition.
type RunItemUpdate struct {
	TokensUsed   int
	CostUSD      float64
	ErrorMessage string
	At           time.Time
}
