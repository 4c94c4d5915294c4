package repository

import (
	"context"
	"time"

	"marketpulse/internal/domain/entity"
)

// AnalysisRunRepository persists AnalysisRun rows and the compare-and-set
// transition primitive the manager's centralized state machine depends on.
type AnalysisRunRepository interface {
	Create(ctx context.Context, r *entity.AnalysisRun) (int64, error)
	GetByID(ctx context.Context, id int64) (*entity.AnalysisRun, error)

	// Transition performs analysis_runs.transition(run_id, from_states,
	// to_state): a compare-and-set that only succeeds if the row's current
	// status is one of fromStates. Returns *entity.ConflictError if another
	// caller already moved the row out of fromStates.
	Transition(ctx context.Context, runID int64, fromStates []entity.RunStatus, toState entity.RunStatus, at time.Time) error

	// IncrementCounters atomically adds the given deltas to the run's
	// processed/failed counters and actual cost.
	IncrementCounters(ctx context.Context, runID int64, processedDelta, failedDelta int, costDelta float64) error

	SetLastError(ctx context.Context, runID int64, msg string) error

	ListByStatus(ctx context.Context, statuses []entity.RunStatus) ([]*entity.AnalysisRun, error)

	// CountRunningGlobal returns the number of runs currently holding a
	// global concurrency slot (status=running).
	CountRunningGlobal(ctx context.Context) (int, error)

	// CountSince returns the number of runs with created_at >= since,
	// optionally filtered to a trigger source, for the daily admission caps.
	CountSince(ctx context.Context, since time.Time, triggeredBy *entity.TriggerSource) (int, error)

	// ListWaiting returns queued runs ordered by confirmed_at ascending,
	// the FIFO admission waiting queue.
	ListWaiting(ctx context.Context) ([]*entity.AnalysisRun, error)
}
