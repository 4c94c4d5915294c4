package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
)

// AnalysisRunRepo implements repository.AnalysisRunRepository against Postgres.
type AnalysisRunRepo struct {
	db *sql.DB
}

func NewAnalysisRunRepo(db *sql.DB) *AnalysisRunRepo {
	return &AnalysisRunRepo{db: db}
}

var _ repository.AnalysisRunRepository = (*AnalysisRunRepo)(nil)

func (r *AnalysisRunRepo) Create(ctx context.Context, run *entity.AnalysisRun) (int64, error) {
	var rangeStart, rangeEnd *time.Time
	if run.Scope.Kind == entity.ScopeTimeRange {
		rangeStart, rangeEnd = &run.Scope.RangeStart, &run.Scope.RangeEnd
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO analysis_runs (
	status, scope_kind, scope_feed_ids, scope_item_ids, scope_range_start, scope_range_end,
	model_tag, rate_per_second, item_limit, override_existing, triggered_by,
	cost_estimate_usd, queued_count
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING id`,
		run.Status, run.Scope.Kind, pq.Array(run.Scope.FeedIDs), pq.Array(run.Scope.ItemIDs),
		rangeStart, rangeEnd, run.Params.ModelTag, run.Params.RatePerSecond, run.Params.Limit,
		run.Params.OverrideExisting, run.Params.TriggeredBy, run.CostEstimateUSD, run.QueuedCount,
	).Scan(&id)
	if err != nil {
		return 0, classify("AnalysisRunRepo.Create", "analysis_run", "", err)
	}
	return id, nil
}

const analysisRunColumns = `
id, status, scope_kind, scope_feed_ids, scope_item_ids, scope_range_start, scope_range_end,
model_tag, rate_per_second, item_limit, override_existing, triggered_by,
queued_count, processed_count, failed_count, cost_estimate_usd, actual_cost_usd,
created_at, confirmed_at, started_at, completed_at, last_error`

func scanAnalysisRun(row interface{ Scan(dest ...interface{}) error }) (*entity.AnalysisRun, error) {
	var run entity.AnalysisRun
	var feedIDs, itemIDs pq.Int64Array
	var rangeStart, rangeEnd, confirmedAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.Status, &run.Scope.Kind, &feedIDs, &itemIDs, &rangeStart, &rangeEnd,
		&run.Params.ModelTag, &run.Params.RatePerSecond, &run.Params.Limit,
		&run.Params.OverrideExisting, &run.Params.TriggeredBy,
		&run.QueuedCount, &run.ProcessedCount, &run.FailedCount, &run.CostEstimateUSD, &run.ActualCostUSD,
		&run.CreatedAt, &confirmedAt, &startedAt, &completedAt, &run.LastError,
	)
	if err != nil {
		return nil, err
	}

	run.Scope.FeedIDs = []int64(feedIDs)
	run.Scope.ItemIDs = []int64(itemIDs)
	if rangeStart.Valid {
		run.Scope.RangeStart = rangeStart.Time
	}
	if rangeEnd.Valid {
		run.Scope.RangeEnd = rangeEnd.Time
	}
	if confirmedAt.Valid {
		run.ConfirmedAt = &confirmedAt.Time
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.TriggeredBy = run.Params.TriggeredBy
	return &run, nil
}

func (r *AnalysisRunRepo) GetByID(ctx context.Context, id int64) (*entity.AnalysisRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+analysisRunColumns+` FROM analysis_runs WHERE id = $1`, id)
	run, err := scanAnalysisRun(row)
	if err != nil {
		return nil, classify("AnalysisRunRepo.GetByID", "analysis_run", strconv.FormatInt(id, 10), err)
	}
	return run, nil
}

// Transition implements analysis_runs.transition(run_id, from_states,
// to_state): a single UPDATE ... WHERE status = ANY(fromStates) statement.
// Zero rows affected means the CAS lost the race, surfaced as ConflictError
// so the manager's centralized state machine can react (re-fetch, retry, or
// give up) instead of silently believing the transition happened.
func (r *AnalysisRunRepo) Transition(ctx context.Context, runID int64, fromStates []entity.RunStatus, toState entity.RunStatus, at time.Time) error {
	fromStrs := make([]string, len(fromStates))
	for i, s := range fromStates {
		fromStrs[i] = string(s)
	}

	timeCol := timestampColumnFor(toState)
	var query string
	if timeCol != "" {
		query = fmt.Sprintf(`UPDATE analysis_runs SET status=$1, %s=$2 WHERE id=$3 AND status = ANY($4)`, timeCol)
	} else {
		query = `UPDATE analysis_runs SET status=$1 WHERE id=$3 AND status = ANY($4)`
	}

	var res sql.Result
	var err error
	if timeCol != "" {
		res, err = r.db.ExecContext(ctx, query, toState, at, runID, pq.Array(fromStrs))
	} else {
		res, err = r.db.ExecContext(ctx, query, toState, nil, runID, pq.Array(fromStrs))
	}
	if err != nil {
		return classify("AnalysisRunRepo.Transition", "analysis_run", strconv.FormatInt(runID, 10), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("AnalysisRunRepo.Transition", "analysis_run", strconv.FormatInt(runID, 10), err)
	}
	if n == 0 {
		return &entity.ConflictError{Resource: "analysis_run", Key: strconv.FormatInt(runID, 10)}
	}
	return nil
}

func timestampColumnFor(status entity.RunStatus) string {
	switch status {
	case entity.RunStatusQueued:
		return "confirmed_at"
	case entity.RunStatusRunning:
		return "started_at"
	case entity.RunStatusCompleted, entity.RunStatusFailed, entity.RunStatusCancelled:
		return "completed_at"
	default:
		return ""
	}
}

func (r *AnalysisRunRepo) IncrementCounters(ctx context.Context, runID int64, processedDelta, failedDelta int, costDelta float64) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE analysis_runs
SET processed_count = processed_count + $2, failed_count = failed_count + $3, actual_cost_usd = actual_cost_usd + $4
WHERE id = $1`, runID, processedDelta, failedDelta, costDelta)
	if err != nil {
		return classify("AnalysisRunRepo.IncrementCounters", "analysis_run", strconv.FormatInt(runID, 10), err)
	}
	return nil
}

func (r *AnalysisRunRepo) SetLastError(ctx context.Context, runID int64, msg string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE analysis_runs SET last_error = $2 WHERE id = $1`, runID, msg)
	if err != nil {
		return classify("AnalysisRunRepo.SetLastError", "analysis_run", strconv.FormatInt(runID, 10), err)
	}
	return nil
}

func (r *AnalysisRunRepo) ListByStatus(ctx context.Context, statuses []entity.RunStatus) ([]*entity.AnalysisRun, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+analysisRunColumns+` FROM analysis_runs WHERE status = ANY($1) ORDER BY created_at ASC`, pq.Array(strs))
	if err != nil {
		return nil, classify("AnalysisRunRepo.ListByStatus", "analysis_run", "", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

func (r *AnalysisRunRepo) ListWaiting(ctx context.Context) ([]*entity.AnalysisRun, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+analysisRunColumns+` FROM analysis_runs WHERE status = $1 ORDER BY confirmed_at ASC`, entity.RunStatusQueued)
	if err != nil {
		return nil, classify("AnalysisRunRepo.ListWaiting", "analysis_run", "", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*entity.AnalysisRun, error) {
	var out []*entity.AnalysisRun
	for rows.Next() {
		run, err := scanAnalysisRun(rows)
		if err != nil {
			return nil, classify("AnalysisRunRepo.scan", "analysis_run", "", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("AnalysisRunRepo.scan", "analysis_run", "", err)
	}
	return out, nil
}

func (r *AnalysisRunRepo) CountRunningGlobal(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_runs WHERE status = $1`, entity.RunStatusRunning).Scan(&n)
	if err != nil {
		return 0, classify("AnalysisRunRepo.CountRunningGlobal", "analysis_run", "", err)
	}
	return n, nil
}

// CountSince counts runs with created_at >= since that are pending,
// queued, running, paused, or completed (terminal failures/cancellations do not
// consume the daily budget), matching the pending+completed
// convention the spec commits to for auto-analysis admission.
func (r *AnalysisRunRepo) CountSince(ctx context.Context, since time.Time, triggeredBy *entity.TriggerSource) (int, error) {
	statuses := []string{
		string(entity.RunStatusPending), string(entity.RunStatusQueued),
		string(entity.RunStatusRunning), string(entity.RunStatusPaused), string(entity.RunStatusCompleted),
	}
	var n int
	var err error
	if triggeredBy != nil {
		err = r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM analysis_runs
WHERE created_at >= $1 AND status = ANY($2) AND triggered_by = $3`,
			since, pq.Array(statuses), *triggeredBy).Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM analysis_runs WHERE created_at >= $1 AND status = ANY($2)`,
			since, pq.Array(statuses)).Scan(&n)
	}
	if err != nil {
		return 0, classify("AnalysisRunRepo.CountSince", "analysis_run", "", err)
	}
	return n, nil
}
