package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
)

// AnalysisRunItemRepo implements repository.AnalysisRunItemRepository.
type AnalysisRunItemRepo struct {
	db *sql.DB
}

func NewAnalysisRunItemRepo(db *sql.DB) *AnalysisRunItemRepo {
	return &AnalysisRunItemRepo{db: db}
}

var _ repository.AnalysisRunItemRepository = (*AnalysisRunItemRepo)(nil)

func (r *AnalysisRunItemRepo) BulkInsert(ctx context.Context, runID int64, itemIDs []int64, at time.Time) error {
	if len(itemIDs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO analysis_run_items (run_id, item_id, state, queued_at) VALUES `)
	args := make([]interface{}, 0, len(itemIDs)*4)
	for i, itemID := range itemIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, runID, itemID, entity.RunItemQueued, at)
	}
	sb.WriteString(` ON CONFLICT (run_id, item_id) DO NOTHING`)

	_, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return classify("AnalysisRunItemRepo.BulkInsert", "analysis_run_item", strconv.FormatInt(runID, 10), err)
	}
	return nil
}

// ClaimQueued pulls up to limit queued rows in id-ascending order and
// CAS-transitions them to processing in one statement, mirroring the
// FeedRepo.ClaimDue pattern: the UPDATE...FROM...RETURNING shape makes the
// select-then-claim atomic without an explicit transaction.
func (r *AnalysisRunItemRepo) ClaimQueued(ctx context.Context, runID int64, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
WITH claimed AS (
	SELECT item_id FROM analysis_run_items
	WHERE run_id = $1 AND state = $2
	ORDER BY item_id ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE analysis_run_items ari
SET state = $4, started_at = now()
FROM claimed
WHERE ari.run_id = $1 AND ari.item_id = claimed.item_id
RETURNING ari.item_id`, runID, entity.RunItemQueued, limit, entity.RunItemProcessing)
	if err != nil {
		return nil, classify("AnalysisRunItemRepo.ClaimQueued", "analysis_run_item", strconv.FormatInt(runID, 10), err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify("AnalysisRunItemRepo.ClaimQueued", "analysis_run_item", strconv.FormatInt(runID, 10), err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("AnalysisRunItemRepo.ClaimQueued", "analysis_run_item", strconv.FormatInt(runID, 10), err)
	}
	return out, nil
}

func (r *AnalysisRunItemRepo) UpdateState(ctx context.Context, runID, itemID int64, from, to entity.RunItemState, fields repository.RunItemUpdate) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE analysis_run_items
SET state=$4, completed_at=$5, tokens_used=$6, cost_usd=$7, error_message=$8
WHERE run_id=$1 AND item_id=$2 AND state=$3`,
		runID, itemID, from, to, fields.At, fields.TokensUsed, fields.CostUSD, fields.ErrorMessage,
	)
	if err != nil {
		return classify("AnalysisRunItemRepo.UpdateState", "analysis_run_item", strconv.FormatInt(itemID, 10), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("AnalysisRunItemRepo.UpdateState", "analysis_run_item", strconv.FormatInt(itemID, 10), err)
	}
	if n == 0 {
		return &entity.ConflictError{Resource: "analysis_run_item", Key: fmt.Sprintf("%d/%d", runID, itemID)}
	}
	return nil
}

func (r *AnalysisRunItemRepo) ListByRun(ctx context.Context, runID int64) ([]*entity.AnalysisRunItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT run_id, item_id, state, queued_at, started_at, completed_at, tokens_used, cost_usd, error_message
FROM analysis_run_items WHERE run_id = $1 ORDER BY item_id ASC`, runID)
	if err != nil {
		return nil, classify("AnalysisRunItemRepo.ListByRun", "analysis_run_item", strconv.FormatInt(runID, 10), err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.AnalysisRunItem
	for rows.Next() {
		var it entity.AnalysisRunItem
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&it.RunID, &it.ItemID, &it.State, &it.QueuedAt, &startedAt, &completedAt,
			&it.TokensUsed, &it.CostUSD, &it.ErrorMessage); err != nil {
			return nil, classify("AnalysisRunItemRepo.ListByRun", "analysis_run_item", strconv.FormatInt(runID, 10), err)
		}
		if startedAt.Valid {
			it.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			it.CompletedAt = &completedAt.Time
		}
		out = append(out, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("AnalysisRunItemRepo.ListByRun", "analysis_run_item", strconv.FormatInt(runID, 10), err)
	}
	return out, nil
}

func (r *AnalysisRunItemRepo) CountByState(ctx context.Context, runID int64) (map[entity.RunItemState]int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT state, COUNT(*) FROM analysis_run_items WHERE run_id = $1 GROUP BY state`, runID)
	if err != nil {
		return nil, classify("AnalysisRunItemRepo.CountByState", "analysis_run_item", strconv.FormatInt(runID, 10), err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[entity.RunItemState]int)
	for rows.Next() {
		var state entity.RunItemState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, classify("AnalysisRunItemRepo.CountByState", "analysis_run_item", strconv.FormatInt(runID, 10), err)
		}
		out[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("AnalysisRunItemRepo.CountByState", "analysis_run_item", strconv.FormatInt(runID, 10), err)
	}
	return out, nil
}

func (r *AnalysisRunItemRepo) SumCost(ctx context.Context, runID int64) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
SELECT SUM(cost_usd) FROM analysis_run_items WHERE run_id = $1`, runID).Scan(&total)
	if err != nil {
		return 0, classify("AnalysisRunItemRepo.SumCost", "analysis_run_item", strconv.FormatInt(runID, 10), err)
	}
	return total.Float64, nil
}
