package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/lib/pq"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
)

// PendingAutoAnalysisRepo implements repository.PendingAutoAnalysisRepository.
type PendingAutoAnalysisRepo struct {
	db *sql.DB
}

func NewPendingAutoAnalysisRepo(db *sql.DB) *PendingAutoAnalysisRepo {
	return &PendingAutoAnalysisRepo{db: db}
}

var _ repository.PendingAutoAnalysisRepository = (*PendingAutoAnalysisRepo)(nil)

func (r *PendingAutoAnalysisRepo) Create(ctx context.Context, p *entity.PendingAutoAnalysis) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO pending_auto_analysis (feed_id, item_ids, status, created_at)
VALUES ($1, $2, $3, $4)
RETURNING id`,
		p.FeedID, pq.Array(p.ItemIDs), p.Status, p.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, classify("PendingAutoAnalysisRepo.Create", "pending_auto_analysis", strconv.FormatInt(p.FeedID, 10), err)
	}
	return id, nil
}

func scanPendingAutoAnalysis(row interface{ Scan(dest ...interface{}) error }) (*entity.PendingAutoAnalysis, error) {
	var p entity.PendingAutoAnalysis
	var itemIDs pq.Int64Array
	var processedAt sql.NullTime
	var analysisRunID sql.NullInt64
	var errMsg sql.NullString

	err := row.Scan(&p.ID, &p.FeedID, &itemIDs, &p.Status, &p.CreatedAt, &processedAt, &analysisRunID, &errMsg)
	if err != nil {
		return nil, err
	}
	p.ItemIDs = []int64(itemIDs)
	if processedAt.Valid {
		p.ProcessedAt = &processedAt.Time
	}
	if analysisRunID.Valid {
		p.AnalysisRunID = &analysisRunID.Int64
	}
	p.ErrorMessage = errMsg.String
	return &p, nil
}

const pendingAutoAnalysisColumns = `id, feed_id, item_ids, status, created_at, processed_at, analysis_run_id, error_message`

func (r *PendingAutoAnalysisRepo) GetByID(ctx context.Context, id int64) (*entity.PendingAutoAnalysis, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pendingAutoAnalysisColumns+` FROM pending_auto_analysis WHERE id = $1`, id)
	p, err := scanPendingAutoAnalysis(row)
	if err != nil {
		return nil, classify("PendingAutoAnalysisRepo.GetByID", "pending_auto_analysis", strconv.FormatInt(id, 10), err)
	}
	return p, nil
}

func (r *PendingAutoAnalysisRepo) ListPending(ctx context.Context, limit int) ([]*entity.PendingAutoAnalysis, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+pendingAutoAnalysisColumns+` FROM pending_auto_analysis
WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, entity.PendingStatusPending, limit)
	if err != nil {
		return nil, classify("PendingAutoAnalysisRepo.ListPending", "pending_auto_analysis", "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.PendingAutoAnalysis
	for rows.Next() {
		p, err := scanPendingAutoAnalysis(rows)
		if err != nil {
			return nil, classify("PendingAutoAnalysisRepo.ListPending", "pending_auto_analysis", "", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("PendingAutoAnalysisRepo.ListPending", "pending_auto_analysis", "", err)
	}
	return out, nil
}

func (r *PendingAutoAnalysisRepo) Transition(ctx context.Context, id int64, from, to entity.PendingAutoAnalysisStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE pending_auto_analysis SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return classify("PendingAutoAnalysisRepo.Transition", "pending_auto_analysis", strconv.FormatInt(id, 10), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("PendingAutoAnalysisRepo.Transition", "pending_auto_analysis", strconv.FormatInt(id, 10), err)
	}
	if n == 0 {
		return &entity.ConflictError{Resource: "pending_auto_analysis", Key: strconv.FormatInt(id, 10)}
	}
	return nil
}

func (r *PendingAutoAnalysisRepo) SetResult(ctx context.Context, id int64, runID *int64, status entity.PendingAutoAnalysisStatus, errMsg string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE pending_auto_analysis
SET status = $2, analysis_run_id = $3, error_message = $4, processed_at = $5
WHERE id = $1`, id, status, runID, errMsg, at)
	if err != nil {
		return classify("PendingAutoAnalysisRepo.SetResult", "pending_auto_analysis", strconv.FormatInt(id, 10), err)
	}
	return nil
}

func (r *PendingAutoAnalysisRepo) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE pending_auto_analysis SET status = $1 WHERE status = $2 AND created_at < $3`,
		entity.PendingStatusExpired, entity.PendingStatusPending, cutoff)
	if err != nil {
		return 0, classify("PendingAutoAnalysisRepo.ExpireOlderThan", "pending_auto_analysis", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("PendingAutoAnalysisRepo.ExpireOlderThan", "pending_auto_analysis", "", err)
	}
	return int(n), nil
}

// CountRecentForFeed counts only pending and completed jobs, deliberately
// excluding failed/expired per the per-feed daily cap's pending+completed
// convention.
func (r *PendingAutoAnalysisRepo) CountRecentForFeed(ctx context.Context, feedID int64, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM pending_auto_analysis
WHERE feed_id = $1 AND created_at >= $2 AND status = ANY($3)`,
		feedID, since, pq.Array([]string{string(entity.PendingStatusPending), string(entity.PendingStatusCompleted)}),
	).Scan(&n)
	if err != nil {
		return 0, classify("PendingAutoAnalysisRepo.CountRecentForFeed", "pending_auto_analysis", strconv.FormatInt(feedID, 10), err)
	}
	return n, nil
}
