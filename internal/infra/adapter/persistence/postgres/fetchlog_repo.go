package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
)

// FetchLogRepo implements repository.FetchLogRepository against Postgres.
type FetchLogRepo struct {
	db *sql.DB
}

func NewFetchLogRepo(db *sql.DB) *FetchLogRepo {
	return &FetchLogRepo{db: db}
}

var _ repository.FetchLogRepository = (*FetchLogRepo)(nil)

func (r *FetchLogRepo) Create(ctx context.Context, log *entity.FetchLog) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO fetch_logs (feed_id, started_at, status)
VALUES ($1, $2, $3)
RETURNING id`, log.FeedID, log.StartedAt, log.Status).Scan(&id)
	if err != nil {
		return 0, classify("FetchLogRepo.Create", "fetch_log", strconv.FormatInt(log.FeedID, 10), err)
	}
	return id, nil
}

func (r *FetchLogRepo) Complete(ctx context.Context, id int64, log *entity.FetchLog) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE fetch_logs SET completed_at=$2, status=$3, items_found=$4, items_new=$5,
	items_dropped=$6, error_message=$7, response_time_ms=$8
WHERE id=$1`,
		id, log.CompletedAt, log.Status, log.ItemsFound, log.ItemsNew,
		log.ItemsDropped, log.ErrorMessage, log.ResponseTimeMS,
	)
	if err != nil {
		return classify("FetchLogRepo.Complete", "fetch_log", strconv.FormatInt(id, 10), err)
	}
	return nil
}

func (r *FetchLogRepo) ListByFeed(ctx context.Context, feedID int64, limit int) ([]*entity.FetchLog, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, feed_id, started_at, completed_at, status, items_found, items_new, items_dropped, error_message, response_time_ms
FROM fetch_logs WHERE feed_id = $1 ORDER BY started_at DESC LIMIT $2`, feedID, limit)
	if err != nil {
		return nil, classify("FetchLogRepo.ListByFeed", "fetch_log", "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.FetchLog
	for rows.Next() {
		var l entity.FetchLog
		var completedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.FeedID, &l.StartedAt, &completedAt, &l.Status,
			&l.ItemsFound, &l.ItemsNew, &l.ItemsDropped, &l.ErrorMessage, &l.ResponseTimeMS); err != nil {
			return nil, classify("FetchLogRepo.ListByFeed", "fetch_log", "", err)
		}
		if completedAt.Valid {
			l.CompletedAt = &completedAt.Time
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("FetchLogRepo.ListByFeed", "fetch_log", "", err)
	}
	return out, nil
}

func (r *FetchLogRepo) CountSince(ctx context.Context, feedID int64, since time.Time) (int, int, error) {
	var success, total int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FILTER (WHERE status = 'success'), COUNT(*)
FROM fetch_logs WHERE feed_id = $1 AND started_at >= $2`, feedID, since).Scan(&success, &total)
	if err != nil {
		return 0, 0, classify("FetchLogRepo.CountSince", "fetch_log", strconv.FormatInt(feedID, 10), err)
	}
	return success, total, nil
}
