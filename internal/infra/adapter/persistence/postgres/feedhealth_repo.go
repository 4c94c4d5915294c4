package postgres

import (
	"context"
	"database/sql"
	"strconv"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
)

// FeedHealthRepo implements repository.FeedHealthRepository against Postgres.
type FeedHealthRepo struct {
	db *sql.DB
}

func NewFeedHealthRepo(db *sql.DB) *FeedHealthRepo {
	return &FeedHealthRepo{db: db}
}

var _ repository.FeedHealthRepository = (*FeedHealthRepo)(nil)

func (r *FeedHealthRepo) EnsureExists(ctx context.Context, feedID int64) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO feed_health (feed_id) VALUES ($1)
ON CONFLICT (feed_id) DO NOTHING`, feedID)
	if err != nil {
		return classify("FeedHealthRepo.EnsureExists", "feed_health", strconv.FormatInt(feedID, 10), err)
	}
	return nil
}

func (r *FeedHealthRepo) GetByFeedID(ctx context.Context, feedID int64) (*entity.FeedHealth, error) {
	var h entity.FeedHealth
	var lastSuccess, lastFailure sql.NullTime
	err := r.db.QueryRowContext(ctx, `
SELECT feed_id, ok_ratio, consecutive_failures, avg_response_time_ms, last_success_at, last_failure_at, uptime_24h, uptime_7d, updated_at
FROM feed_health WHERE feed_id = $1`, feedID).Scan(
		&h.FeedID, &h.OKRatio, &h.ConsecutiveFailures, &h.AvgResponseTimeMS,
		&lastSuccess, &lastFailure, &h.Uptime24h, &h.Uptime7d, &h.UpdatedAt,
	)
	if err != nil {
		return nil, classify("FeedHealthRepo.GetByFeedID", "feed_health", strconv.FormatInt(feedID, 10), err)
	}
	if lastSuccess.Valid {
		h.LastSuccessAt = &lastSuccess.Time
	}
	if lastFailure.Valid {
		h.LastFailureAt = &lastFailure.Time
	}
	return &h, nil
}

func (r *FeedHealthRepo) Upsert(ctx context.Context, h *entity.FeedHealth) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO feed_health (feed_id, ok_ratio, consecutive_failures, avg_response_time_ms, last_success_at, last_failure_at, uptime_24h, uptime_7d, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (feed_id) DO UPDATE SET
	ok_ratio = EXCLUDED.ok_ratio,
	consecutive_failures = EXCLUDED.consecutive_failures,
	avg_response_time_ms = EXCLUDED.avg_response_time_ms,
	last_success_at = EXCLUDED.last_success_at,
	last_failure_at = EXCLUDED.last_failure_at,
	uptime_24h = EXCLUDED.uptime_24h,
	uptime_7d = EXCLUDED.uptime_7d,
	updated_at = EXCLUDED.updated_at`,
		h.FeedID, h.OKRatio, h.ConsecutiveFailures, h.AvgResponseTimeMS,
		h.LastSuccessAt, h.LastFailureAt, h.Uptime24h, h.Uptime7d, h.UpdatedAt,
	)
	if err != nil {
		return classify("FeedHealthRepo.Upsert", "feed_health", strconv.FormatInt(h.FeedID, 10), err)
	}
	return nil
}
