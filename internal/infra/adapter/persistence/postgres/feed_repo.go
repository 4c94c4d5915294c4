package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/observability/metrics"
	"marketpulse/internal/repository"
)

// FeedRepo implements repository.FeedRepository against Postgres.
type FeedRepo struct {
	db *sql.DB
}

// NewFeedRepo returns a FeedRepo bound to an open connection pool.
func NewFeedRepo(db *sql.DB) *FeedRepo {
	return &FeedRepo{db: db}
}

var _ repository.FeedRepository = (*FeedRepo)(nil)

func (r *FeedRepo) Create(ctx context.Context, f *entity.Feed) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO feeds (url, title, status, fetch_interval_mins, next_fetch_at, auto_analyze_enabled, source, type)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		f.URL, f.Title, f.Status, f.FetchIntervalMins, f.NextFetchAt, f.AutoAnalyzeEnabled, f.Source, f.Type,
	).Scan(&id)
	if err != nil {
		return 0, classify("FeedRepo.Create", "feed", f.URL, err)
	}
	return id, nil
}

func (r *FeedRepo) scanFeed(row interface {
	Scan(dest ...interface{}) error
}) (*entity.Feed, error) {
	var f entity.Feed
	var lastFetchedAt sql.NullTime
	err := row.Scan(
		&f.ID, &f.URL, &f.Title, &f.Status, &f.FetchIntervalMins,
		&lastFetchedAt, &f.NextFetchAt, &f.AutoAnalyzeEnabled, &f.Source, &f.Type,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastFetchedAt.Valid {
		f.LastFetchedAt = &lastFetchedAt.Time
	}
	return &f, nil
}

const feedColumns = `id, url, title, status, fetch_interval_mins, last_fetched_at, next_fetch_at, auto_analyze_enabled, source, type, created_at, updated_at`

func (r *FeedRepo) GetByID(ctx context.Context, id int64) (*entity.Feed, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id)
	f, err := r.scanFeed(row)
	if err != nil {
		return nil, classify("FeedRepo.GetByID", "feed", strconv.FormatInt(id, 10), err)
	}
	return f, nil
}

func (r *FeedRepo) GetByURL(ctx context.Context, url string) (*entity.Feed, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE url = $1`, url)
	f, err := r.scanFeed(row)
	if err != nil {
		return nil, classify("FeedRepo.GetByURL", "feed", url, err)
	}
	return f, nil
}

func (r *FeedRepo) Update(ctx context.Context, f *entity.Feed) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE feeds SET title=$2, status=$3, fetch_interval_mins=$4, last_fetched_at=$5,
	next_fetch_at=$6, auto_analyze_enabled=$7, source=$8, type=$9, updated_at=now()
WHERE id=$1`,
		f.ID, f.Title, f.Status, f.FetchIntervalMins, f.LastFetchedAt,
		f.NextFetchAt, f.AutoAnalyzeEnabled, f.Source, f.Type,
	)
	if err != nil {
		return classify("FeedRepo.Update", "feed", strconv.FormatInt(f.ID, 10), err)
	}
	return nil
}

func (r *FeedRepo) List(ctx context.Context) ([]*entity.Feed, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY id`)
	if err != nil {
		return nil, classify("FeedRepo.List", "feed", "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Feed
	for rows.Next() {
		f, err := r.scanFeed(rows)
		if err != nil {
			return nil, classify("FeedRepo.List", "feed", "", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("FeedRepo.List", "feed", "", err)
	}
	return out, nil
}

func (r *FeedRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = $1`, id)
	if err != nil {
		return classify("FeedRepo.Delete", "feed", strconv.FormatInt(id, 10), err)
	}
	return nil
}

// ClaimDue implements the claim protocol from spec §4.3: it sets
// next_fetch_at = now + interval in the same statement that selects due
// feeds, locking the selected rows with FOR UPDATE SKIP LOCKED. If two
// scheduler instances race, the loser's select skips the rows the winner
// has locked, so those ids are excluded from its result, the equivalent of
// "CAS fails, skip".
func (r *FeedRepo) ClaimDue(ctx context.Context, now time.Time, limit int, exclude []int64) ([]*entity.Feed, error) {
	if limit <= 0 {
		return nil, nil
	}

	excludeClause := "TRUE"
	args := []interface{}{now, limit}
	if len(exclude) > 0 {
		placeholders := make([]string, len(exclude))
		for i, id := range exclude {
			args = append(args, id)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		excludeClause = fmt.Sprintf("id NOT IN (%s)", strings.Join(placeholders, ", "))
	}

	query := fmt.Sprintf(`
WITH due AS (
	SELECT id, next_fetch_at, fetch_interval_mins
	FROM feeds
	WHERE status = 'active' AND next_fetch_at <= $1 AND %s
	ORDER BY next_fetch_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE feeds f
SET next_fetch_at = $1 + (due.fetch_interval_mins || ' minutes')::interval,
    updated_at = now()
FROM due
WHERE f.id = due.id
RETURNING `+aliasFeedColumns("f"), excludeClause)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("FeedRepo.ClaimDue", "feed", "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Feed
	for rows.Next() {
		f, err := r.scanFeed(rows)
		if err != nil {
			return nil, classify("FeedRepo.ClaimDue", "feed", "", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("FeedRepo.ClaimDue", "feed", "", err)
	}
	return out, nil
}

func aliasFeedColumns(alias string) string {
	cols := strings.Split(feedColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func (r *FeedRepo) SetStatus(ctx context.Context, id int64, status entity.FeedStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE feeds SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return classify("FeedRepo.SetStatus", "feed", strconv.FormatInt(id, 10), err)
	}
	return nil
}

func (r *FeedRepo) Count(ctx context.Context) (int, error) {
	start := time.Now()
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM feeds`).Scan(&count)
	metrics.RecordDBQuery("feeds_count", time.Since(start))
	if err != nil {
		return 0, classify("FeedRepo.Count", "feed", "", err)
	}
	return count, nil
}
