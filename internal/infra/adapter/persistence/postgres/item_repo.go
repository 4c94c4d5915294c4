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

// ItemRepo implements repository.ItemRepository against Postgres.
type ItemRepo struct {
	db *sql.DB
}

func NewItemRepo(db *sql.DB) *ItemRepo {
	return &ItemRepo{db: db}
}

var _ repository.ItemRepository = (*ItemRepo)(nil)

// UpsertByContentHash implements items.upsert_by_content_hash atomically via
// INSERT ... ON CONFLICT DO NOTHING, then a follow-up select when the row
// already existed. The two-statement shape still gives atomic dedup because
// the unique constraint is the arbiter, not a prior SELECT.
func (r *ItemRepo) UpsertByContentHash(ctx context.Context, item *entity.Item) (repository.UpsertResult, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
INSERT INTO items (feed_id, title, link, description, content, author, published_at, guid, content_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (content_hash) DO NOTHING
RETURNING id`,
		item.FeedID, item.Title, item.Link, item.Description, item.Content,
		item.Author, item.PublishedAt, item.GUID, item.ContentHash,
	).Scan(&id)

	if err == nil {
		return repository.UpsertResult{Outcome: repository.UpsertInserted, ID: id}, nil
	}
	if err != sql.ErrNoRows {
		return repository.UpsertResult{}, classify("ItemRepo.UpsertByContentHash", "item", item.ContentHash, err)
	}

	// ON CONFLICT DO NOTHING suppressed the row: fetch the existing id.
	err = r.db.QueryRowContext(ctx, `SELECT id FROM items WHERE content_hash = $1`, item.ContentHash).Scan(&id)
	if err != nil {
		return repository.UpsertResult{}, classify("ItemRepo.UpsertByContentHash", "item", item.ContentHash, err)
	}
	return repository.UpsertResult{Outcome: repository.UpsertExisting, ID: id}, nil
}

const itemColumns = `id, feed_id, title, link, description, content, author, published_at, guid, content_hash, created_at`

func scanItem(row interface{ Scan(dest ...interface{}) error }) (*entity.Item, error) {
	var it entity.Item
	var publishedAt sql.NullTime
	err := row.Scan(
		&it.ID, &it.FeedID, &it.Title, &it.Link, &it.Description, &it.Content,
		&it.Author, &publishedAt, &it.GUID, &it.ContentHash, &it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if publishedAt.Valid {
		it.PublishedAt = &publishedAt.Time
	}
	return &it, nil
}

func (r *ItemRepo) GetByID(ctx context.Context, id int64) (*entity.Item, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	it, err := scanItem(row)
	if err != nil {
		return nil, classify("ItemRepo.GetByID", "item", strconv.FormatInt(id, 10), err)
	}
	return it, nil
}

func (r *ItemRepo) ListByFeed(ctx context.Context, feedID int64, limit, offset int) ([]*entity.Item, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+itemColumns+` FROM items WHERE feed_id = $1 ORDER BY published_at DESC NULLS LAST LIMIT $2 OFFSET $3`,
		feedID, limit, offset)
	if err != nil {
		return nil, classify("ItemRepo.ListByFeed", "item", "", err)
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

func (r *ItemRepo) ListByIDs(ctx context.Context, ids []int64) ([]*entity.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args := inClause(`SELECT `+itemColumns+` FROM items WHERE id IN (%s)`, ids)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("ItemRepo.ListByIDs", "item", "", err)
	}
	defer func() { _ = rows.Close() }()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]*entity.Item, error) {
	var out []*entity.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, classify("ItemRepo.scan", "item", "", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ItemRepo.scan", "item", "", err)
	}
	return out, nil
}

func (r *ItemRepo) ListWithoutAnalysis(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args := inClause(`
SELECT i.id FROM items i
LEFT JOIN item_analyses a ON a.item_id = i.id
WHERE i.id IN (%s) AND a.item_id IS NULL`, ids)
	return r.queryIDs(ctx, "ItemRepo.ListWithoutAnalysis", query, args...)
}

func (r *ItemRepo) ListByFeeds(ctx context.Context, feedIDs []int64, limit int) ([]int64, error) {
	if len(feedIDs) == 0 {
		return nil, nil
	}
	query, args := inClause(`SELECT id FROM items WHERE feed_id IN (%s) ORDER BY published_at DESC NULLS LAST`, feedIDs)
	query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
	args = append(args, limit)
	return r.queryIDs(ctx, "ItemRepo.ListByFeeds", query, args...)
}

func (r *ItemRepo) ListByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]int64, error) {
	return r.queryIDs(ctx, "ItemRepo.ListByTimeRange", `
SELECT id FROM items WHERE published_at >= $1 AND published_at < $2 ORDER BY published_at DESC LIMIT $3`,
		start, end, limit)
}

func (r *ItemRepo) ListAll(ctx context.Context, limit int) ([]int64, error) {
	return r.queryIDs(ctx, "ItemRepo.ListAll", `SELECT id FROM items ORDER BY published_at DESC NULLS LAST LIMIT $1`, limit)
}

func (r *ItemRepo) CountAll(ctx context.Context) (int, error) {
	start := time.Now()
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM items`).Scan(&count)
	metrics.RecordDBQuery("items_count", time.Since(start))
	if err != nil {
		return 0, classify("ItemRepo.CountAll", "item", "", err)
	}
	return count, nil
}

func (r *ItemRepo) queryIDs(ctx context.Context, op, query string, args ...interface{}) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, "item", "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify(op, "item", "", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, "item", "", err)
	}
	return out, nil
}

// inClause builds a `WHERE x IN ($1, $2, ...)` fragment for a dynamic id
// list. query must contain exactly one %s placeholder for the list.
func inClause(query string, ids []int64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return fmt.Sprintf(query, strings.Join(placeholders, ", ")), args
}
