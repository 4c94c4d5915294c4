package repository

import (
	"context"
	"time"

	"marketpulse/internal/domain/entity"
)

// UpsertOutcome reports whether items.upsert_by_content_hash inserted a new
// row or found an existing one with the same content_hash.
type UpsertOutcome string

const (
	UpsertInserted UpsertOutcome = "inserted"
	UpsertExisting UpsertOutcome = "existing"
)

// UpsertResult is the return value of ItemRepository.UpsertByContentHash.
type UpsertResult struct {
	Outcome UpsertOutcome
	ID      int64
}

// ItemRepository persists Items, which are created once and never mutated.
type ItemRepository interface {
	// UpsertByContentHash is the atomic dedup entry point: inserts on a new
	// content_hash, returns the existing row's id on conflict. Conflicts are
	// not errors — see entity.ConflictError's "callers treat dedup as
	// success" contract.
	UpsertByContentHash(ctx context.Context, item *entity.Item) (UpsertResult, error)

	GetByID(ctx context.Context, id int64) (*entity.Item, error)
	ListByFeed(ctx context.Context, feedID int64, limit, offset int) ([]*entity.Item, error)
	ListByIDs(ctx context.Context, ids []int64) ([]*entity.Item, error)

	// ListWithoutAnalysis returns items among ids that have no item_analysis
	// row, used by AnalysisRunManager's preview when override_existing=false.
	ListWithoutAnalysis(ctx context.Context, ids []int64) ([]int64, error)

	// ListByFeeds, ListByTimeRange and ListAll resolve a feeds/timerange/global scope to concrete item
	// ids, bounded by limit. Items scope is resolved by the caller directly.
	ListByFeeds(ctx context.Context, feedIDs []int64, limit int) ([]int64, error)
	ListByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]int64, error)
	ListAll(ctx context.Context, limit int) ([]int64, error)

	// CountAll returns the total number of item rows.
	CountAll(ctx context.Context) (int, error)
}
