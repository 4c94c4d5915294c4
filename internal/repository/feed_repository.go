package repository

import (
	"context"
	"time"

	"marketpulse/internal/domain/entity"
)

// FeedRepository persists Feed rows and implements the claim-due protocol
// the scheduler uses to avoid double-fetching under restart.
type FeedRepository interface {
	Create(ctx context.Context, f *entity.Feed) (int64, error)
	GetByID(ctx context.Context, id int64) (*entity.Feed, error)
	GetByURL(ctx context.Context, url string) (*entity.Feed, error)
	Update(ctx context.Context, f *entity.Feed) error
	List(ctx context.Context) ([]*entity.Feed, error)
	Delete(ctx context.Context, id int64) error

	// ClaimDue returns feeds where next_fetch_at <= now and status=active,
	// ordered by next_fetch_at ascending, skipping ids in exclude. Each
	// returned feed has already had its next_fetch_at advanced by the CAS
	// described in spec §4.3 — callers own the fetch, not just a read.
	ClaimDue(ctx context.Context, now time.Time, limit int, exclude []int64) ([]*entity.Feed, error)

	// SetStatus updates only the status column, used by the scheduler's
	// active<->error state machine and by admin actions.
	SetStatus(ctx context.Context, id int64, status entity.FeedStatus) error

	// Count returns the total number of feed rows, regardless of status.
	Count(ctx context.Context) (int, error)
}
