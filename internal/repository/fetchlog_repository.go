package repository

import (
	"context"
	"time"

	"marketpulse/internal/domain/entity"
)

// FetchLogRepository persists append-only fetch attempt records.
type FetchLogRepository interface {
	// Create writes the started_at=now, status=pending row and returns its id.
	Create(ctx context.Context, log *entity.FetchLog) (int64, error)

	// Complete fills in the terminal fields of a previously created row.
	Complete(ctx context.Context, id int64, log *entity.FetchLog) error

	ListByFeed(ctx context.Context, feedID int64, limit int) ([]*entity.FetchLog, error)

	// CountSince returns (successCount, totalCount) for a feed's fetch log
	// rows newer than since, used to compute uptime_24h/uptime_7d.
	CountSince(ctx context.Context, feedID int64, since time.Time) (success int, total int, err error)
}
