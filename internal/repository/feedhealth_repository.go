package repository

import (
	"context"

	"marketpulse/internal/domain/entity"
)

// FeedHealthRepository persists the single FeedHealth row per feed.
type FeedHealthRepository interface {
	// EnsureExists creates a zero-value health row for a feed if one does
	// not already exist, called eagerly at feed creation.
	EnsureExists(ctx context.Context, feedID int64) error

	GetByFeedID(ctx context.Context, feedID int64) (*entity.FeedHealth, error)
	Upsert(ctx context.Context, h *entity.FeedHealth) error
}
