package repository

import (
	"context"

	"marketpulse/internal/domain/entity"
)

// ItemAnalysisRepository persists the one-to-one latest analysis per item.
type ItemAnalysisRepository interface {
	// Upsert overwrites any previous analysis for item_id: "latest wins".
	Upsert(ctx context.Context, a *entity.ItemAnalysis) error

	GetByItemID(ctx context.Context, itemID int64) (*entity.ItemAnalysis, error)
}
