package repository

import (
	"context"

	"marketpulse/internal/domain/entity"
)

// FeatureFlagRepository persists the process-wide flag registry.
type FeatureFlagRepository interface {
	Get(ctx context.Context, name string) (*entity.FeatureFlag, error)
	List(ctx context.Context) ([]*entity.FeatureFlag, error)
	Upsert(ctx context.Context, f *entity.FeatureFlag) error
}
