package postgres

import (
	"context"
	"database/sql"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
)

// FeatureFlagRepo implements repository.FeatureFlagRepository.
type FeatureFlagRepo struct {
	db *sql.DB
}

func NewFeatureFlagRepo(db *sql.DB) *FeatureFlagRepo {
	return &FeatureFlagRepo{db: db}
}

var _ repository.FeatureFlagRepository = (*FeatureFlagRepo)(nil)

func (r *FeatureFlagRepo) Get(ctx context.Context, name string) (*entity.FeatureFlag, error) {
	var f entity.FeatureFlag
	err := r.db.QueryRowContext(ctx, `
SELECT name, status, rollout_percentage, recent_error_rate, recent_p95_latency_ms, consecutive_failures, updated_at
FROM feature_flags WHERE name = $1`, name).Scan(
		&f.Name, &f.Status, &f.RolloutPercentage, &f.RecentErrorRate,
		&f.RecentP95LatencyMS, &f.ConsecutiveFailures, &f.UpdatedAt,
	)
	if err != nil {
		return nil, classify("FeatureFlagRepo.Get", "feature_flag", name, err)
	}
	return &f, nil
}

func (r *FeatureFlagRepo) List(ctx context.Context) ([]*entity.FeatureFlag, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT name, status, rollout_percentage, recent_error_rate, recent_p95_latency_ms, consecutive_failures, updated_at
FROM feature_flags ORDER BY name ASC`)
	if err != nil {
		return nil, classify("FeatureFlagRepo.List", "feature_flag", "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.FeatureFlag
	for rows.Next() {
		var f entity.FeatureFlag
		if err := rows.Scan(&f.Name, &f.Status, &f.RolloutPercentage, &f.RecentErrorRate,
			&f.RecentP95LatencyMS, &f.ConsecutiveFailures, &f.UpdatedAt); err != nil {
			return nil, classify("FeatureFlagRepo.List", "feature_flag", "", err)
		}
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("FeatureFlagRepo.List", "feature_flag", "", err)
	}
	return out, nil
}

func (r *FeatureFlagRepo) Upsert(ctx context.Context, f *entity.FeatureFlag) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO feature_flags (name, status, rollout_percentage, recent_error_rate, recent_p95_latency_ms, consecutive_failures, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (name) DO UPDATE SET
	status = EXCLUDED.status,
	rollout_percentage = EXCLUDED.rollout_percentage,
	recent_error_rate = EXCLUDED.recent_error_rate,
	recent_p95_latency_ms = EXCLUDED.recent_p95_latency_ms,
	consecutive_failures = EXCLUDED.consecutive_failures,
	updated_at = EXCLUDED.updated_at`,
		f.Name, f.Status, f.RolloutPercentage, f.RecentErrorRate,
		f.RecentP95LatencyMS, f.ConsecutiveFailures, f.UpdatedAt,
	)
	if err != nil {
		return classify("FeatureFlagRepo.Upsert", "feature_flag", f.Name, err)
	}
	return nil
}
