package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
)

// ItemAnalysisRepo implements repository.ItemAnalysisRepository.
type ItemAnalysisRepo struct {
	db *sql.DB
}

func NewItemAnalysisRepo(db *sql.DB) *ItemAnalysisRepo {
	return &ItemAnalysisRepo{db: db}
}

var _ repository.ItemAnalysisRepository = (*ItemAnalysisRepo)(nil)

func (r *ItemAnalysisRepo) Upsert(ctx context.Context, a *entity.ItemAnalysis) error {
	sentimentJSON, err := json.Marshal(a.Sentiment)
	if err != nil {
		return &entity.FatalStoreError{Op: "ItemAnalysisRepo.Upsert", Err: err}
	}
	impactJSON, err := json.Marshal(a.Impact)
	if err != nil {
		return &entity.FatalStoreError{Op: "ItemAnalysisRepo.Upsert", Err: err}
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO item_analyses (item_id, sentiment_json, impact_json, model_tag, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (item_id) DO UPDATE SET
	sentiment_json = EXCLUDED.sentiment_json,
	impact_json = EXCLUDED.impact_json,
	model_tag = EXCLUDED.model_tag,
	updated_at = EXCLUDED.updated_at`,
		a.ItemID, sentimentJSON, impactJSON, a.ModelTag, a.UpdatedAt,
	)
	if err != nil {
		return classify("ItemAnalysisRepo.Upsert", "item_analysis", strconv.FormatInt(a.ItemID, 10), err)
	}
	return nil
}

func (r *ItemAnalysisRepo) GetByItemID(ctx context.Context, itemID int64) (*entity.ItemAnalysis, error) {
	var a entity.ItemAnalysis
	var sentimentJSON, impactJSON []byte
	err := r.db.QueryRowContext(ctx, `
SELECT item_id, sentiment_json, impact_json, model_tag, updated_at FROM item_analyses WHERE item_id = $1`,
		itemID,
	).Scan(&a.ItemID, &sentimentJSON, &impactJSON, &a.ModelTag, &a.UpdatedAt)
	if err != nil {
		return nil, classify("ItemAnalysisRepo.GetByItemID", "item_analysis", strconv.FormatInt(itemID, 10), err)
	}
	if err := json.Unmarshal(sentimentJSON, &a.Sentiment); err != nil {
		return nil, &entity.FatalStoreError{Op: "ItemAnalysisRepo.GetByItemID", Err: err}
	}
	if err := json.Unmarshal(impactJSON, &a.Impact); err != nil {
		return nil, &entity.FatalStoreError{Op: "ItemAnalysisRepo.GetByItemID", Err: err}
	}
	return &a, nil
}
