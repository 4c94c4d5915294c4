package repository

import (
	"context"
	"time"

	"marketpulse/internal/domain/entity"
)

// PendingAutoAnalysisRepository persists batched auto-analysis jobs awaiting
// conversion into AnalysisRuns.
type PendingAutoAnalysisRepository interface {
	Create(ctx context.Context, p *entity.PendingAutoAnalysis) (int64, error)
	GetByID(ctx context.Context, id int64) (*entity.PendingAutoAnalysis, error)

	// ListPending returns pending rows ordered by created_at ascending.
	ListPending(ctx context.Context, limit int) ([]*entity.PendingAutoAnalysis, error)

	// Transition CAS-transitions a job's status, mirroring AnalysisRun's
	// transition primitive at a smaller scale.
	Transition(ctx context.Context, id int64, from, to entity.PendingAutoAnalysisStatus) error

	SetResult(ctx context.Context, id int64, runID *int64, status entity.PendingAutoAnalysisStatus, errMsg string, at time.Time) error

	// ExpireOlderThan sets status=expired on every still-pending row with
	// created_at < cutoff.
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// CountRecentForFeed counts pending+completed jobs for a feed created
	// since `since`, the per-feed daily auto-analysis cap check. Failed and
	// expired jobs are deliberately excluded, per spec §9: "daily cap logic
	// counts pending+completed only".
	CountRecentForFeed(ctx context.Context, feedID int64, since time.Time) (int, error)
}
