package analysisrun

import (
	"context"
	"time"

	"marketpulse/internal/domain/entity"
)

// PreviewResult is returned by Preview: the resolved scope's shape and
// estimated cost/duration, before anything is queued for execution.
type PreviewResult struct {
	RunID                    int64
	ItemCount                int
	AlreadyAnalyzedCount     int
	NewItemsCount            int
	EstimatedCostUSD         float64
	EstimatedDurationSeconds float64
}

// Preview resolves scope to a concrete item-id list, estimates cost and
// duration, and writes a pending run row. The resolved id list is stored on
// the run itself (scope rewritten to the items variant) so Execute later
// replays exactly what was previewed instead of re-resolving scope against
// data that may have changed since — the "preview is authoritative" design
// rule.
func (m *Manager) Preview(ctx context.Context, scope entity.RunScope, params entity.RunParams) (*PreviewResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	limit := params.Limit
	if limit <= 0 {
		limit = entity.DefaultRunLimit
	}
	if limit > entity.MaxRunLimit {
		limit = entity.MaxRunLimit
	}
	params.Limit = limit

	if params.RatePerSecond <= 0 {
		params.RatePerSecond = m.Config.DefaultRatePerSecond
	}
	if params.ModelTag == "" {
		params.ModelTag = m.Config.DefaultModelTag
	}

	candidates, err := m.resolveScope(ctx, scope, limit)
	if err != nil {
		return nil, err
	}

	alreadyAnalyzed := 0
	resolved := candidates
	if len(candidates) > 0 {
		withoutAnalysis, err := m.Items.ListWithoutAnalysis(ctx, candidates)
		if err != nil {
			return nil, err
		}
		alreadyAnalyzed = len(candidates) - len(withoutAnalysis)
		if !params.OverrideExisting {
			resolved = withoutAnalysis
		}
	}

	costPerItem := m.costPerItem(params.ModelTag)
	estimatedCost := float64(len(resolved)) * costPerItem
	estimatedDuration := float64(len(resolved)) / params.RatePerSecond

	run := &entity.AnalysisRun{
		Status: entity.RunStatusPending,
		Scope: entity.RunScope{
			Kind:    entity.ScopeItems,
			ItemIDs: resolved,
		},
		Params:          params,
		CostEstimateUSD: estimatedCost,
		QueuedCount:     len(resolved),
		TriggeredBy:     params.TriggeredBy,
	}

	runID, err := m.Runs.Create(ctx, run)
	if err != nil {
		return nil, err
	}

	if len(resolved) == 0 {
		// Boundary behavior: empty resolved scope completes immediately.
		now := time.Now()
		if err := m.Runs.Transition(ctx, runID, []entity.RunStatus{entity.RunStatusPending}, entity.RunStatusCompleted, now); err != nil {
			return nil, err
		}
		m.publish(ctx, entity.RunStatusPending, entity.RunStatusCompleted, runID, now)
	}

	return &PreviewResult{
		RunID:                    runID,
		ItemCount:                len(resolved),
		AlreadyAnalyzedCount:     alreadyAnalyzed,
		NewItemsCount:            len(resolved),
		EstimatedCostUSD:         estimatedCost,
		EstimatedDurationSeconds: estimatedDuration,
	}, nil
}

func (m *Manager) resolveScope(ctx context.Context, scope entity.RunScope, limit int) ([]int64, error) {
	switch scope.Kind {
	case entity.ScopeGlobal:
		return m.Items.ListAll(ctx, limit)
	case entity.ScopeFeeds:
		return m.Items.ListByFeeds(ctx, scope.FeedIDs, limit)
	case entity.ScopeItems:
		ids := scope.ItemIDs
		if len(ids) > limit {
			ids = ids[:limit]
		}
		return ids, nil
	case entity.ScopeTimeRange:
		return m.Items.ListByTimeRange(ctx, scope.RangeStart, scope.RangeEnd, limit)
	default:
		return nil, &entity.ValidationError{Field: "scope.kind", Message: "unknown scope kind"}
	}
}
