package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/infra/analyzer"
	"marketpulse/internal/repository"
	"marketpulse/internal/usecase/analysisrun"
	"marketpulse/internal/usecase/worker"
)

// stubRunController keeps ListRunning's snapshot and GetRun's live read as
// separate state, so a test can model a run changing status between the
// dispatcher's listing and a worker's later cancellation check.
type stubRunController struct {
	mu       sync.Mutex
	listed   []*entity.AnalysisRun
	live     map[int64]*entity.AnalysisRun
	results  []analysisrun.ItemOutcome
	requeued []entity.RunStatus
}

func newStubRunController(runs ...*entity.AnalysisRun) *stubRunController {
	live := make(map[int64]*entity.AnalysisRun, len(runs))
	for _, r := range runs {
		live[r.ID] = r
	}
	return &stubRunController{listed: runs, live: live}
}

func (s *stubRunController) ListRunning(context.Context) ([]*entity.AnalysisRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listed, nil
}

func (s *stubRunController) GetRun(_ context.Context, runID int64) (*entity.AnalysisRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[runID], nil
}

func (s *stubRunController) RecordItemResult(_ context.Context, _ int64, outcome analysisrun.ItemOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, outcome)
	return nil
}

func (s *stubRunController) RequeueCancelledOrPaused(_ context.Context, _, _ int64, status entity.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued = append(s.requeued, status)
	return nil
}

type stubRunItemRepo struct {
	mu     sync.Mutex
	queued map[int64][]int64
}

func (s *stubRunItemRepo) BulkInsert(context.Context, int64, []int64, time.Time) error { return nil }

func (s *stubRunItemRepo) ClaimQueued(_ context.Context, runID int64, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.queued[runID]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	s.queued[runID] = s.queued[runID][len(ids):]
	return ids, nil
}

func (s *stubRunItemRepo) UpdateState(context.Context, int64, int64, entity.RunItemState, entity.RunItemState, repository.RunItemUpdate) error {
	return nil
}
func (s *stubRunItemRepo) ListByRun(context.Context, int64) ([]*entity.AnalysisRunItem, error) {
	return nil, nil
}
func (s *stubRunItemRepo) CountByState(context.Context, int64) (map[entity.RunItemState]int, error) {
	return nil, nil
}
func (s *stubRunItemRepo) SumCost(context.Context, int64) (float64, error) { return 0, nil }

type stubItemRepo struct {
	items map[int64]*entity.Item
}

func (s *stubItemRepo) UpsertByContentHash(context.Context, *entity.Item) (repository.UpsertResult, error) {
	return repository.UpsertResult{}, nil
}
func (s *stubItemRepo) GetByID(_ context.Context, id int64) (*entity.Item, error) {
	return s.items[id], nil
}
func (s *stubItemRepo) ListByFeed(context.Context, int64, int, int) ([]*entity.Item, error) {
	return nil, nil
}
func (s *stubItemRepo) ListByIDs(context.Context, []int64) ([]*entity.Item, error) { return nil, nil }
func (s *stubItemRepo) ListWithoutAnalysis(_ context.Context, ids []int64) ([]int64, error) {
	return ids, nil
}
func (s *stubItemRepo) ListByFeeds(context.Context, []int64, int) ([]int64, error) { return nil, nil }
func (s *stubItemRepo) ListByTimeRange(context.Context, time.Time, time.Time, int) ([]int64, error) {
	return nil, nil
}
func (s *stubItemRepo) ListAll(context.Context, int) ([]int64, error) { return nil, nil }
func (s *stubItemRepo) CountAll(context.Context) (int, error)         { return len(s.items), nil }

type stubAnalysisRepo struct {
	mu      sync.Mutex
	upserts []*entity.ItemAnalysis
}

func (s *stubAnalysisRepo) Upsert(_ context.Context, a *entity.ItemAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, a)
	return nil
}
func (s *stubAnalysisRepo) GetByItemID(context.Context, int64) (*entity.ItemAnalysis, error) {
	return nil, nil
}

type stubProvider struct {
	modelTag string
	output   analyzer.Output
	err      error
	calls    int
	mu       sync.Mutex
}

func (s *stubProvider) ModelTag() string { return s.modelTag }
func (s *stubProvider) Analyze(context.Context, analyzer.Input) (analyzer.Output, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.output, s.err
}

func TestDispatchTick_SuccessfulItemRecordsCompletedResult(t *testing.T) {
	runs := newStubRunController(&entity.AnalysisRun{ID: 1, Status: entity.RunStatusRunning, Params: entity.RunParams{RatePerSecond: 100, ModelTag: "auto_default"}})
	runItems := &stubRunItemRepo{queued: map[int64][]int64{1: {10}}}
	items := &stubItemRepo{items: map[int64]*entity.Item{10: {ID: 10, Title: "t"}}}
	analyses := &stubAnalysisRepo{}
	provider := &stubProvider{modelTag: "auto_default", output: analyzer.Output{Sentiment: entity.NeutralSentiment(), Impact: entity.NeutralImpact(), TokensUsed: 100}}

	p := worker.New(runs, runItems, items, analyses, provider, 2)
	p.DispatchOnce(context.Background())
	p.Wait()

	require.Len(t, analyses.upserts, 1)
	require.Len(t, runs.results, 1)
	assert.Equal(t, entity.RunItemCompleted, runs.results[0].State)
}

func TestDispatchTick_PausedRunRequeuesItemWithoutCallingProvider(t *testing.T) {
	// The run is still "running" in ListRunning's snapshot but has already
	// flipped to paused by the time the worker re-reads it via GetRun, the
	// way a concurrent Pause() call would race with an in-flight worker.
	listed := &entity.AnalysisRun{ID: 1, Status: entity.RunStatusRunning, Params: entity.RunParams{RatePerSecond: 100, ModelTag: "auto_default"}}
	runs := newStubRunController(listed)
	runs.live[1] = &entity.AnalysisRun{ID: 1, Status: entity.RunStatusPaused, Params: listed.Params}

	runItems := &stubRunItemRepo{queued: map[int64][]int64{1: {10}}}
	items := &stubItemRepo{items: map[int64]*entity.Item{10: {ID: 10, Title: "t"}}}
	analyses := &stubAnalysisRepo{}
	provider := &stubProvider{modelTag: "auto_default"}

	p := worker.New(runs, runItems, items, analyses, provider, 2)
	p.DispatchOnce(context.Background())
	p.Wait()

	assert.Empty(t, analyses.upserts)
	assert.Equal(t, 0, provider.calls)
	require.Len(t, runs.requeued, 1)
	assert.Equal(t, entity.RunStatusPaused, runs.requeued[0])
}

func TestDispatchTick_NoQueuedItemsIsNoOp(t *testing.T) {
	runs := newStubRunController(&entity.AnalysisRun{ID: 1, Status: entity.RunStatusRunning, Params: entity.RunParams{RatePerSecond: 100}})
	runItems := &stubRunItemRepo{queued: map[int64][]int64{}}
	items := &stubItemRepo{items: map[int64]*entity.Item{}}
	analyses := &stubAnalysisRepo{}
	provider := &stubProvider{modelTag: "auto_default"}

	p := worker.New(runs, runItems, items, analyses, provider, 2)
	p.DispatchOnce(context.Background())
	p.Wait()

	assert.Empty(t, analyses.upserts)
	assert.Empty(t, runs.results)
}

func TestDispatchTick_ExhaustedRetriesRecordsFallbackAnalysis(t *testing.T) {
	runs := newStubRunController(&entity.AnalysisRun{ID: 1, Status: entity.RunStatusRunning, Params: entity.RunParams{RatePerSecond: 100, ModelTag: "auto_default"}})
	runItems := &stubRunItemRepo{queued: map[int64][]int64{1: {10}}}
	items := &stubItemRepo{items: map[int64]*entity.Item{10: {ID: 10, Title: "t"}}}
	analyses := &stubAnalysisRepo{}
	provider := &stubProvider{modelTag: "auto_default", err: &analyzer.Error{Kind: analyzer.KindInputTooLarge}}

	p := worker.New(runs, runItems, items, analyses, provider, 2)
	p.LLMTimeout = time.Second
	p.DispatchOnce(context.Background())
	p.Wait()

	require.Len(t, analyses.upserts, 1)
	assert.Equal(t, entity.NeutralSentiment(), analyses.upserts[0].Sentiment)
	require.Len(t, runs.results, 1)
	assert.Equal(t, entity.RunItemFailed, runs.results[0].State)
	assert.Equal(t, 1, provider.calls) // input_too_large is not retryable
}
