// Package worker implements AnalysisWorkerPool: the bounded-concurrency
// dispatcher that drains running AnalysisRuns' queued items through an LLM
// provider.
package worker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/infra/analyzer"
	"marketpulse/internal/repository"
	"marketpulse/internal/usecase/analysisrun"
)

// DefaultPerRunWorkers bounds how many items of a single run are in flight
// at once, shared by the per-run rate limiter.
const DefaultPerRunWorkers = 4

// DefaultTickInterval is how often the dispatcher looks for claimable work.
const DefaultTickInterval = 500 * time.Millisecond

// DefaultLLMTimeout bounds a single provider call.
const DefaultLLMTimeout = 60 * time.Second

// maxAttempts is the number of provider calls for an item whose failures are
// retryable, including the first. The waits between them are retryBackoff's
// first two entries (1s, 4s); the 16s entry is not reached.
const maxAttempts = 3

var retryBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

// RunController is the slice of analysisrun.Manager the pool depends on,
// kept narrow so tests can fake it without wiring a full Manager+Store.
type RunController interface {
	ListRunning(ctx context.Context) ([]*entity.AnalysisRun, error)
	GetRun(ctx context.Context, runID int64) (*entity.AnalysisRun, error)
	RecordItemResult(ctx context.Context, runID int64, outcome analysisrun.ItemOutcome) error
	RequeueCancelledOrPaused(ctx context.Context, runID, itemID int64, runStatus entity.RunStatus) error
}

// Pool is the dispatcher+worker-fleet described by the spec's §4.8: one
// shared pool (errgroup-bounded) pulling claimed items from every running
// run and handing them to a provider, honoring a per-run token bucket.
type Pool struct {
	Runs     RunController
	RunItems repository.AnalysisRunItemRepository
	Items    repository.ItemRepository
	Analyses repository.ItemAnalysisRepository

	// Providers resolves a run's model_tag to the provider that serves it;
	// DefaultProvider is used for any tag absent from the map.
	Providers       map[string]analyzer.Provider
	DefaultProvider analyzer.Provider

	PerRunWorkers int
	TickInterval  time.Duration
	LLMTimeout    time.Duration

	group *errgroup.Group

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// New wires a Pool sized for maxConcurrentRuns concurrent runs at
// DefaultPerRunWorkers each.
func New(runs RunController, runItems repository.AnalysisRunItemRepository, items repository.ItemRepository, analyses repository.ItemAnalysisRepository, defaultProvider analyzer.Provider, maxConcurrentRuns int) *Pool {
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentRuns * DefaultPerRunWorkers)

	return &Pool{
		Runs:            runs,
		RunItems:        runItems,
		Items:           items,
		Analyses:        analyses,
		Providers:       make(map[string]analyzer.Provider),
		DefaultProvider: defaultProvider,
		PerRunWorkers:   DefaultPerRunWorkers,
		TickInterval:    DefaultTickInterval,
		LLMTimeout:      DefaultLLMTimeout,
		group:           g,
		limiters:        make(map[int64]*rate.Limiter),
	}
}

// Start ticks until ctx is cancelled, dispatching claimable items each
// tick, then waits for in-flight work to drain before returning.
func (p *Pool) Start(ctx context.Context) error {
	interval := p.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = p.group.Wait()
			return nil
		case <-ticker.C:
			p.dispatchTick(ctx)
		}
	}
}

// DispatchOnce runs a single dispatch tick synchronously (the spawned
// per-item workers still run concurrently; call Wait to block until they
// finish). Exposed for tests and for a manual "drain now" admin action.
func (p *Pool) DispatchOnce(ctx context.Context) {
	p.dispatchTick(ctx)
}

// Wait blocks until every in-flight worker goroutine completes.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

// dispatchTick implements the §4.8 dispatcher loop: list running runs,
// claim up to PerRunWorkers queued items per run, hand each to a worker
// goroutine bounded by the pool's shared errgroup limit.
func (p *Pool) dispatchTick(ctx context.Context) {
	runs, err := p.Runs.ListRunning(ctx)
	if err != nil {
		slog.Error("worker: list running runs failed", slog.Any("error", err))
		return
	}

	perRun := p.PerRunWorkers
	if perRun <= 0 {
		perRun = DefaultPerRunWorkers
	}

	for _, run := range runs {
		ids, err := p.RunItems.ClaimQueued(ctx, run.ID, perRun)
		if err != nil {
			slog.Error("worker: claim queued items failed", slog.Int64("run_id", run.ID), slog.Any("error", err))
			continue
		}
		if len(ids) == 0 {
			continue
		}

		limiter := p.limiterFor(run)
		for _, itemID := range ids {
			run, itemID := run, itemID
			ok := p.group.TryGo(func() error {
				p.processItem(ctx, run, itemID, limiter)
				return nil
			})
			if !ok {
				// Pool is at capacity this tick; give the item back to the
				// queue rather than holding it claimed with nobody working it.
				if err := p.RunItems.UpdateState(ctx, run.ID, itemID, entity.RunItemProcessing, entity.RunItemQueued, repository.RunItemUpdate{At: time.Now()}); err != nil {
					slog.Error("worker: requeue after pool saturation failed",
						slog.Int64("run_id", run.ID), slog.Int64("item_id", itemID), slog.Any("error", err))
				}
			}
		}
	}
}

// limiterFor returns the shared token bucket for a run, creating one sized
// to its rate_per_second on first use.
func (p *Pool) limiterFor(run *entity.AnalysisRun) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[run.ID]
	if ok {
		return l
	}
	rps := run.Params.RatePerSecond
	if rps <= 0 {
		rps = 1.5
	}
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	l = rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[run.ID] = l
	return l
}

func (p *Pool) providerFor(modelTag string) analyzer.Provider {
	if prov, ok := p.Providers[modelTag]; ok {
		return prov
	}
	return p.DefaultProvider
}

// forgetLimiter drops a run's token bucket. It is called when a worker finds
// the run cancelled; buckets of runs that end any other way stay in the map.
func (p *Pool) forgetLimiter(runID int64) {
	p.mu.Lock()
	delete(p.limiters, runID)
	p.mu.Unlock()
}
