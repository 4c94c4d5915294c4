package analysisrun

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/repository"
	"marketpulse/internal/usecase/events"
	"marketpulse/pkg/ratelimit"
)

const hourlyAdmissionKey = "analysis_runs.hourly"

// Manager is the authoritative lifecycle owner for AnalysisRuns: the single
// point that resolves scope, estimates cost, and enforces the global
// concurrency/daily/hourly admission caps described in the spec's §4.7.
//
// Shared mutable state (the emergency-stop flag, the admission check) is
// kept in-process and guarded by mu; run-state itself is authoritative in
// the Store and reached only through Transition's compare-and-set, so two
// Managers racing (or a crash mid-transition) never produces split-brain.
type Manager struct {
	Runs     repository.AnalysisRunRepository
	RunItems repository.AnalysisRunItemRepository
	Items    repository.ItemRepository
	Bus      *events.Bus

	Config       Config
	ModelPricing map[string]float64

	mu               sync.Mutex
	emergencyStopped bool

	// hourlyStore/hourlyAlgo enforce the runs-per-hour cap as an in-process
	// sliding window: unlike the concurrent/daily caps (which must reflect
	// the Store so a restart doesn't forget them), an hourly burst guard is
	// fine to reset on process restart, so it is kept off the database.
	hourlyStore ratelimit.RateLimitStore
	hourlyAlgo  ratelimit.RateLimitAlgorithm
}

// New wires a Manager with spec defaults; override Config/ModelPricing
// after construction if needed.
func New(runs repository.AnalysisRunRepository, runItems repository.AnalysisRunItemRepository, items repository.ItemRepository, bus *events.Bus) *Manager {
	return &Manager{
		Runs:         runs,
		RunItems:     runItems,
		Items:        items,
		Bus:          bus,
		Config:       DefaultConfig(),
		ModelPricing: DefaultModelPricing,
		hourlyStore:  ratelimit.NewInMemoryRateLimitStore(ratelimit.InMemoryStoreConfig{}),
		hourlyAlgo:   ratelimit.NewSlidingWindowAlgorithm(nil),
	}
}

func (m *Manager) costPerItem(modelTag string) float64 {
	if c, ok := m.ModelPricing[modelTag]; ok {
		return c
	}
	return fallbackCostPerItem
}

func (m *Manager) publish(ctx context.Context, from, to entity.RunStatus, runID int64, at time.Time) {
	if m.Bus == nil {
		return
	}
	m.Bus.Publish(ctx, entity.RunStateChanged{RunID: runID, From: from, To: to, At: at})
}

// GetRun is a passthrough read, used by callers (CLI, worker pool) that
// need the current row without going through a lifecycle operation.
func (m *Manager) GetRun(ctx context.Context, runID int64) (*entity.AnalysisRun, error) {
	return m.Runs.GetByID(ctx, runID)
}

// ListRunning returns every run currently holding a global concurrency
// slot, the worker pool dispatcher's per-tick source of work.
func (m *Manager) ListRunning(ctx context.Context) ([]*entity.AnalysisRun, error) {
	return m.Runs.ListByStatus(ctx, []entity.RunStatus{entity.RunStatusRunning})
}

// Confirm transitions a previewed run pending -> queued and attempts
// immediate admission. If a global cap is exceeded the run stays queued in
// the FIFO waiting list; ErrCapacityExceeded is returned only when the run
// was triggered automatically, so auto callers know to back off.
func (m *Manager) Confirm(ctx context.Context, runID int64) error {
	run, err := m.Runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if entity.IsTerminal(run.Status) {
		// Boundary case: an empty-scope preview already completed itself.
		return nil
	}
	if !entity.CanTransition(run.Status, entity.RunStatusQueued) {
		return &entity.ErrInvalidTransition{From: run.Status, To: entity.RunStatusQueued}
	}

	now := time.Now()
	if err := m.Runs.Transition(ctx, runID, []entity.RunStatus{run.Status}, entity.RunStatusQueued, now); err != nil {
		return err
	}
	m.publish(ctx, run.Status, entity.RunStatusQueued, runID, now)
	run.Status = entity.RunStatusQueued

	m.mu.Lock()
	admitted, err := m.admitLocked(ctx, run)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if admitted {
		if err := m.execute(ctx, run); err != nil {
			return err
		}
		return nil
	}

	if run.TriggeredBy == entity.TriggeredAuto {
		return ErrCapacityExceeded
	}
	return nil
}

// admitLocked reports whether run may move queued -> running right now.
// Callers must hold mu.
func (m *Manager) admitLocked(ctx context.Context, run *entity.AnalysisRun) (bool, error) {
	if m.emergencyStopped {
		return false, nil
	}

	running, err := m.Runs.CountRunningGlobal(ctx)
	if err != nil {
		return false, err
	}
	if running >= m.Config.MaxConcurrentRuns {
		return false, nil
	}

	dailyCap := m.Config.MaxDailyManualRuns
	if run.TriggeredBy == entity.TriggeredAuto {
		dailyCap = m.Config.MaxDailyAutoRuns
	}
	triggeredBy := run.TriggeredBy
	daily, err := m.Runs.CountSince(ctx, time.Now().Add(-24*time.Hour), &triggeredBy)
	if err != nil {
		return false, err
	}
	if daily >= dailyCap {
		return false, nil
	}

	// Hourly cap is the final gate: SlidingWindowAlgorithm.IsAllowed both
	// checks and reserves a slot atomically, so only consult it once the
	// cheaper DB-backed checks above have already passed.
	decision, err := m.hourlyAlgo.IsAllowed(ctx, hourlyAdmissionKey, m.hourlyStore, m.Config.MaxHourlyRuns, time.Hour)
	if err != nil {
		return false, err
	}
	if !decision.Allowed {
		return false, nil
	}

	return true, nil
}

// execute populates analysis_run_items and moves a run queued -> running.
// The item set is exactly what Preview resolved and stored on the run, so
// execute never re-resolves scope and cannot drift from what was previewed.
func (m *Manager) execute(ctx context.Context, run *entity.AnalysisRun) error {
	now := time.Now()
	if err := m.RunItems.BulkInsert(ctx, run.ID, run.Scope.ItemIDs, now); err != nil {
		return err
	}
	if err := m.Runs.Transition(ctx, run.ID, []entity.RunStatus{entity.RunStatusQueued}, entity.RunStatusRunning, now); err != nil {
		return err
	}
	m.publish(ctx, entity.RunStatusQueued, entity.RunStatusRunning, run.ID, now)
	return nil
}

// AdmitWaiting attempts to fill free concurrency slots from the FIFO
// waiting queue (status=queued, ordered by confirmed_at). Called after
// every terminal transition and safe to call speculatively from a
// dispatcher tick; it is a no-op when no slots are free.
func (m *Manager) AdmitWaiting(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiting, err := m.Runs.ListWaiting(ctx)
	if err != nil {
		slog.Error("analysisrun: list waiting failed", slog.Any("error", err))
		return
	}
	for _, run := range waiting {
		admitted, err := m.admitLocked(ctx, run)
		if err != nil {
			slog.Error("analysisrun: admission check failed", slog.Int64("run_id", run.ID), slog.Any("error", err))
			return
		}
		if !admitted {
			// FIFO: stop at the first run that can't be admitted rather
			// than letting a later, smaller-quota run jump the queue.
			return
		}
		if err := m.execute(ctx, run); err != nil {
			slog.Error("analysisrun: execute from waiting queue failed", slog.Int64("run_id", run.ID), slog.Any("error", err))
			return
		}
	}
}

// Pause moves a running run to paused; the worker pool stops pulling items
// from it on its next dispatcher tick.
func (m *Manager) Pause(ctx context.Context, runID int64) error {
	now := time.Now()
	if err := m.Runs.Transition(ctx, runID, []entity.RunStatus{entity.RunStatusRunning}, entity.RunStatusPaused, now); err != nil {
		return err
	}
	m.publish(ctx, entity.RunStatusRunning, entity.RunStatusPaused, runID, now)
	return nil
}

// Resume moves a paused run back to running.
func (m *Manager) Resume(ctx context.Context, runID int64) error {
	now := time.Now()
	if err := m.Runs.Transition(ctx, runID, []entity.RunStatus{entity.RunStatusPaused}, entity.RunStatusRunning, now); err != nil {
		return err
	}
	m.publish(ctx, entity.RunStatusPaused, entity.RunStatusRunning, runID, now)
	return nil
}

// Cancel moves a run from any of {queued, running, paused} to cancelled.
// In-flight items are allowed to complete; queued items are not started.
func (m *Manager) Cancel(ctx context.Context, runID int64) error {
	run, err := m.Runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now()
	from := []entity.RunStatus{entity.RunStatusQueued, entity.RunStatusRunning, entity.RunStatusPaused}
	if err := m.Runs.Transition(ctx, runID, from, entity.RunStatusCancelled, now); err != nil {
		return err
	}
	m.publish(ctx, run.Status, entity.RunStatusCancelled, runID, now)
	m.AdmitWaiting(ctx)
	return nil
}

// EmergencyStop pauses every currently running run and refuses further
// admissions until ResumeAll is called.
func (m *Manager) EmergencyStop(ctx context.Context) error {
	m.mu.Lock()
	m.emergencyStopped = true
	m.mu.Unlock()

	running, err := m.Runs.ListByStatus(ctx, []entity.RunStatus{entity.RunStatusRunning})
	if err != nil {
		return err
	}
	now := time.Now()
	paused := 0
	for _, run := range running {
		if err := m.Runs.Transition(ctx, run.ID, []entity.RunStatus{entity.RunStatusRunning}, entity.RunStatusPaused, now); err != nil {
			var conflict *entity.ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return err
		}
		m.publish(ctx, entity.RunStatusRunning, entity.RunStatusPaused, run.ID, now)
		paused++
	}
	if m.Bus != nil {
		m.Bus.Publish(ctx, entity.EmergencyStopped{PausedRunCount: paused, At: now})
	}
	return nil
}

// ResumeAll clears the emergency-stop flag, resumes every paused run, and
// attempts to admit the waiting queue now that slots may be free again.
func (m *Manager) ResumeAll(ctx context.Context) error {
	m.mu.Lock()
	m.emergencyStopped = false
	m.mu.Unlock()

	paused, err := m.Runs.ListByStatus(ctx, []entity.RunStatus{entity.RunStatusPaused})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, run := range paused {
		if err := m.Runs.Transition(ctx, run.ID, []entity.RunStatus{entity.RunStatusPaused}, entity.RunStatusRunning, now); err != nil {
			var conflict *entity.ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return err
		}
		m.publish(ctx, entity.RunStatusPaused, entity.RunStatusRunning, run.ID, now)
	}

	m.AdmitWaiting(ctx)
	return nil
}
