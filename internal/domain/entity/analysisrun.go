package entity

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of an AnalysisRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// TriggerSource names who asked for a run to exist.
type TriggerSource string

const (
	TriggeredManual    TriggerSource = "manual"
	TriggeredAuto      TriggerSource = "auto"
	TriggeredScheduled TriggerSource = "scheduled"
)

// ScopeKind discriminates the tagged-union RunScope.
type ScopeKind string

const (
	ScopeGlobal    ScopeKind = "global"
	ScopeFeeds     ScopeKind = "feeds"
	ScopeItems     ScopeKind = "items"
	ScopeTimeRange ScopeKind = "timerange"
)

// RunScope is a tagged variant describing which items an AnalysisRun targets.
// Exactly the fields matching Kind are meaningful; the resolver reads this at
// preview time and never again, so the run's item set does not drift if the
// underlying feed/time data changes later.
type RunScope struct {
	Kind     ScopeKind
	FeedIDs  []int64
	ItemIDs  []int64
	RangeStart time.Time
	RangeEnd   time.Time
}

func (s RunScope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		return nil
	case ScopeFeeds:
		if len(s.FeedIDs) == 0 {
			return &ValidationError{Field: "scope.feed_ids", Message: "required for feeds scope"}
		}
	case ScopeItems:
		if len(s.ItemIDs) == 0 {
			return &ValidationError{Field: "scope.item_ids", Message: "required for items scope"}
		}
	case ScopeTimeRange:
		if !s.RangeStart.Before(s.RangeEnd) {
			return &ValidationError{Field: "scope.range", Message: "range_start must be before range_end"}
		}
	default:
		return &ValidationError{Field: "scope.kind", Message: "unknown scope kind"}
	}
	return nil
}

// RunParams are the operator-controlled knobs for a run, fixed at preview
// time and never mutated after confirm.
type RunParams struct {
	ModelTag        string
	RatePerSecond   float64
	Limit           int
	OverrideExisting bool
	TriggeredBy     TriggerSource
}

const (
	// DefaultRunLimit is the preview item-count cap when RunParams.Limit is unset.
	DefaultRunLimit = 200
	// MaxRunLimit is the hard ceiling on any run's resolved item count.
	MaxRunLimit = 5000
)

// AnalysisRun is a bounded batch of LLM analyses over a resolved item set.
type AnalysisRun struct {
	ID              int64
	Status          RunStatus
	Scope           RunScope
	Params          RunParams
	QueuedCount     int
	ProcessedCount  int
	FailedCount     int
	CostEstimateUSD float64
	ActualCostUSD   float64
	CreatedAt       time.Time
	ConfirmedAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastError       string
	TriggeredBy     TriggerSource
}

// validRunTransitions enumerates the allowed (from -> to) edges of the run
// state machine. pending -> running is deliberately absent: queued must
// always be visited in between, per the no-state-skipping invariant.
var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusPending: {
		RunStatusQueued:    true,
		RunStatusCompleted: true, // empty-scope / limit=0 runs complete immediately
	},
	RunStatusQueued: {
		RunStatusRunning:   true,
		RunStatusCancelled: true,
	},
	RunStatusRunning: {
		RunStatusPaused:    true,
		RunStatusCompleted: true,
		RunStatusFailed:    true,
		RunStatusCancelled: true,
	},
	RunStatusPaused: {
		RunStatusRunning:   true,
		RunStatusCancelled: true,
	},
}

// CanTransition reports whether (from -> to) is a legal edge in the run
// state machine. This is the single source of truth consulted by
// AnalysisRunManager before issuing a Store CAS transition.
func CanTransition(from, to RunStatus) bool {
	edges, ok := validRunTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ErrInvalidTransition is returned by callers building on CanTransition when
// an event does not correspond to a legal edge.
type ErrInvalidTransition struct {
	From, To RunStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid run transition %s -> %s", e.From, e.To)
}

// IsTerminal reports whether a run status is a terminal state that no
// longer holds a global concurrency slot.
func IsTerminal(s RunStatus) bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}
