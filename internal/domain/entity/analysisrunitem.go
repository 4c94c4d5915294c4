package entity

import "time"

// RunItemState is the lifecycle state of one item within an AnalysisRun.
type RunItemState string

const (
	RunItemQueued     RunItemState = "queued"
	RunItemProcessing RunItemState = "processing"
	RunItemCompleted  RunItemState = "completed"
	RunItemFailed     RunItemState = "failed"
	RunItemSkipped    RunItemState = "skipped"
)

// IsTerminalRunItemState reports whether a run-item state no longer
// participates in the run's outstanding-work count.
func IsTerminalRunItemState(s RunItemState) bool {
	switch s {
	case RunItemCompleted, RunItemFailed, RunItemSkipped:
		return true
	default:
		return false
	}
}

// AnalysisRunItem is one item queued for analysis within a run. The pair
// (RunID, ItemID) is unique.
type AnalysisRunItem struct {
	RunID        int64
	ItemID       int64
	State        RunItemState
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	TokensUsed   int
	CostUSD      float64
	ErrorMessage string
}
