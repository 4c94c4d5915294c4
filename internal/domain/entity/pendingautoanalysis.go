package entity

import "time"

// PendingAutoAnalysisStatus is the lifecycle state of a batched auto-analysis job.
type PendingAutoAnalysisStatus string

const (
	PendingStatusPending    PendingAutoAnalysisStatus = "pending"
	PendingStatusProcessing PendingAutoAnalysisStatus = "processing"
	PendingStatusCompleted  PendingAutoAnalysisStatus = "completed"
	PendingStatusFailed     PendingAutoAnalysisStatus = "failed"
	PendingStatusExpired    PendingAutoAnalysisStatus = "expired"
)

// PendingExpiry is how old a still-pending job must be before the sweep
// marks it expired.
const PendingExpiry = 24 * time.Hour

// PendingAutoAnalysis batches new item ids from one feed awaiting conversion
// into a real AnalysisRun.
type PendingAutoAnalysis struct {
	ID            int64
	FeedID        int64
	ItemIDs       []int64
	Status        PendingAutoAnalysisStatus
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	AnalysisRunID *int64
	ErrorMessage  string
}

// IsExpired reports whether a still-pending job has aged past PendingExpiry
// as of now.
func (p *PendingAutoAnalysis) IsExpired(now time.Time) bool {
	return p.Status == PendingStatusPending && now.Sub(p.CreatedAt) >= PendingExpiry
}
