package entity

import "time"

// FeedHealth tracks rolling reliability metrics for one feed, updated after
// every fetch attempt. Exactly one row exists per feed.
type FeedHealth struct {
	FeedID              int64
	OKRatio             float64
	ConsecutiveFailures int
	AvgResponseTimeMS   float64
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	Uptime24h           float64
	Uptime7d            float64
	UpdatedAt           time.Time
}

// EWMAWindow is N in the ok_ratio EWMA over the last N fetch attempts.
const EWMAWindow = 50

// RecordAttempt folds the outcome of one fetch attempt into the rolling
// health metrics. responseTimeMS and success come from the just-completed
// FetchLog row.
func (h *FeedHealth) RecordAttempt(success bool, responseTimeMS int64, at time.Time) {
	alpha := 1.0 / float64(EWMAWindow)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if h.OKRatio == 0 && h.ConsecutiveFailures == 0 && h.LastSuccessAt == nil && h.LastFailureAt == nil {
		// first observation ever: seed rather than blend toward zero
		h.OKRatio = outcome
	} else {
		h.OKRatio = h.OKRatio + alpha*(outcome-h.OKRatio)
	}

	if h.AvgResponseTimeMS == 0 {
		h.AvgResponseTimeMS = float64(responseTimeMS)
	} else {
		h.AvgResponseTimeMS = h.AvgResponseTimeMS + alpha*(float64(responseTimeMS)-h.AvgResponseTimeMS)
	}

	if success {
		h.ConsecutiveFailures = 0
		h.LastSuccessAt = &at
	} else {
		h.ConsecutiveFailures++
		h.LastFailureAt = &at
	}
	h.UpdatedAt = at
}
