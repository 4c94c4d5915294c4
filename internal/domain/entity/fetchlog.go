package entity

import "time"

// FetchStatus is the outcome of one fetch attempt.
type FetchStatus string

const (
	FetchStatusPending FetchStatus = "pending"
	FetchStatusSuccess FetchStatus = "success"
	FetchStatusPartial FetchStatus = "partial"
	FetchStatusFailure FetchStatus = "failure"
)

// FetchLog is an append-only record of one fetch attempt against one feed.
type FetchLog struct {
	ID             int64
	FeedID         int64
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         FetchStatus
	ItemsFound     int
	ItemsNew       int
	ItemsDropped   int
	ErrorMessage   string
	ResponseTimeMS int64
}
