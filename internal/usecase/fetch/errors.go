// Package fetch implements one fetch attempt for one feed: HTTP GET, parse,
// dedupe, persist, and health bookkeeping.
package fetch

import "errors"

// Sentinel errors for fetch pipeline operations.
var (
	// ErrInvalidFeedFormat indicates the feed body could not be parsed as
	// RSS or Atom.
	ErrInvalidFeedFormat = errors.New("invalid feed format")

	// ErrFeedFetchFailed is a catch-all for non-retryable HTTP failures
	// (4xx other than 429).
	ErrFeedFetchFailed = errors.New("failed to fetch feed from source")
)
