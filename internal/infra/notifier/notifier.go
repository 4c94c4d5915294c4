// Package notifier provides abstraction for sending operational notifications
// about control-plane critical events (emergency stops, feature-flag trips).
// It defines the Notifier interface which allows different delivery
// mechanisms (Slack, Discord, etc.) to be used interchangeably through
// dependency injection.
//
// The package includes a Slack implementation built on slack-go/slack, a
// Discord webhook implementation, and a no-op notifier for when
// notifications are disabled.
package notifier

import (
	"context"

	"marketpulse/internal/domain/entity"
)

// Notifier is an interface for sending critical-event notifications.
// Implementations should handle rate limiting, retries, and error logging
// internally.
type Notifier interface {
	// NotifyEvent sends a notification about a control-plane critical event.
	//
	// Implementations should:
	//   - Generate a unique request ID for tracing
	//   - Apply rate limiting to prevent API abuse
	//   - Retry transient failures with exponential backoff
	//   - Log all attempts with the request ID for debugging
	//   - Respect context cancellation
	NotifyEvent(ctx context.Context, event entity.CriticalEvent) error
}
