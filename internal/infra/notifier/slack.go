package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goslack "github.com/slack-go/slack"

	"marketpulse/internal/domain/entity"
)

// SlackConfig contains configuration for Slack webhook notifications.
type SlackConfig struct {
	// Enabled indicates whether Slack notifications are enabled
	Enabled bool

	// WebhookURL is the Slack Incoming Webhook URL (includes authentication token)
	WebhookURL string

	// Timeout is the HTTP request timeout for Slack API calls
	Timeout time.Duration
}

// SlackNotifier sends critical-event notifications to Slack via Incoming
// Webhook, using the slack-go SDK's Block Kit builders and webhook client
// instead of a hand-rolled HTTP POST.
type SlackNotifier struct {
	config      SlackConfig
	rateLimiter *RateLimiter
}

// NewSlackNotifier creates a new SlackNotifier with the specified configuration.
//
// The notifier is initialized with a rate limiter set to 1 request/second
// with burst of 1 (Slack Webhook limit: 1 message per second).
func NewSlackNotifier(config SlackConfig) *SlackNotifier {
	return &SlackNotifier{
		config:      config,
		rateLimiter: NewRateLimiter(1.0, 1),
	}
}

const (
	maxSlackTextLength     = 2900
	slackTruncationSuffix  = "..."
	severityEmojiCritical  = ":rotating_light:"
	severityEmojiWarning   = ":warning:"
)

func severityEmoji(s entity.CriticalEventSeverity) string {
	if s == entity.SeverityCritical {
		return severityEmojiCritical
	}
	return severityEmojiWarning
}

// buildWebhookMessage builds a Slack Block Kit message for a critical event.
func buildWebhookMessage(event entity.CriticalEvent) *goslack.WebhookMessage {
	headerText := fmt.Sprintf("%s *%s*", severityEmoji(event.Severity), event.Title)
	body := truncateSummary(event.Message, maxSlackTextLength, slackTruncationSuffix)
	footer := fmt.Sprintf("severity: %s • %s", event.Severity, event.At.Format(time.RFC3339))

	return &goslack.WebhookMessage{
		Text: fmt.Sprintf("%s: %s", event.Title, event.Message),
		Blocks: &goslack.Blocks{
			BlockSet: []goslack.Block{
				goslack.NewSectionBlock(
					goslack.NewTextBlockObject(goslack.MarkdownType, headerText+"\n\n"+body, false, false),
					nil, nil,
				),
				goslack.NewContextBlock("",
					goslack.NewTextBlockObject(goslack.MarkdownType, footer, false, false),
				),
			},
		},
	}
}

// sendWebhookRequestWithRetry posts the event to Slack.
//
// Retry strategy:
//   - Max attempts: 2
//   - Delay before the second attempt: 5 seconds (base delay × attempt number)
func (s *SlackNotifier) sendWebhookRequestWithRetry(ctx context.Context, event entity.CriticalEvent) error {
	const (
		maxAttempts = 2
		baseDelay   = 5 * time.Second
	)

	requestID, _ := ctx.Value(requestIDKey).(string)
	msg := buildWebhookMessage(event)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		err := goslack.PostWebhookContext(callCtx, s.config.WebhookURL, msg)
		cancel()

		if err == nil {
			slog.Info("Slack notification successful",
				slog.String("request_id", requestID),
				slog.String("title", event.Title),
				slog.Int("attempt", attempt))
			return nil
		}

		lastErr = err

		if attempt < maxAttempts {
			delay := baseDelay * time.Duration(attempt)
			slog.Warn("Slack webhook request failed, retrying",
				slog.String("request_id", requestID),
				slog.String("title", event.Title),
				slog.Any("error", err),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return fmt.Errorf("context canceled during retry backoff: %w", ctx.Err())
			}
		}
	}

	slog.Error("Slack notification failed after all retries",
		slog.String("request_id", requestID),
		slog.String("title", event.Title),
		slog.Any("error", lastErr),
		slog.Int("max_attempts", maxAttempts))

	return fmt.Errorf("slack notification failed after %d attempts: %w", maxAttempts, lastErr)
}

// NotifyEvent implements the Notifier interface.
func (s *SlackNotifier) NotifyEvent(ctx context.Context, event entity.CriticalEvent) error {
	requestID := uuid.New().String()
	ctx = context.WithValue(ctx, requestIDKey, requestID)

	slog.Info("Starting Slack notification",
		slog.String("request_id", requestID),
		slog.String("title", event.Title),
		slog.String("severity", string(event.Severity)))

	if err := s.rateLimiter.Allow(ctx); err != nil {
		slog.Error("Rate limiter error",
			slog.String("request_id", requestID),
			slog.Any("error", err))
		return fmt.Errorf("rate limiter error: %w", err)
	}

	return s.sendWebhookRequestWithRetry(ctx, event)
}
