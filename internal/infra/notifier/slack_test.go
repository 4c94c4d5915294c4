package notifier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketpulse/internal/domain/entity"
)

func TestBuildWebhookMessage(t *testing.T) {
	event := entity.CriticalEvent{
		Title:    "emergency stop triggered",
		Message:  "6 running analysis runs paused",
		Severity: entity.SeverityCritical,
		At:       time.Date(2025, 11, 15, 12, 0, 0, 0, time.UTC),
	}

	msg := buildWebhookMessage(event)

	if !strings.Contains(msg.Text, "emergency stop triggered") {
		t.Errorf("expected fallback text to contain the title, got %q", msg.Text)
	}
	if msg.Blocks == nil || len(msg.Blocks.BlockSet) != 2 {
		t.Fatalf("expected 2 blocks, got %#v", msg.Blocks)
	}
}

func TestBuildWebhookMessage_TruncatesLongBody(t *testing.T) {
	event := entity.CriticalEvent{
		Title:    "flag tripped",
		Message:  strings.Repeat("x", maxSlackTextLength+500),
		Severity: entity.SeverityWarning,
		At:       time.Now(),
	}

	truncated := truncateSummary(event.Message, maxSlackTextLength, slackTruncationSuffix)
	if len(truncated) > maxSlackTextLength {
		t.Errorf("expected body truncated to %d chars, got %d", maxSlackTextLength, len(truncated))
	}
	if !strings.HasSuffix(truncated, slackTruncationSuffix) {
		t.Errorf("expected truncation suffix, got %q", truncated[len(truncated)-10:])
	}
}

func TestSlackNotifier_NotifyEvent_Success(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	n := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: server.URL, Timeout: 5 * time.Second})

	err := n.NotifyEvent(context.Background(), entity.CriticalEvent{
		Title:    "emergency stop",
		Message:  "paused 3 runs",
		Severity: entity.SeverityCritical,
		At:       time.Now(),
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !strings.Contains(gotBody, "emergency stop") {
		t.Errorf("expected webhook body to reference the event title, got %q", gotBody)
	}
}

func TestSlackNotifier_NotifyEvent_RetriesServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	n := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: server.URL, Timeout: 5 * time.Second})
	n.rateLimiter = NewRateLimiter(1000, 1) // don't let the test wait on the real 1 req/s limit

	start := time.Now()
	err := n.NotifyEvent(context.Background(), entity.CriticalEvent{Title: "flag tripped", Severity: entity.SeverityWarning, At: time.Now()})
	if err != nil {
		t.Fatalf("expected eventual success after retry, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if time.Since(start) < 4*time.Second {
		t.Errorf("expected the retry to wait out the base delay")
	}
}
