package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketpulse/internal/domain/entity"
)

func TestDiscordNotifier_buildEmbedPayload(t *testing.T) {
	n := NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: "https://discord.com/api/webhooks/test", Timeout: 10 * time.Second})

	event := entity.CriticalEvent{
		Title:    "feature flag auto-tripped",
		Message:  "error rate exceeded threshold",
		Severity: entity.SeverityCritical,
		At:       time.Date(2025, 11, 15, 12, 0, 0, 0, time.UTC),
	}

	payload := n.buildEmbedPayload(event)
	if len(payload.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(payload.Embeds))
	}
	embed := payload.Embeds[0]
	if embed.Title != event.Title {
		t.Errorf("expected title %q, got %q", event.Title, embed.Title)
	}
	if embed.Color != discordRedColor {
		t.Errorf("expected critical severity to use red, got %d", embed.Color)
	}
}

func TestDiscordNotifier_buildEmbedPayload_TruncatesLongTitle(t *testing.T) {
	n := NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: "https://discord.com/api/webhooks/test", Timeout: 10 * time.Second})

	event := entity.CriticalEvent{Title: strings.Repeat("a", maxTitleLength+50), Severity: entity.SeverityWarning, At: time.Now()}
	payload := n.buildEmbedPayload(event)

	if len(payload.Embeds[0].Title) != maxTitleLength {
		t.Errorf("expected title truncated to %d, got %d", maxTitleLength, len(payload.Embeds[0].Title))
	}
}

func TestDiscordNotifier_NotifyEvent_Success(t *testing.T) {
	var gotPayload DiscordWebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotPayload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: server.URL, Timeout: 5 * time.Second})

	err := n.NotifyEvent(context.Background(), entity.CriticalEvent{Title: "emergency stop", Severity: entity.SeverityCritical, At: time.Now()})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(gotPayload.Embeds) != 1 || gotPayload.Embeds[0].Title != "emergency stop" {
		t.Errorf("expected webhook to carry the event title, got %+v", gotPayload)
	}
}

func TestDiscordNotifier_NotifyEvent_ClientErrorNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad request","code":50006}`))
	}))
	defer server.Close()

	n := NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: server.URL, Timeout: 5 * time.Second})

	err := n.NotifyEvent(context.Background(), entity.CriticalEvent{Title: "flag tripped", Severity: entity.SeverityWarning, At: time.Now()})
	if err == nil {
		t.Fatal("expected an error for a 4xx response")
	}
	if attempts != 1 {
		t.Errorf("expected no retry on a client error, got %d attempts", attempts)
	}
}
