// Package scraper fetches and parses RSS/Atom feeds with conditional GET
// support and circuit-breaker/retry reliability patterns.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mmcdole/gofeed"
	"github.com/sony/gobreaker"

	"marketpulse/internal/resilience/circuitbreaker"
	"marketpulse/internal/resilience/retry"
	"marketpulse/internal/usecase/fetch"
)

const maxFeedBodyBytes = 10 << 20 // 10MiB

// RSSFetcher implements fetch.FeedSource using the gofeed library over a
// manually driven HTTP request, so response status and conditional-GET
// headers stay visible to the caller for failure classification and
// next-poll caching.
type RSSFetcher struct {
	client         *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewRSSFetcher(client *http.Client) *RSSFetcher {
	return &RSSFetcher{
		client:         client,
		circuitBreaker: circuitbreaker.New(circuitbreaker.FeedFetchConfig()),
		retryConfig:    retry.FeedFetchConfig(),
	}
}

var _ fetch.FeedSource = (*RSSFetcher)(nil)

// Fetch retrieves feedURL with conditional headers, retries transient
// failures, and parses the response body through gofeed.
func (f *RSSFetcher) Fetch(ctx context.Context, feedURL string, cond fetch.ConditionalGet) (fetch.FetchResult, error) {
	var result fetch.FetchResult

	retryErr := retry.WithBackoff(ctx, f.retryConfig, func() error {
		cbResult, err := f.circuitBreaker.Execute(func() (interface{}, error) {
			return f.doFetch(ctx, feedURL, cond)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				slog.Warn("feed fetch circuit breaker open, request rejected",
					slog.String("url", feedURL), slog.String("state", f.circuitBreaker.State().String()))
			}
			return err
		}
		result = cbResult.(fetch.FetchResult)
		return nil
	})
	if retryErr != nil {
		return result, retryErr
	}
	return result, nil
}

func (f *RSSFetcher) doFetch(ctx context.Context, feedURL string, cond fetch.ConditionalGet) (fetch.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return fetch.FetchResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "marketpulse-feed-bot/1.0")
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fetch.FetchResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	result := fetch.FetchResult{
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	if resp.StatusCode == http.StatusNotModified {
		result.NotModified = true
		return result, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &retry.HTTPError{StatusCode: resp.StatusCode, Message: resp.Status}
	}

	body := io.LimitReader(resp.Body, maxFeedBodyBytes+1)
	fp := gofeed.NewParser()
	parsed, err := fp.Parse(body)
	if err != nil {
		return result, fmt.Errorf("parse feed: %w", err)
	}

	result.Entries = make([]fetch.ParsedEntry, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		content := it.Content
		if content == "" {
			content = it.Description
		}
		author := ""
		if it.Author != nil {
			author = it.Author.Name
		}

		result.Entries = append(result.Entries, fetch.ParsedEntry{
			Title:       it.Title,
			Link:        it.Link,
			Description: it.Description,
			Content:     content,
			Author:      author,
			GUID:        it.GUID,
			PublishedAt: it.PublishedParsed,
		})
	}

	return result, nil
}
