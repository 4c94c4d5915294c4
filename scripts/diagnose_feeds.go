// Command diagnose_feeds is an operator tool, separate from the control
// plane's own scheduler, for a one-off sweep of every registered feed: it
// fetches each feed directly (bypassing ClaimDue/backoff), parses it with
// the same gofeed library the scheduler uses, and writes a text/JSON/SQL
// report so an operator can see which feeds are broken before the next
// scheduled poll would notice.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// FeedDiagnostic is the one-feed result row written into every report.
type FeedDiagnostic struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Status        string `json:"status"` // OK, HTTP_ERROR, PARSE_ERROR, EMPTY, TIMEOUT, REDIRECT
	HTTPCode      int    `json:"http_code"`
	ItemCount     int    `json:"item_count"`
	LatestDate    string `json:"latest_date"`
	ErrorMessage  string `json:"error_message,omitempty"`
	FeedType      string `json:"feed_type"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	ResponseTime  int64  `json:"response_time_ms"`
	ContentLength int64  `json:"content_length"`
}

// feedRow is the subset of the feeds table this script reads; it queries
// directly rather than going through repository.FeedRepository so it has
// no dependency on the control plane's usecase packages.
type feedRow struct {
	ID    int64
	URL   string
	Title string
}

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("failed to close database: %v", closeErr)
		}
	}()

	feeds, err := fetchFeeds(db)
	if err != nil {
		log.Fatalf("failed to fetch feeds: %v", err)
	}

	log.Printf("diagnosing %d feeds...", len(feeds))

	diagnostics := make([]FeedDiagnostic, 0, len(feeds))
	for i, feed := range feeds {
		log.Printf("[%d/%d] diagnosing: %s", i+1, len(feeds), feed.Title)
		diag := diagnoseFeed(feed.Title, feed.URL, 30*time.Second)
		diagnostics = append(diagnostics, diag)

		// be polite to the servers we're about to poll on a schedule
		time.Sleep(500 * time.Millisecond)
	}

	generateReport(diagnostics)
	generateJSONReport(diagnostics)
	generateSQLFixes(diagnostics)
}

func fetchFeeds(db *sql.DB) ([]feedRow, error) {
	rows, err := db.Query(`SELECT id, url, title FROM feeds ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Printf("failed to close rows: %v", closeErr)
		}
	}()

	var feeds []feedRow
	for rows.Next() {
		var f feedRow
		if err := rows.Scan(&f.ID, &f.URL, &f.Title); err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

func diagnoseFeed(title, url string, timeout time.Duration) FeedDiagnostic {
	diag := FeedDiagnostic{Title: title, URL: url}

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		diag.Status = "REQUEST_ERROR"
		diag.ErrorMessage = err.Error()
		return diag
	}
	req.Header.Set("User-Agent", "marketpulse-diagnose-feeds/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	client := &http.Client{
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	diag.ResponseTime = time.Since(startTime).Milliseconds()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			diag.Status = "TIMEOUT"
			diag.ErrorMessage = fmt.Sprintf("request timeout after %v", timeout)
		} else {
			diag.Status = "HTTP_ERROR"
			diag.ErrorMessage = err.Error()
		}
		return diag
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("failed to close response body: %v", closeErr)
		}
	}()

	diag.HTTPCode = resp.StatusCode
	diag.ContentLength = resp.ContentLength

	if resp.Request.URL.String() != url {
		diag.RedirectURL = resp.Request.URL.String()
		diag.Status = "REDIRECT"
	}

	if resp.StatusCode != http.StatusOK {
		diag.Status = "HTTP_ERROR"
		diag.ErrorMessage = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status)
		return diag
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		diag.Status = "READ_ERROR"
		diag.ErrorMessage = err.Error()
		return diag
	}

	itemCount, latestDate, feedType, parseErr := parseFeed(body)
	if parseErr != nil {
		diag.Status = "PARSE_ERROR"
		diag.ErrorMessage = parseErr.Error()
		diag.FeedType = feedType
		return diag
	}

	diag.ItemCount = itemCount
	diag.LatestDate = latestDate
	diag.FeedType = feedType

	if itemCount == 0 {
		diag.Status = "EMPTY"
		diag.ErrorMessage = "feed has no items"
		return diag
	}

	if diag.Status == "" {
		diag.Status = "OK"
	}
	return diag
}

// parseFeed delegates to gofeed, the same parser internal/infra/scraper
// uses for live fetches, so a feed this script calls OK is one the
// scheduler would have accepted too.
func parseFeed(body []byte) (itemCount int, latestDate, feedType string, err error) {
	parser := gofeed.NewParser()
	parsed, err := parser.ParseString(string(body))
	if err != nil {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return 0, "", "UNKNOWN", fmt.Errorf("failed to parse as RSS or Atom: %w (content preview: %s)", err, preview)
	}

	feedType = strings.ToUpper(string(parsed.FeedType))
	if feedType == "" {
		feedType = "UNKNOWN"
	}

	itemCount = len(parsed.Items)
	if itemCount > 0 {
		latest := parsed.Items[0]
		if latest.PublishedParsed != nil {
			latestDate = latest.PublishedParsed.Format(time.RFC3339)
		} else if latest.UpdatedParsed != nil {
			latestDate = latest.UpdatedParsed.Format(time.RFC3339)
		} else {
			latestDate = latest.Published
		}
	}
	return itemCount, latestDate, feedType, nil
}

func writef(f *os.File, format string, args ...interface{}) error {
	_, err := fmt.Fprintf(f, format, args...)
	return err
}

func generateReport(diagnostics []FeedDiagnostic) {
	f, err := os.Create("feed_diagnostic_report.txt")
	if err != nil {
		log.Printf("failed to create report file: %v", err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Printf("failed to close report file: %v", closeErr)
		}
	}()

	_ = writef(f, "===============================================\n")
	_ = writef(f, "Feed Diagnostic Report\n")
	_ = writef(f, "Generated: %s\n", time.Now().Format(time.RFC3339))
	_ = writef(f, "Total Feeds: %d\n", len(diagnostics))
	_ = writef(f, "===============================================\n\n")

	statusCount := make(map[string]int)
	var okCount, errorCount int
	for _, d := range diagnostics {
		statusCount[d.Status]++
		if d.Status == "OK" || d.Status == "REDIRECT" {
			okCount++
		} else {
			errorCount++
		}
	}

	_ = writef(f, "SUMMARY:\n")
	if len(diagnostics) > 0 {
		_ = writef(f, "  working: %d (%.1f%%)\n", okCount, float64(okCount)/float64(len(diagnostics))*100)
		_ = writef(f, "  broken:  %d (%.1f%%)\n", errorCount, float64(errorCount)/float64(len(diagnostics))*100)
	}
	_ = writef(f, "\nSTATUS BREAKDOWN:\n")
	for status, count := range statusCount {
		_ = writef(f, "  %s: %d\n", status, count)
	}
	_ = writef(f, "\n")

	_ = writef(f, "WORKING FEEDS (%d):\n", statusCount["OK"]+statusCount["REDIRECT"])
	_ = writef(f, "-------------------------------------------\n")
	for _, d := range diagnostics {
		if d.Status != "OK" && d.Status != "REDIRECT" {
			continue
		}
		_ = writef(f, "Title: %s\n  URL: %s\n  Type: %s | Items: %d | Latest: %s\n  Response: %dms | HTTP: %d\n",
			d.Title, d.URL, d.FeedType, d.ItemCount, d.LatestDate, d.ResponseTime, d.HTTPCode)
		if d.RedirectURL != "" {
			_ = writef(f, "  redirected to: %s\n", d.RedirectURL)
		}
		_ = writef(f, "\n")
	}

	_ = writef(f, "\nBROKEN FEEDS (%d):\n", errorCount)
	_ = writef(f, "-------------------------------------------\n")
	for _, d := range diagnostics {
		if d.Status == "OK" || d.Status == "REDIRECT" {
			continue
		}
		_ = writef(f, "Title: %s\n  URL: %s\n  Status: %s | HTTP: %d\n  Error: %s\n  Response: %dms\n\n",
			d.Title, d.URL, d.Status, d.HTTPCode, d.ErrorMessage, d.ResponseTime)
	}

	log.Println("text report generated: feed_diagnostic_report.txt")
}

func generateJSONReport(diagnostics []FeedDiagnostic) {
	f, err := os.Create("feed_diagnostic_report.json")
	if err != nil {
		log.Printf("failed to create JSON report: %v", err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Printf("failed to close JSON report file: %v", closeErr)
		}
	}()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(diagnostics); err != nil {
		log.Printf("failed to write JSON report: %v", err)
		return
	}
	log.Println("JSON report generated: feed_diagnostic_report.json")
}

// generateSQLFixes emits statements an operator reviews and runs by hand
// (not executed by this script) against the feeds table directly, mirroring
// feedctl's own "enable/disable" admin surface at the SQL level for bulk
// cleanup after a sweep.
func generateSQLFixes(diagnostics []FeedDiagnostic) {
	f, err := os.Create("feed_fixes.sql")
	if err != nil {
		log.Printf("failed to create SQL fixes file: %v", err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Printf("failed to close SQL fixes file: %v", closeErr)
		}
	}()

	_ = writef(f, "-- SQL fixes for broken feeds\n-- Generated: %s\n\n", time.Now().Format(time.RFC3339))

	hasRedirects := false
	for _, d := range diagnostics {
		if d.RedirectURL == "" || d.RedirectURL == d.URL {
			continue
		}
		if !hasRedirects {
			_ = writef(f, "-- update redirected feeds\n")
			hasRedirects = true
		}
		_ = writef(f, "UPDATE feeds SET url = '%s' WHERE url = '%s'; -- %s\n",
			strings.ReplaceAll(d.RedirectURL, "'", "''"),
			strings.ReplaceAll(d.URL, "'", "''"),
			d.Title)
	}
	if hasRedirects {
		_ = writef(f, "\n")
	}

	hasBroken := false
	for _, d := range diagnostics {
		if d.Status == "OK" || d.Status == "REDIRECT" {
			continue
		}
		if !hasBroken {
			_ = writef(f, "-- disable broken feeds (review before running)\n")
			hasBroken = true
		}
		_ = writef(f, "UPDATE feeds SET status = 'inactive' WHERE url = '%s'; -- %s: %s\n",
			strings.ReplaceAll(d.URL, "'", "''"), d.Title, d.Status)
	}

	log.Println("SQL fixes generated: feed_fixes.sql")
}
