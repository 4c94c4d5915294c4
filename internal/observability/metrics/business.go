package metrics

import (
	"fmt"
	"time"
)

// RecordItemsFetched records the number of items fetched from a feed.
// This metric helps track feed crawling performance and feed activity.
func RecordItemsFetched(feedTitle string, feedID int64, count int) {
	ItemsFetchedTotal.WithLabelValues(
		feedTitle,
		fmt.Sprintf("%d", feedID),
	).Add(float64(count))
}

// RecordItemAnalyzed records the result of an item sentiment/impact analysis
// operation. Status should be either "success" or "failure".
func RecordItemAnalyzed(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	ItemsAnalyzedTotal.WithLabelValues(status).Inc()
}

// RecordAnalysisDuration records the time taken for one provider call
// against an item, successful or not.
func RecordAnalysisDuration(duration time.Duration) {
	AnalysisDuration.Observe(duration.Seconds())
}

// RecordFeedCrawl records metrics for a feed crawl operation.
func RecordFeedCrawl(feedID int64, duration time.Duration, itemsFound, itemsInserted, itemsDuplicated int64) {
	FeedCrawlDuration.WithLabelValues(
		fmt.Sprintf("%d", feedID),
	).Observe(duration.Seconds())

	// Record the breakdown of items processed
	if itemsFound > 0 {
		RecordItemsFetched("", feedID, int(itemsFound))
	}
}

// RecordFeedCrawlError records an error during feed crawling.
func RecordFeedCrawlError(feedID int64, errorType string) {
	FeedCrawlErrors.WithLabelValues(
		fmt.Sprintf("%d", feedID),
		errorType,
	).Inc()
}

// UpdateItemsTotal updates the total count of items in the database.
// This gauge should be updated periodically to reflect the current state.
func UpdateItemsTotal(count int) {
	ItemsTotal.Set(float64(count))
}

// UpdateFeedsTotal updates the total count of feeds in the database.
// This gauge should be updated periodically to reflect the current state.
func UpdateFeedsTotal(count int) {
	FeedsTotal.Set(float64(count))
}

// RecordContentFetchSuccess records a successful content fetch operation.
// This tracks both the duration and size of fetched content.
//
// Parameters:
//   - duration: Time taken to fetch the content
//   - size: Size of fetched content in bytes
//
// Example:
//
//	start := time.Now()
//	content, err := fetcher.FetchContent(ctx, url)
//	if err == nil {
//	    RecordContentFetchSuccess(time.Since(start), len(content))
//	}
func RecordContentFetchSuccess(duration time.Duration, size int) {
	ContentFetchAttemptsTotal.WithLabelValues("success").Inc()
	ContentFetchDuration.Observe(duration.Seconds())
	ContentFetchSize.Observe(float64(size))
}

// RecordContentFetchFailed records a failed content fetch operation.
//
// Parameters:
//   - duration: Time taken before the fetch failed
//
// Example:
//
//	start := time.Now()
//	_, err := fetcher.FetchContent(ctx, url)
//	if err != nil {
//	    RecordContentFetchFailed(time.Since(start))
//	}
func RecordContentFetchFailed(duration time.Duration) {
	ContentFetchAttemptsTotal.WithLabelValues("failure").Inc()
	ContentFetchDuration.Observe(duration.Seconds())
}

// RecordContentFetchSkipped records a skipped content fetch operation.
// This occurs when RSS content is sufficient (>= threshold) and fetching is unnecessary.
//
// Example:
//
//	if len(rssContent) >= threshold {
//	    RecordContentFetchSkipped()
//	    return rssContent
//	}
func RecordContentFetchSkipped() {
	ContentFetchAttemptsTotal.WithLabelValues("skipped").Inc()
}

// RecordDBQuery records the duration of a database query operation.
// Operation should describe the query type (e.g., "claim_due", "upsert_item").
func RecordDBQuery(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateDBConnectionStats updates database connection pool statistics.
func UpdateDBConnectionStats(active, idle int) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}
