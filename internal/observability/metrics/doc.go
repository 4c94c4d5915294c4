// Package metrics provides Prometheus metrics registry and recording utilities.
//
// This package centralizes all application metrics including:
//   - HTTP request metrics (duration, count, size)
//   - Business metrics (items, feeds, analyses)
//   - Database query metrics
//   - Application performance metrics
//
// All metrics are automatically registered with the Prometheus default registry
// and exposed via the /metrics endpoint.
//
// Example usage:
//
//	import "marketpulse/internal/observability/metrics"
//
//	func processFeed(feedID int64) {
//	    start := time.Now()
//	    // ... fetch items ...
//	    count := 10
//
//	    metrics.RecordItemsFetched("", feedID, count)
//	    metrics.RecordOperationDuration("process_feed", time.Since(start))
//	}
package metrics
