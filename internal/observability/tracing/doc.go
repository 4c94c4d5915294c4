// Package tracing provides OpenTelemetry HTTP middleware for the control
// plane's metrics/health server.
//
// Middleware extracts W3C trace context from incoming requests, starts a
// server span per request, and echoes the trace ID back on X-Trace-Id for
// client-side correlation.
package tracing
