// Package observability provides an OpenTelemetry metrics extension for
// Backbeat. The MetricsExtension implements lifecycle hooks to record
// counters for job enqueue, start, completion, failure, retry, and
// cancellation, plus write-behind flush and reconciliation outcomes.
//
// For per-execution tracing, see middleware.Tracing().
package observability
