/*
Package metrics provides Prometheus-based instrumentation for the
engine and its HTTP surface.

The Collector registers its vectors through promauto and records
workflow run outcomes, per-node execution durations and attempt
counts, pending approvals, HTTP request stats, and database pool
gauges. It implements workflow.Metrics so the engine can report
without depending on prometheus directly.
*/
package metrics
