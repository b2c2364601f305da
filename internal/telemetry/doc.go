// Package telemetry wraps OpenTelemetry SDK initialization, providing
// a centrally configured TracerProvider. When telemetry is disabled,
// noop providers are used and no external service is contacted.
package telemetry
