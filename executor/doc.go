// Package executor runs agent steps in isolated, resource-limited
// containers. It enforces per-class CPU/memory limits and a non-root
// UID, applies readiness probes to service-class agents, bounds every
// attempt with a wall-clock timeout, and retries transient failures
// with exponential backoff. Retry policy is a pure function of the
// structured error kind: transient errors retry, fatal ones fail the
// step immediately.
package executor
