/*
Package handlers implements the weft HTTP API endpoints.

# Core types

  - WorkflowHandler: workflow definitions, triggering, run cancellation
  - RunsHandler: run status with per-node execution summaries
  - ApprovalsHandler: approve/reject pending human gates
  - AgentsHandler: agent registry CRUD
  - HealthHandler: /health, /healthz, /ready probes
  - Response: uniform JSON envelope (success plus data, error, timestamp)

All handlers follow standard net/http, use WriteSuccess/WriteError
helpers for the uniform envelope, and map types.ErrorCode values to
HTTP status codes.
*/
package handlers
