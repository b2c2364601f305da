package workflow

import (
	"context"
	"time"
)

// StepRequest is one node dispatch handed to the container backend
// with inputs already resolved.
type StepRequest struct {
	RunID       string
	Node        *Node
	Agent       *Agent
	Inputs      map[string]any
	Timeout     time.Duration
	MaxAttempts int

	// OnAttempt is invoked at the start of every attempt, including
	// retries. Optional.
	OnAttempt func(attempt int)
}

// StepAttempt records a single execution attempt of a step.
type StepAttempt struct {
	Attempt   int
	StartedAt time.Time
	EndedAt   time.Time
	ExitCode  int
	Err       string
}

// StepResult is the outcome of running a step, including the full
// attempt history for the audit trail. Attempts is populated even when
// the step ultimately failed.
type StepResult struct {
	Output   map[string]any
	Stdout   string
	Stderr   string
	Attempts []StepAttempt
}

// StepRunner executes one agent step in an isolated container,
// applying resource limits, health checks, timeout enforcement, and
// retry with backoff. A non-nil StepResult accompanies errors so the
// engine can record the attempt trail.
type StepRunner interface {
	RunStep(ctx context.Context, req *StepRequest) (*StepResult, error)
}
