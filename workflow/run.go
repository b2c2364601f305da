package workflow

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/weftlabs/weft/types"
)

// RunStatus is the lifecycle state of a WorkflowRun. Transitions are
// monotonic: a run never returns to PENDING, and COMPLETED/FAILED are
// terminal.
type RunStatus string

const (
	RunPending        RunStatus = "PENDING"
	RunRunning        RunStatus = "RUNNING"
	RunPausedApproval RunStatus = "PAUSED_APPROVAL"
	RunCompleted      RunStatus = "COMPLETED"
	RunFailed         RunStatus = "FAILED"
)

// Terminal reports whether the status is terminal.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// runTransitions enumerates the legal status transitions.
var runTransitions = map[RunStatus][]RunStatus{
	RunPending:        {RunRunning, RunFailed},
	RunRunning:        {RunPausedApproval, RunCompleted, RunFailed},
	RunPausedApproval: {RunRunning, RunFailed},
}

// AgentRunStatus is the lifecycle state of one node attempt.
type AgentRunStatus string

const (
	AgentRunWaitingApproval AgentRunStatus = "WAITING_APPROVAL"
	AgentRunSuccess         AgentRunStatus = "SUCCESS"
	AgentRunFailed          AgentRunStatus = "FAILED"
)

// AgentRun records one execution attempt of a single node within a
// run. Retries produce one AgentRun per attempt, preserving the full
// audit trail. A gated node additionally gets an attempt-0
// WAITING_APPROVAL row covering the approval window.
type AgentRun struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	NodeID     string         `json:"node_id"`
	Attempt    int            `json:"attempt"`
	Status     AgentRunStatus `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Run is one execution instance of a workflow. Mutated exclusively by
// the engine goroutine that owns it.
type Run struct {
	ID            string      `json:"id"`
	WorkflowID    string      `json:"workflow_id"`
	Status        RunStatus   `json:"status"`
	Context       *RunContext `json:"context"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	FailedNodeID  string      `json:"failed_node_id,omitempty"`

	mu sync.Mutex
}

// Transition moves the run to a new status, enforcing monotonicity.
func (r *Run) Transition(to RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, allowed := range runTransitions[r.Status] {
		if allowed == to {
			r.Status = to
			if to.Terminal() {
				r.EndedAt = time.Now()
			}
			return nil
		}
	}
	return types.Newf(types.ErrInternalError, "illegal run transition %s -> %s", r.Status, to)
}

// CurrentStatus returns the run status under the run's lock.
func (r *Run) CurrentStatus() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// RunContext is the accumulated key-value data available to template
// resolution: the triggering event payload plus the outputs of
// completed nodes. Node outputs are append-only; an output is never
// overwritten once written. All merges go through the single engine
// goroutine owning the run, the lock exists for concurrent readers.
type RunContext struct {
	mu      sync.RWMutex
	event   map[string]any
	outputs map[string]any
}

// NewRunContext seeds a run context with the triggering event payload.
func NewRunContext(event map[string]any) *RunContext {
	if event == nil {
		event = make(map[string]any)
	}
	return &RunContext{
		event:   event,
		outputs: make(map[string]any),
	}
}

// Event returns the trigger-time event payload.
func (c *RunContext) Event() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.event
}

// Output returns a completed node's recorded output.
func (c *RunContext) Output(nodeID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[nodeID]
	return out, ok
}

// MergeOutput records a node's output. Writing the same node twice is
// an internal error: the context only grows.
func (c *RunContext) MergeOutput(nodeID string, output any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outputs[nodeID]; exists {
		return types.Newf(types.ErrInternalError, "output for node %q already recorded", nodeID)
	}
	c.outputs[nodeID] = output
	return nil
}

// Snapshot renders the context as a plain JSON-shaped document:
//
//	{"context": {...event}, "nodes": {"<id>": {"output": ...}}}
func (c *RunContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make(map[string]any, len(c.outputs))
	for id, out := range c.outputs {
		nodes[id] = map[string]any{"output": out}
	}
	return map[string]any{
		"context": c.event,
		"nodes":   nodes,
	}
}

// MarshalJSON serializes the snapshot form.
func (c *RunContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}
