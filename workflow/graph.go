package workflow

import (
	"encoding/json"
	"time"
)

// RiskLevel controls whether an agent's nodes require human approval
// before dispatch.
type RiskLevel string

const (
	// RiskAuto dispatches without human intervention.
	RiskAuto RiskLevel = "AUTO"
	// RiskApprovalRequired gates every node of this agent behind an approval.
	RiskApprovalRequired RiskLevel = "APPROVAL_REQUIRED"
)

// AgentClass selects the container resource profile for an agent.
type AgentClass string

const (
	// ClassTask is a run-to-completion batch agent.
	ClassTask AgentClass = "task"
	// ClassService is a long-lived service-like agent with heavier defaults
	// and a readiness probe before use.
	ClassService AgentClass = "service"
)

// Capability is one invocable action of an agent, with its declared
// input/output schema. Capabilities are used for validation only and
// are never mutated by the engine.
type Capability struct {
	Action       string          `json:"action"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Agent is a registered executable unit. The engine treats the agent's
// code as opaque: it only knows the container image, the entry point,
// and the declared capabilities.
type Agent struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Image     string     `json:"image"`
	EntryPath string     `json:"entry_path"`
	Version   string     `json:"version"`
	RiskLevel RiskLevel  `json:"risk_level"`
	Class     AgentClass `json:"class"`
	ProbeCmd  []string   `json:"probe_cmd,omitempty"`
	// FatalExitCodes lists exit codes the agent declares as non-retryable.
	FatalExitCodes []int        `json:"fatal_exit_codes,omitempty"`
	Capabilities   []Capability `json:"capabilities,omitempty"`
}

// Capability returns the declared capability for an action.
func (a *Agent) Capability(action string) (*Capability, bool) {
	for i := range a.Capabilities {
		if a.Capabilities[i].Action == action {
			return &a.Capabilities[i], true
		}
	}
	return nil, false
}

// IsFatalExit reports whether the agent declares the exit code fatal.
func (a *Agent) IsFatalExit(code int) bool {
	for _, c := range a.FatalExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// WorkflowStatus is the authoring status of a workflow definition.
// Only ACTIVE workflows are eligible for event triggering.
type WorkflowStatus string

const (
	StatusActive   WorkflowStatus = "ACTIVE"
	StatusDraft    WorkflowStatus = "DRAFT"
	StatusArchived WorkflowStatus = "ARCHIVED"
)

// Trigger binds a workflow to inbound event subjects.
type Trigger struct {
	Event   string `json:"event"`
	Pattern string `json:"pattern"`
}

// Node is one DAG vertex: which agent action to run, the templated
// inputs, and the dependency edges. Immutable during execution.
type Node struct {
	ID               string            `json:"id"`
	AgentID          string            `json:"agent_id"`
	Action           string            `json:"action"`
	Inputs           map[string]string `json:"inputs,omitempty"`
	DependsOn        []string          `json:"depends_on,omitempty"`
	ApprovalRequired bool              `json:"approval_required,omitempty"`
	// Timeout overrides the executor's default wall-clock limit.
	Timeout time.Duration `json:"timeout,omitempty"`
	// MaxAttempts overrides the executor's default retry budget.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Workflow is a named DAG definition. Authored externally, read-only
// to the engine.
type Workflow struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Trigger Trigger        `json:"trigger"`
	Status  WorkflowStatus `json:"status"`
	Nodes   []Node         `json:"nodes"`
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}
