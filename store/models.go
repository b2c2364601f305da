package store

import (
	"time"

	"github.com/weftlabs/weft/workflow"
)

// WorkflowModel is the persisted workflow definition.
type WorkflowModel struct {
	ID             string          `gorm:"primaryKey;size:64" json:"id"`
	Name           string          `gorm:"size:255;not null" json:"name"`
	TriggerEvent   string          `gorm:"size:255" json:"triggerEvent"`
	TriggerPattern string          `gorm:"size:255;index" json:"triggerPattern"`
	Status         string          `gorm:"size:20;not null;index" json:"status"`
	Nodes          []workflow.Node `gorm:"type:json;serializer:json" json:"nodes"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName implements the gorm table name convention.
func (WorkflowModel) TableName() string { return "workflows" }

// Domain converts the stored definition to the engine type.
func (m *WorkflowModel) Domain() *workflow.Workflow {
	return &workflow.Workflow{
		ID:     m.ID,
		Name:   m.Name,
		Status: workflow.WorkflowStatus(m.Status),
		Trigger: workflow.Trigger{
			Event:   m.TriggerEvent,
			Pattern: m.TriggerPattern,
		},
		Nodes: m.Nodes,
	}
}

// AgentModel is the persisted agent registration. Immutable once a run
// references it.
type AgentModel struct {
	ID             string                `gorm:"primaryKey;size:64" json:"id"`
	Type           string                `gorm:"size:100;not null" json:"type"`
	Image          string                `gorm:"size:255;not null" json:"image"`
	EntryPath      string                `gorm:"size:255;not null" json:"entryPath"`
	Version        string                `gorm:"size:50" json:"version"`
	RiskLevel      string                `gorm:"size:30;not null;default:AUTO" json:"riskLevel"`
	Class          string                `gorm:"size:20;not null;default:task" json:"class"`
	ProbeCmd       []string              `gorm:"type:json;serializer:json" json:"probeCmd,omitempty"`
	FatalExitCodes []int                 `gorm:"type:json;serializer:json" json:"fatalExitCodes,omitempty"`
	Capabilities   []workflow.Capability `gorm:"type:json;serializer:json" json:"capabilities,omitempty"`
	CreatedAt      time.Time             `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time             `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName implements the gorm table name convention.
func (AgentModel) TableName() string { return "agents" }

// Domain converts the stored registration to the engine type.
func (m *AgentModel) Domain() *workflow.Agent {
	return &workflow.Agent{
		ID:             m.ID,
		Type:           m.Type,
		Image:          m.Image,
		EntryPath:      m.EntryPath,
		Version:        m.Version,
		RiskLevel:      workflow.RiskLevel(m.RiskLevel),
		Class:          workflow.AgentClass(m.Class),
		ProbeCmd:       m.ProbeCmd,
		FatalExitCodes: m.FatalExitCodes,
		Capabilities:   m.Capabilities,
	}
}

// RunModel is the persisted workflow run.
type RunModel struct {
	ID            string         `gorm:"primaryKey;size:64" json:"id"`
	WorkflowID    string         `gorm:"size:64;not null;index" json:"workflowId"`
	Status        string         `gorm:"size:30;not null;index" json:"status"`
	Context       map[string]any `gorm:"type:json;serializer:json" json:"context"`
	StartedAt     time.Time      `json:"startedAt"`
	EndedAt       *time.Time     `json:"endedAt,omitempty"`
	FailureReason string         `gorm:"size:255" json:"failureReason,omitempty"`
	FailedNodeID  string         `gorm:"size:64" json:"failedNodeId,omitempty"`
}

// TableName implements the gorm table name convention.
func (RunModel) TableName() string { return "workflow_runs" }

// AgentRunModel is one persisted node attempt. Append-mostly: retries
// add rows, preserving the full execution history.
type AgentRunModel struct {
	ID         string         `gorm:"primaryKey;size:64" json:"id"`
	RunID      string         `gorm:"size:64;not null;index" json:"runId"`
	NodeID     string         `gorm:"size:64;not null;index" json:"nodeId"`
	Attempt    int            `gorm:"not null" json:"attempt"`
	Status     string         `gorm:"size:30;not null" json:"status"`
	Input      map[string]any `gorm:"type:json;serializer:json" json:"input,omitempty"`
	Output     map[string]any `gorm:"type:json;serializer:json" json:"output,omitempty"`
	Error      string         `gorm:"type:text" json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

// TableName implements the gorm table name convention.
func (AgentRunModel) TableName() string { return "agent_runs" }

// ApprovalModel is one persisted human decision.
type ApprovalModel struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	RunID       string     `gorm:"size:64;not null;index" json:"runId"`
	NodeID      string     `gorm:"size:64;not null" json:"nodeId"`
	Status      string     `gorm:"size:20;not null;default:PENDING" json:"status"`
	RequestedAt time.Time  `json:"requestedAt"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	RespondedBy string     `gorm:"size:100" json:"respondedBy,omitempty"`
	Notes       string     `gorm:"type:text" json:"notes,omitempty"`
}

// TableName implements the gorm table name convention.
func (ApprovalModel) TableName() string { return "workflow_approvals" }

// Domain converts the stored approval to the engine type.
func (m *ApprovalModel) Domain() *workflow.Approval {
	return &workflow.Approval{
		ID:          m.ID,
		RunID:       m.RunID,
		NodeID:      m.NodeID,
		Status:      workflow.ApprovalStatus(m.Status),
		RequestedAt: m.RequestedAt,
		RespondedAt: m.RespondedAt,
		RespondedBy: m.RespondedBy,
		Notes:       m.Notes,
	}
}
