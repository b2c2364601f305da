package workflow

import "context"

// Event bus subjects published by the engine as a run progresses.
const (
	SubjectRunStarted        = "workflow.run.started"
	SubjectRunPaused         = "workflow.run.paused"
	SubjectRunCompleted      = "workflow.run.completed"
	SubjectRunFailed         = "workflow.run.failed"
	SubjectAgentRunStarted   = "agent.run.started"
	SubjectAgentRunCompleted = "agent.run.completed"
)

// Publisher emits engine progress events. Publish failures are logged,
// never fatal to the run.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload map[string]any) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, string, map[string]any) error { return nil }

// AgentSource resolves agent metadata by id. Read-only during a run.
type AgentSource interface {
	Agent(ctx context.Context, id string) (*Agent, error)
}

// RunStore persists runs and per-attempt agent runs. The engine is the
// only writer for a given run.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	SaveAgentRun(ctx context.Context, ar *AgentRun) error
}
