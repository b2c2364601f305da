package eventbridge

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/weftlabs/weft/workflow"
)

// TriggerPrefix scopes the subjects that can start workflow runs.
// External events arrive as "workflow.trigger.<event>" and are matched
// against workflow trigger patterns with the prefix stripped.
const TriggerPrefix = "workflow.trigger."

// WorkflowSource lists the workflows eligible for triggering.
type WorkflowSource interface {
	ActiveWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
}

// Starter starts a workflow run from a trigger event.
type Starter interface {
	Start(ctx context.Context, wf *workflow.Workflow, event map[string]any) (*workflow.Run, error)
}

// Bridge connects the event bus to the execution engine. Inbound
// trigger events start runs for matching active workflows; outbound
// engine progress events are forwarded onto the bus.
type Bridge struct {
	bus       Bus
	workflows WorkflowSource
	engine    Starter
	logger    *zap.Logger
}

// NewBridge creates a bridge over the given bus.
func NewBridge(bus Bus, workflows WorkflowSource, engine Starter, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		bus:       bus,
		workflows: workflows,
		engine:    engine,
		logger:    logger.With(zap.String("component", "bridge")),
	}
}

// Run subscribes to trigger subjects and dispatches matching events
// until the returned unsubscribe function is called.
func (b *Bridge) Run() (func(), error) {
	return b.bus.Subscribe(TriggerPrefix+">", b.OnEvent)
}

// OnEvent starts a run for every active workflow whose trigger pattern
// matches the event subject. Events that match no workflow are dropped
// without error.
func (b *Bridge) OnEvent(ctx context.Context, subject string, payload map[string]any) {
	event, ok := strings.CutPrefix(subject, TriggerPrefix)
	if !ok {
		return
	}

	wfs, err := b.workflows.ActiveWorkflows(ctx)
	if err != nil {
		b.logger.Error("listing active workflows", zap.Error(err))
		return
	}

	for _, wf := range wfs {
		pattern := wf.Trigger.Pattern
		if pattern == "" {
			pattern = wf.Trigger.Event
		}
		if pattern == "" || !MatchSubject(pattern, event) {
			continue
		}
		run, err := b.engine.Start(ctx, wf, payload)
		if err != nil {
			b.logger.Error("starting run from trigger",
				zap.String("workflow_id", wf.ID),
				zap.String("subject", subject),
				zap.Error(err),
			)
			continue
		}
		b.logger.Info("run triggered",
			zap.String("workflow_id", wf.ID),
			zap.String("run_id", run.ID),
			zap.String("subject", subject),
		)
	}
}

// Publish implements workflow.Publisher, forwarding engine progress
// events onto the bus.
func (b *Bridge) Publish(ctx context.Context, subject string, payload map[string]any) error {
	return b.bus.Publish(ctx, subject, payload)
}
