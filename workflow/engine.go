package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/types"
)

// Failure reasons recorded on terminal FAILED runs.
const (
	ReasonApprovalRejected = "approval_rejected"
	ReasonCancelled        = "cancelled"
	ReasonNodeFailed       = "node_failed"
)

// Metrics receives engine-level measurements. Implemented by
// internal/metrics; a nil Metrics disables instrumentation.
type Metrics interface {
	RunStarted(workflowID string)
	RunFinished(workflowID string, status RunStatus, duration time.Duration)
	NodeFinished(workflowID, nodeID string, status AgentRunStatus, duration time.Duration, attempts int)
	ApprovalPending(delta int)
}

// Options configures an Engine.
type Options struct {
	// MaxParallel bounds concurrent node dispatch within a tier.
	// Zero means unbounded within the tier (global executor slots
	// still apply).
	MaxParallel int
	Logger      *zap.Logger
	Publisher   Publisher
	Metrics     Metrics
	Tracer      trace.Tracer
}

// Engine drives workflow runs from trigger to terminal state. Each run
// executes on its own goroutine; the engine never blocks a caller
// while a run is suspended at an approval or a retry backoff.
type Engine struct {
	runner StepRunner
	gate   *Gate
	agents AgentSource
	store  RunStore
	pub    Publisher
	logger *zap.Logger
	tracer trace.Tracer
	mx     Metrics

	maxParallel int

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

// errCancelled marks engine-initiated run cancellation.
var errCancelled = types.NewError(types.ErrRunCancelled, "run cancelled")

// NewEngine creates an execution engine.
func NewEngine(runner StepRunner, gate *Gate, agents AgentSource, store RunStore, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pub := opts.Publisher
	if pub == nil {
		pub = NopPublisher{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("weft/workflow")
	}
	return &Engine{
		runner:      runner,
		gate:        gate,
		agents:      agents,
		store:       store,
		pub:         pub,
		logger:      logger.With(zap.String("component", "engine")),
		tracer:      tracer,
		mx:          opts.Metrics,
		maxParallel: opts.MaxParallel,
		active:      make(map[string]context.CancelCauseFunc),
	}
}

// Start validates the workflow graph and launches a new run. The graph
// is validated synchronously: a malformed or cyclic graph is rejected
// and no run is created. Execution proceeds asynchronously; the
// returned run is already persisted in RUNNING state.
func (e *Engine) Start(ctx context.Context, wf *Workflow, event map[string]any) (*Run, error) {
	tiers, err := Tiers(wf.Nodes)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     RunPending,
		Context:    NewRunContext(event),
		StartedAt:  time.Now(),
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run: %w", err)
	}
	if err := run.Transition(RunRunning); err != nil {
		return nil, err
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("updating run: %w", err)
	}

	// The run outlives the trigger request.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.active[run.ID] = cancel
	e.mu.Unlock()

	e.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("workflow_id", wf.ID),
		zap.Int("tiers", len(tiers)),
	)
	e.publish(runCtx, SubjectRunStarted, map[string]any{
		"runId":      run.ID,
		"workflowId": wf.ID,
	})
	if e.mx != nil {
		e.mx.RunStarted(wf.ID)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
			cancel(nil)
		}()
		e.executeRun(runCtx, wf, run, tiers)
	}()

	return run, nil
}

// Cancel requests cooperative cancellation of a non-terminal run.
// In-flight containers receive a kill signal and are not retried.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return types.Newf(types.ErrRunNotFound, "no active run %s", runID)
	}
	cancel(errCancelled)
	return nil
}

// Wait blocks until all active runs finish. Used on shutdown and in
// tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) executeRun(ctx context.Context, wf *Workflow, run *Run, tiers []Tier) {
	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("workflow.id", wf.ID),
		))
	defer span.End()

	for tierIdx, tier := range tiers {
		if ctx.Err() != nil {
			e.failRun(run, ReasonCancelled, "")
			return
		}
		if fail := e.executeTier(ctx, wf, run, tierIdx, tier); fail != nil {
			e.failRun(run, fail.reason, fail.nodeID)
			return
		}
	}

	if err := run.Transition(RunCompleted); err != nil {
		e.logger.Error("completing run", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	e.persistRun(run)
	e.logger.Info("run completed", zap.String("run_id", run.ID))
	e.publish(context.WithoutCancel(ctx), SubjectRunCompleted, map[string]any{"runId": run.ID})
	if e.mx != nil {
		e.mx.RunFinished(run.WorkflowID, RunCompleted, time.Since(run.StartedAt))
	}
}

// nodeFailure captures the first failure within a tier.
type nodeFailure struct {
	nodeID string
	reason string
	err    error
}

// executeTier dispatches every node in a tier concurrently, waits for
// all of them to reach a terminal state, and merges outputs into the
// run context only when the whole tier succeeded. Outputs of a failed
// tier are discarded from downstream use; completed earlier tiers
// remain intact for inspection.
func (e *Engine) executeTier(ctx context.Context, wf *Workflow, run *Run, tierIdx int, tier Tier) *nodeFailure {
	var (
		mu       sync.Mutex
		outputs  = make(map[string]map[string]any, len(tier))
		failures []*nodeFailure
		aborted  bool
	)

	var eg errgroup.Group
	if e.maxParallel > 0 {
		eg.SetLimit(e.maxParallel)
	}

	for _, nodeID := range tier {
		node, ok := wf.Node(nodeID)
		if !ok {
			return &nodeFailure{nodeID: nodeID, reason: ReasonNodeFailed,
				err: types.Newf(types.ErrMalformedGraph, "node %q missing from workflow", nodeID)}
		}
		eg.Go(func() error {
			mu.Lock()
			skip := aborted
			mu.Unlock()
			if skip || ctx.Err() != nil {
				// A sibling already failed the tier; nodes not yet
				// started are not dispatched.
				return nil
			}

			output, fail := e.executeNode(ctx, wf, run, node)

			mu.Lock()
			defer mu.Unlock()
			if fail != nil {
				failures = append(failures, fail)
				aborted = true
				return nil
			}
			outputs[node.ID] = output
			return nil
		})
	}
	eg.Wait()

	if ctx.Err() != nil {
		return &nodeFailure{reason: ReasonCancelled}
	}
	if len(failures) > 0 {
		// Deterministic pick when several siblings failed.
		first := failures[0]
		for _, f := range failures[1:] {
			if f.nodeID < first.nodeID {
				first = f
			}
		}
		return first
	}

	// Single-writer merge at the tier barrier: later tiers observe the
	// fully-written outputs of every earlier node.
	for _, nodeID := range tier {
		if err := run.Context.MergeOutput(nodeID, outputs[nodeID]); err != nil {
			return &nodeFailure{nodeID: nodeID, reason: ReasonNodeFailed, err: err}
		}
	}
	e.persistRun(run)

	e.logger.Debug("tier completed",
		zap.String("run_id", run.ID),
		zap.Int("tier", tierIdx),
		zap.Int("nodes", len(tier)),
	)
	return nil
}

// executeNode resolves inputs, passes the approval gate when required,
// and dispatches the step. Returns the node output or a failure.
func (e *Engine) executeNode(ctx context.Context, wf *Workflow, run *Run, node *Node) (map[string]any, *nodeFailure) {
	ctx, span := e.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(attribute.String("node.id", node.ID)))
	defer span.End()

	started := time.Now()

	agent, err := e.agents.Agent(ctx, node.AgentID)
	if err != nil {
		e.recordFailedAttempt(ctx, run, node, nil, started, err)
		return nil, &nodeFailure{nodeID: node.ID, reason: ReasonNodeFailed, err: err}
	}

	// Resolution happens immediately before dispatch so the node
	// observes every completed prior output.
	inputs, err := Resolve(node.Inputs, run.Context)
	if err != nil {
		e.recordFailedAttempt(ctx, run, node, nil, started, err)
		return nil, &nodeFailure{nodeID: node.ID, reason: ReasonNodeFailed, err: err}
	}

	if capability, ok := agent.Capability(node.Action); ok && len(capability.InputSchema) > 0 {
		schema, serr := types.ParseSchema(capability.InputSchema)
		if serr == nil && schema != nil {
			if verr := schema.Validate(inputs); verr != nil {
				e.recordFailedAttempt(ctx, run, node, inputs, started, verr)
				return nil, &nodeFailure{nodeID: node.ID, reason: ReasonNodeFailed, err: verr}
			}
		}
	}

	if node.ApprovalRequired || agent.RiskLevel == RiskApprovalRequired {
		if fail := e.awaitApproval(ctx, run, node); fail != nil {
			return nil, fail
		}
	}
	if ctx.Err() != nil {
		return nil, &nodeFailure{nodeID: node.ID, reason: ReasonCancelled}
	}

	req := &StepRequest{
		RunID:       run.ID,
		Node:        node,
		Agent:       agent,
		Inputs:      inputs,
		Timeout:     node.Timeout,
		MaxAttempts: node.MaxAttempts,
		OnAttempt: func(attempt int) {
			e.publish(ctx, SubjectAgentRunStarted, map[string]any{
				"runId":   run.ID,
				"nodeId":  node.ID,
				"attempt": attempt,
			})
		},
	}

	result, runErr := e.runner.RunStep(ctx, req)
	e.recordAttempts(ctx, run, node, inputs, result, runErr)

	status := AgentRunSuccess
	if runErr != nil {
		status = AgentRunFailed
	}
	if e.mx != nil {
		attempts := 0
		if result != nil {
			attempts = len(result.Attempts)
		}
		e.mx.NodeFinished(wf.ID, node.ID, status, time.Since(started), attempts)
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, &nodeFailure{nodeID: node.ID, reason: ReasonCancelled}
		}
		e.logger.Warn("node failed",
			zap.String("run_id", run.ID),
			zap.String("node_id", node.ID),
			zap.Error(runErr),
		)
		return nil, &nodeFailure{nodeID: node.ID, reason: ReasonNodeFailed, err: runErr}
	}

	e.publish(ctx, SubjectAgentRunCompleted, map[string]any{
		"runId":         run.ID,
		"nodeId":        node.ID,
		"outputSummary": summarize(result.Output),
	})
	return result.Output, nil
}

// awaitApproval pauses the run at an approval-required node. Sibling
// nodes in the same tier keep executing; pausing is per-node.
func (e *Engine) awaitApproval(ctx context.Context, run *Run, node *Node) *nodeFailure {
	approval, err := e.gate.Request(ctx, run.ID, node.ID)
	if err != nil {
		return &nodeFailure{nodeID: node.ID, reason: ReasonNodeFailed, err: err}
	}
	if e.mx != nil {
		e.mx.ApprovalPending(1)
		defer e.mx.ApprovalPending(-1)
	}

	// Attempt 0 marks the approval window in the audit trail; executor
	// attempts start at 1.
	waiting := &AgentRun{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		NodeID:    node.ID,
		Attempt:   0,
		Status:    AgentRunWaitingApproval,
		StartedAt: time.Now(),
	}
	if serr := e.store.SaveAgentRun(ctx, waiting); serr != nil {
		e.logger.Error("saving agent run", zap.String("node_id", node.ID), zap.Error(serr))
	}

	e.pauseRun(run)
	e.publish(ctx, SubjectRunPaused, map[string]any{
		"runId":      run.ID,
		"nodeId":     node.ID,
		"approvalId": approval.ID,
	})

	resolved, err := e.gate.Await(ctx, approval.ID)
	if err != nil {
		if ctx.Err() != nil {
			return &nodeFailure{nodeID: node.ID, reason: ReasonCancelled}
		}
		return &nodeFailure{nodeID: node.ID, reason: ReasonNodeFailed, err: err}
	}
	if resolved.Status == ApprovalRejected {
		return &nodeFailure{nodeID: node.ID, reason: ReasonApprovalRejected,
			err: types.Newf(types.ErrApprovalRejected, "node %s rejected by %s", node.ID, resolved.RespondedBy)}
	}

	e.resumeRun(run)
	return nil
}

// pauseRun moves a RUNNING run to PAUSED_APPROVAL. Already paused is
// fine: several approval nodes may be open at once.
func (e *Engine) pauseRun(run *Run) {
	if run.CurrentStatus() != RunRunning {
		return
	}
	if err := run.Transition(RunPausedApproval); err != nil {
		return
	}
	e.persistRun(run)
}

// resumeRun moves the run back to RUNNING once no approvals remain
// open for it.
func (e *Engine) resumeRun(run *Run) {
	if len(e.gate.Pending(run.ID)) > 0 {
		return
	}
	if run.CurrentStatus() != RunPausedApproval {
		return
	}
	if err := run.Transition(RunRunning); err != nil {
		return
	}
	e.persistRun(run)
}

// failRun drives the run to FAILED with a human-readable reason and
// the failing node id. Completed tiers' outputs remain on the run
// record for inspection.
func (e *Engine) failRun(run *Run, reason, nodeID string) {
	run.mu.Lock()
	run.FailureReason = reason
	run.FailedNodeID = nodeID
	run.mu.Unlock()
	if err := run.Transition(RunFailed); err != nil {
		e.logger.Error("failing run", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	e.persistRun(run)
	e.logger.Warn("run failed",
		zap.String("run_id", run.ID),
		zap.String("reason", reason),
		zap.String("node_id", nodeID),
	)
	e.publish(context.Background(), SubjectRunFailed, map[string]any{
		"runId":  run.ID,
		"nodeId": nodeID,
		"reason": reason,
	})
	if e.mx != nil {
		e.mx.RunFinished(run.WorkflowID, RunFailed, time.Since(run.StartedAt))
	}
}

// recordAttempts persists one AgentRun row per executed attempt.
func (e *Engine) recordAttempts(ctx context.Context, run *Run, node *Node, inputs map[string]any, result *StepResult, runErr error) {
	if result == nil || len(result.Attempts) == 0 {
		if runErr != nil {
			e.recordFailedAttempt(ctx, run, node, inputs, time.Now(), runErr)
		}
		return
	}
	last := len(result.Attempts) - 1
	for i, at := range result.Attempts {
		ar := &AgentRun{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			NodeID:     node.ID,
			Attempt:    at.Attempt,
			Status:     AgentRunFailed,
			Input:      inputs,
			Error:      at.Err,
			StartedAt:  at.StartedAt,
			EndedAt:    at.EndedAt,
			DurationMs: at.EndedAt.Sub(at.StartedAt).Milliseconds(),
		}
		if i == last && runErr == nil {
			ar.Status = AgentRunSuccess
			ar.Output = result.Output
		}
		if err := e.store.SaveAgentRun(ctx, ar); err != nil {
			e.logger.Error("saving agent run", zap.String("node_id", node.ID), zap.Error(err))
		}
	}
}

// recordFailedAttempt persists a single failed attempt for failures
// that happen before the executor is invoked (unknown agent, template
// resolution, schema validation).
func (e *Engine) recordFailedAttempt(ctx context.Context, run *Run, node *Node, inputs map[string]any, started time.Time, cause error) {
	now := time.Now()
	ar := &AgentRun{
		ID:         uuid.NewString(),
		RunID:      run.ID,
		NodeID:     node.ID,
		Attempt:    1,
		Status:     AgentRunFailed,
		Input:      inputs,
		Error:      cause.Error(),
		StartedAt:  started,
		EndedAt:    now,
		DurationMs: now.Sub(started).Milliseconds(),
	}
	if err := e.store.SaveAgentRun(ctx, ar); err != nil {
		e.logger.Error("saving agent run", zap.String("node_id", node.ID), zap.Error(err))
	}
}

func (e *Engine) persistRun(run *Run) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.Error("persisting run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, subject string, payload map[string]any) {
	if err := e.pub.Publish(ctx, subject, payload); err != nil {
		e.logger.Warn("publishing event", zap.String("subject", subject), zap.Error(err))
	}
}

// summarize trims a node output for event payloads: top-level keys
// only, values elided.
func summarize(output map[string]any) []string {
	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
