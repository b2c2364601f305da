package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/types"
)

// memEngineStore satisfies RunStore and ApprovalStore for engine tests.
type memEngineStore struct {
	*memApprovalStore

	mu        sync.Mutex
	runs      map[string]*Run
	agentRuns []*AgentRun
}

func newMemEngineStore() *memEngineStore {
	return &memEngineStore{
		memApprovalStore: newMemApprovalStore(),
		runs:             make(map[string]*Run),
	}
}

func (s *memEngineStore) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memEngineStore) UpdateRun(_ context.Context, run *Run) error {
	return s.SaveRun(context.Background(), run)
}

func (s *memEngineStore) SaveAgentRun(_ context.Context, ar *AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentRuns = append(s.agentRuns, ar)
	return nil
}

func (s *memEngineStore) agentRunsForNode(nodeID string) []*AgentRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AgentRun
	for _, ar := range s.agentRuns {
		if ar.NodeID == nodeID {
			out = append(out, ar)
		}
	}
	return out
}

// fakeRunner records dispatched steps and delegates to fn.
type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]*StepRequest
	order []string
	fn    func(ctx context.Context, req *StepRequest) (*StepResult, error)
}

func newFakeRunner(fn func(ctx context.Context, req *StepRequest) (*StepResult, error)) *fakeRunner {
	if fn == nil {
		fn = func(_ context.Context, req *StepRequest) (*StepResult, error) {
			return okResult(map[string]any{"node": req.Node.ID}), nil
		}
	}
	return &fakeRunner{calls: make(map[string]*StepRequest), fn: fn}
}

func (f *fakeRunner) RunStep(ctx context.Context, req *StepRequest) (*StepResult, error) {
	f.mu.Lock()
	f.calls[req.Node.ID] = req
	f.order = append(f.order, req.Node.ID)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeRunner) called(nodeID string) (*StepRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.calls[nodeID]
	return req, ok
}

func okResult(output map[string]any) *StepResult {
	now := time.Now()
	return &StepResult{
		Output:   output,
		Attempts: []StepAttempt{{Attempt: 1, StartedAt: now, EndedAt: now}},
	}
}

// fakeAgents resolves agents from a fixed map.
type fakeAgents map[string]*Agent

func (f fakeAgents) Agent(_ context.Context, id string) (*Agent, error) {
	a, ok := f[id]
	if !ok {
		return nil, types.Newf(types.ErrAgentNotFound, "agent %s not found", id)
	}
	return a, nil
}

// recordingPublisher collects published subjects.
type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) seen(subject string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

func defaultAgents() fakeAgents {
	return fakeAgents{
		"worker": {ID: "worker", Image: "worker:1", Class: ClassTask, RiskLevel: RiskAuto},
	}
}

type engineFixture struct {
	engine *Engine
	store  *memEngineStore
	gate   *Gate
	runner *fakeRunner
	pub    *recordingPublisher
}

func newEngineFixture(t *testing.T, runner *fakeRunner, agents fakeAgents) *engineFixture {
	t.Helper()
	st := newMemEngineStore()
	gate := NewGate(st, 0, zap.NewNop())
	pub := &recordingPublisher{}
	eng := NewEngine(runner, gate, agents, st, Options{
		MaxParallel: 4,
		Logger:      zap.NewNop(),
		Publisher:   pub,
	})
	return &engineFixture{engine: eng, store: st, gate: gate, runner: runner, pub: pub}
}

func TestEngine_LinearRunCompletes(t *testing.T) {
	fx := newEngineFixture(t, newFakeRunner(nil), defaultAgents())

	wf := &Workflow{
		ID:     "wf-1",
		Name:   "linear",
		Status: StatusActive,
		Nodes: []Node{
			{ID: "build", AgentID: "worker", Action: "run"},
			{ID: "deploy", AgentID: "worker", Action: "run",
				DependsOn: []string{"build"},
				Inputs:    map[string]string{"from": "{{ nodes[build].output.node }}"}},
		},
	}

	run, err := fx.engine.Start(context.Background(), wf, map[string]any{"commit": "abc"})
	require.NoError(t, err)
	assert.Equal(t, RunRunning, run.Status)

	fx.engine.Wait()

	assert.Equal(t, RunCompleted, run.CurrentStatus())
	assert.False(t, run.EndedAt.IsZero())

	// deploy resolved its input from build's output at dispatch time.
	req, ok := fx.runner.called("deploy")
	require.True(t, ok)
	assert.Equal(t, "build", req.Inputs["from"])

	assert.True(t, fx.pub.seen(SubjectRunStarted))
	assert.True(t, fx.pub.seen(SubjectRunCompleted))
	assert.Len(t, fx.store.agentRunsForNode("build"), 1)
	assert.Len(t, fx.store.agentRunsForNode("deploy"), 1)
}

func TestEngine_ParallelSiblingsAllExecute(t *testing.T) {
	var (
		spanMu sync.Mutex
		starts = map[string]time.Time{}
		ends   = map[string]time.Time{}
	)
	runner := newFakeRunner(func(_ context.Context, req *StepRequest) (*StepResult, error) {
		spanMu.Lock()
		starts[req.Node.ID] = time.Now()
		spanMu.Unlock()
		// Stagger the siblings so overlapping tiers would be visible.
		hold := 5 * time.Millisecond
		if req.Node.ID == "lint" {
			hold = 40 * time.Millisecond
		}
		time.Sleep(hold)
		spanMu.Lock()
		ends[req.Node.ID] = time.Now()
		spanMu.Unlock()
		return okResult(map[string]any{"node": req.Node.ID}), nil
	})
	fx := newEngineFixture(t, runner, defaultAgents())

	wf := &Workflow{
		ID: "wf-par", Name: "parallel", Status: StatusActive,
		Nodes: []Node{
			{ID: "fetch", AgentID: "worker", Action: "run"},
			{ID: "lint", AgentID: "worker", Action: "run", DependsOn: []string{"fetch"}},
			{ID: "test", AgentID: "worker", Action: "run", DependsOn: []string{"fetch"}},
			{ID: "ship", AgentID: "worker", Action: "run", DependsOn: []string{"lint", "test"}},
		},
	}

	run, err := fx.engine.Start(context.Background(), wf, nil)
	require.NoError(t, err)
	fx.engine.Wait()

	assert.Equal(t, RunCompleted, run.CurrentStatus())
	for _, id := range []string{"fetch", "lint", "test", "ship"} {
		_, ok := fx.runner.called(id)
		assert.True(t, ok, "node %s must have been dispatched", id)
	}

	// The tier barrier holds: no node starts before every node of the
	// previous tier has finished, even while a slow sibling is mid-flight.
	spanMu.Lock()
	defer spanMu.Unlock()
	for _, sibling := range []string{"lint", "test"} {
		assert.False(t, starts[sibling].Before(ends["fetch"]),
			"%s started before fetch finished", sibling)
		assert.False(t, starts["ship"].Before(ends[sibling]),
			"ship started before %s finished", sibling)
	}
}

func TestEngine_NodeFailureFailsRun(t *testing.T) {
	runner := newFakeRunner(func(_ context.Context, req *StepRequest) (*StepResult, error) {
		if req.Node.ID == "flaky" {
			return &StepResult{Attempts: []StepAttempt{{Attempt: 1, Err: "exit 1"}}},
				types.NewError(types.ErrNonZeroExit, "exit 1")
		}
		return okResult(map[string]any{"node": req.Node.ID}), nil
	})
	fx := newEngineFixture(t, runner, defaultAgents())

	wf := &Workflow{
		ID: "wf-fail", Name: "fail", Status: StatusActive,
		Nodes: []Node{
			{ID: "flaky", AgentID: "worker", Action: "run"},
			{ID: "after", AgentID: "worker", Action: "run", DependsOn: []string{"flaky"}},
		},
	}

	run, err := fx.engine.Start(context.Background(), wf, nil)
	require.NoError(t, err)
	fx.engine.Wait()

	assert.Equal(t, RunFailed, run.CurrentStatus())
	assert.Equal(t, ReasonNodeFailed, run.FailureReason)
	assert.Equal(t, "flaky", run.FailedNodeID)

	_, dispatched := fx.runner.called("after")
	assert.False(t, dispatched, "downstream node must not run after a failure")
	assert.True(t, fx.pub.seen(SubjectRunFailed))
}

func TestEngine_UnknownAgentFailsRun(t *testing.T) {
	fx := newEngineFixture(t, newFakeRunner(nil), defaultAgents())

	wf := &Workflow{
		ID: "wf-agent", Name: "missing-agent", Status: StatusActive,
		Nodes: []Node{{ID: "n1", AgentID: "ghost", Action: "run"}},
	}

	run, err := fx.engine.Start(context.Background(), wf, nil)
	require.NoError(t, err)
	fx.engine.Wait()

	assert.Equal(t, RunFailed, run.CurrentStatus())
	// The pre-dispatch failure still leaves an attempt row.
	assert.Len(t, fx.store.agentRunsForNode("n1"), 1)
}

func TestEngine_CyclicGraphRejectedSynchronously(t *testing.T) {
	fx := newEngineFixture(t, newFakeRunner(nil), defaultAgents())

	wf := &Workflow{
		ID: "wf-cycle", Name: "cycle", Status: StatusActive,
		Nodes: []Node{
			{ID: "a", AgentID: "worker", Action: "run", DependsOn: []string{"b"}},
			{ID: "b", AgentID: "worker", Action: "run", DependsOn: []string{"a"}},
		},
	}

	_, err := fx.engine.Start(context.Background(), wf, nil)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)

	fx.store.mu.Lock()
	defer fx.store.mu.Unlock()
	assert.Empty(t, fx.store.runs, "no run row for a rejected graph")
}

func TestEngine_ApprovalApproveResumes(t *testing.T) {
	fx := newEngineFixture(t, newFakeRunner(nil), defaultAgents())

	wf := &Workflow{
		ID: "wf-appr", Name: "gated", Status: StatusActive,
		Nodes: []Node{{ID: "deploy", AgentID: "worker", Action: "run", ApprovalRequired: true}},
	}

	run, err := fx.engine.Start(context.Background(), wf, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fx.gate.Pending(run.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return run.CurrentStatus() == RunPausedApproval
	}, 2*time.Second, 10*time.Millisecond)

	pending := fx.gate.Pending(run.ID)[0]
	_, err = fx.gate.Respond(context.Background(), pending.ID, true, "alice", "go")
	require.NoError(t, err)

	fx.engine.Wait()
	assert.Equal(t, RunCompleted, run.CurrentStatus())
	assert.True(t, fx.pub.seen(SubjectRunPaused))

	_, dispatched := fx.runner.called("deploy")
	assert.True(t, dispatched)

	// The gating window shows up in the audit trail as attempt 0,
	// ahead of the executed attempt.
	rows := fx.store.agentRunsForNode("deploy")
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].Attempt)
	assert.Equal(t, AgentRunWaitingApproval, rows[0].Status)
	assert.Equal(t, 1, rows[1].Attempt)
	assert.Equal(t, AgentRunSuccess, rows[1].Status)
}

func TestEngine_ApprovalRejectFailsRun(t *testing.T) {
	fx := newEngineFixture(t, newFakeRunner(nil), defaultAgents())

	wf := &Workflow{
		ID: "wf-rej", Name: "gated", Status: StatusActive,
		Nodes: []Node{{ID: "deploy", AgentID: "worker", Action: "run", ApprovalRequired: true}},
	}

	run, err := fx.engine.Start(context.Background(), wf, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fx.gate.Pending(run.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pending := fx.gate.Pending(run.ID)[0]
	_, err = fx.gate.Respond(context.Background(), pending.ID, false, "bob", "no")
	require.NoError(t, err)

	fx.engine.Wait()
	assert.Equal(t, RunFailed, run.CurrentStatus())
	assert.Equal(t, ReasonApprovalRejected, run.FailureReason)
	assert.Equal(t, "deploy", run.FailedNodeID)

	_, dispatched := fx.runner.called("deploy")
	assert.False(t, dispatched, "a rejected node is never dispatched")
}

func TestEngine_AgentRiskLevelForcesApproval(t *testing.T) {
	agents := fakeAgents{
		"risky": {ID: "risky", Image: "risky:1", Class: ClassTask, RiskLevel: RiskApprovalRequired},
	}
	fx := newEngineFixture(t, newFakeRunner(nil), agents)

	wf := &Workflow{
		ID: "wf-risk", Name: "risk", Status: StatusActive,
		Nodes: []Node{{ID: "n1", AgentID: "risky", Action: "run"}},
	}

	run, err := fx.engine.Start(context.Background(), wf, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fx.gate.Pending(run.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pending := fx.gate.Pending(run.ID)[0]
	_, err = fx.gate.Respond(context.Background(), pending.ID, true, "alice", "")
	require.NoError(t, err)
	fx.engine.Wait()

	assert.Equal(t, RunCompleted, run.CurrentStatus())
}

func TestEngine_Cancel(t *testing.T) {
	started := make(chan struct{})
	runner := newFakeRunner(func(ctx context.Context, _ *StepRequest) (*StepResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	fx := newEngineFixture(t, runner, defaultAgents())

	wf := &Workflow{
		ID: "wf-cancel", Name: "cancel", Status: StatusActive,
		Nodes: []Node{{ID: "slow", AgentID: "worker", Action: "run"}},
	}

	run, err := fx.engine.Start(context.Background(), wf, nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("node never started")
	}

	require.NoError(t, fx.engine.Cancel(run.ID))
	fx.engine.Wait()

	assert.Equal(t, RunFailed, run.CurrentStatus())
	assert.Equal(t, ReasonCancelled, run.FailureReason)
}

func TestEngine_CancelUnknownRun(t *testing.T) {
	fx := newEngineFixture(t, newFakeRunner(nil), defaultAgents())

	err := fx.engine.Cancel("no-such-run")
	var appErr *types.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrRunNotFound, appErr.Code)
}

func TestEngine_FailedTierOutputsNotMerged(t *testing.T) {
	runner := newFakeRunner(func(_ context.Context, req *StepRequest) (*StepResult, error) {
		if req.Node.ID == "bad" {
			return nil, types.NewError(types.ErrNonZeroExit, "exit 1")
		}
		return okResult(map[string]any{"node": req.Node.ID}), nil
	})
	fx := newEngineFixture(t, runner, defaultAgents())

	wf := &Workflow{
		ID: "wf-discard", Name: "discard", Status: StatusActive,
		Nodes: []Node{
			{ID: "good", AgentID: "worker", Action: "run"},
			{ID: "bad", AgentID: "worker", Action: "run"},
		},
	}

	run, err := fx.engine.Start(context.Background(), wf, nil)
	require.NoError(t, err)
	fx.engine.Wait()

	assert.Equal(t, RunFailed, run.CurrentStatus())
	// The failed tier's outputs are discarded from the run context.
	_, merged := run.Context.Output("good")
	assert.False(t, merged)
}
