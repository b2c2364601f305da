package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/weftlabs/weft/types"
	"github.com/weftlabs/weft/workflow"
)

// Config tunes the executor's retry, health, and concurrency policy.
type Config struct {
	// MaxAttempts is the default retry budget per step.
	MaxAttempts int
	// BackoffBase is the initial retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// DefaultTimeout bounds one attempt when the node declares none.
	DefaultTimeout time.Duration
	// ReadinessTimeout bounds the readiness probe loop for
	// service-class containers.
	ReadinessTimeout time.Duration
	// ProbeInterval spaces readiness probes.
	ProbeInterval time.Duration
	// Slots caps concurrent container executions across all runs.
	Slots int64
}

// DefaultConfig returns the stock executor policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BackoffBase:      time.Second,
		DefaultTimeout:   30 * time.Minute,
		ReadinessTimeout: 30 * time.Second,
		ProbeInterval:    time.Second,
		Slots:            16,
	}
}

// serviceEntry tracks a running service-class container so operators
// can restart it independently of the retry loop.
type serviceEntry struct {
	name  string
	spec  ContainerSpec
	probe []string
}

// ContainerExecutor implements workflow.StepRunner on top of a
// container Backend. Service-class containers are tracked in an
// explicit lock-guarded registry keyed by agent id; there is no
// ambient global state shared across runs.
type ContainerExecutor struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger
	slots   *semaphore.Weighted

	mu       sync.Mutex
	services map[string]*serviceEntry
}

// New creates a container executor.
func New(backend Backend, cfg Config, logger *zap.Logger) *ContainerExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 30 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Second
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 16
	}
	return &ContainerExecutor{
		backend:  backend,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "container_executor")),
		slots:    semaphore.NewWeighted(cfg.Slots),
		services: make(map[string]*serviceEntry),
	}
}

// RunStep implements workflow.StepRunner. Transient failures retry
// with exponential backoff up to the attempt budget; fatal failures
// (exit codes the agent declares fatal, output schema violations) fail
// immediately. Every attempt is recorded in the returned result.
func (e *ContainerExecutor) RunStep(ctx context.Context, req *workflow.StepRequest) (*workflow.StepResult, error) {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return &workflow.StepResult{}, types.NewError(types.ErrRunCancelled, "cancelled waiting for execution slot").WithCause(err)
	}
	defer e.slots.Release(1)

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	result := &workflow.StepResult{}
	attempt := 0

	operation := func() (*RunOutput, error) {
		attempt++
		if req.OnAttempt != nil {
			req.OnAttempt(attempt)
		}
		startedAt := time.Now()

		out, err := e.runOnce(ctx, req, timeout)

		at := workflow.StepAttempt{
			Attempt:   attempt,
			StartedAt: startedAt,
			EndedAt:   time.Now(),
			ExitCode:  -1,
		}
		if out != nil {
			at.ExitCode = out.ExitCode
		}
		if err != nil {
			at.Err = err.Error()
		}
		result.Attempts = append(result.Attempts, at)

		if err != nil {
			e.logger.Warn("step attempt failed",
				zap.String("run_id", req.RunID),
				zap.String("node_id", req.Node.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return nil, backoff.Permanent(types.NewError(types.ErrRunCancelled, "run cancelled").WithCause(ctx.Err()))
			}
			if !types.IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	if err != nil {
		return result, err
	}

	result.Stdout = out.Stdout
	result.Stderr = out.Stderr

	output := parseOutput(out.Stdout)
	if capability, ok := req.Agent.Capability(req.Node.Action); ok && len(capability.OutputSchema) > 0 {
		schema, serr := types.ParseSchema(capability.OutputSchema)
		if serr == nil && schema != nil {
			if verr := schema.Validate(output); verr != nil {
				return result, verr
			}
		}
	}
	result.Output = output
	return result, nil
}

// runOnce executes a single attempt, dispatching per agent class.
func (e *ContainerExecutor) runOnce(ctx context.Context, req *workflow.StepRequest, timeout time.Duration) (*RunOutput, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := buildSpec(req)

	var (
		out *RunOutput
		err error
	)
	if req.Agent.Class == workflow.ClassService {
		out, err = e.runService(attemptCtx, req, spec)
	} else {
		out, err = e.backend.Run(attemptCtx, spec)
	}

	if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// Wall-clock limit hit: kill the container, classify transient.
		e.kill(spec.Name)
		return out, types.Newf(types.ErrTimeout, "node %s exceeded %s", req.Node.ID, timeout).WithRetryable(true)
	}
	if err != nil {
		// Already-classified errors (readiness, service start) pass
		// through; only raw backend failures get wrapped here.
		var typed *types.Error
		if errors.As(err, &typed) {
			return out, err
		}
		return out, types.NewError(types.ErrContainerStart, "container start failed").WithRetryable(true).WithCause(err)
	}
	if out.ExitCode != 0 {
		if req.Agent.IsFatalExit(out.ExitCode) {
			return out, types.Newf(types.ErrFatalExit, "agent exited %d (declared fatal): %s",
				out.ExitCode, strings.TrimSpace(out.Stderr))
		}
		return out, types.Newf(types.ErrNonZeroExit, "agent exited %d: %s",
			out.ExitCode, strings.TrimSpace(out.Stderr)).WithRetryable(true)
	}
	return out, nil
}

// runService ensures the agent's service container is up and ready,
// then executes the action inside it. Readiness failures count toward
// retry attempts, not directly toward node failure.
func (e *ContainerExecutor) runService(ctx context.Context, req *workflow.StepRequest, spec ContainerSpec) (*RunOutput, error) {
	name := serviceName(req.Agent)

	e.mu.Lock()
	entry, running := e.services[name]
	if !running {
		entry = &serviceEntry{name: name, spec: spec, probe: req.Agent.ProbeCmd}
		entry.spec.Name = name
		e.services[name] = entry
	}
	e.mu.Unlock()

	if !running {
		if err := e.backend.StartService(ctx, entry.spec); err != nil {
			e.dropService(name)
			return nil, types.NewError(types.ErrContainerStart, "service container start failed").WithRetryable(true).WithCause(err)
		}
	}

	if err := e.awaitReady(ctx, name, req.Agent.ProbeCmd); err != nil {
		e.kill(name)
		e.dropService(name)
		return nil, err
	}

	execSpec := spec
	execSpec.Name = name
	return e.backend.Exec(ctx, name, execSpec)
}

// awaitReady polls the readiness probe until it passes or the
// readiness window closes.
func (e *ContainerExecutor) awaitReady(ctx context.Context, name string, probe []string) error {
	deadline := time.Now().Add(e.cfg.ReadinessTimeout)
	var lastErr error
	for {
		if err := e.backend.Probe(ctx, name, probe); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if time.Now().After(deadline) {
			return types.Newf(types.ErrHealthCheck, "container %s not ready after %s", name, e.cfg.ReadinessTimeout).
				WithRetryable(true).WithCause(lastErr)
		}
		select {
		case <-time.After(e.cfg.ProbeInterval):
		case <-ctx.Done():
			return types.NewError(types.ErrHealthCheck, "readiness probe interrupted").WithRetryable(true).WithCause(ctx.Err())
		}
	}
}

// Restart force-restarts a tracked service-class container. Operator
// recovery path, independent of the automatic retry loop.
func (e *ContainerExecutor) Restart(ctx context.Context, service string) error {
	e.mu.Lock()
	entry, ok := e.services[service]
	e.mu.Unlock()
	if !ok {
		return types.Newf(types.ErrAgentNotFound, "no tracked service %q", service)
	}

	e.logger.Info("restarting service container", zap.String("service", service))
	e.kill(service)
	if err := e.backend.StartService(ctx, entry.spec); err != nil {
		e.dropService(service)
		return fmt.Errorf("restarting %s: %w", service, err)
	}
	return e.awaitReady(ctx, service, entry.probe)
}

// Shutdown kills every tracked service container.
func (e *ContainerExecutor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	names := make([]string, 0, len(e.services))
	for name := range e.services {
		names = append(names, name)
	}
	e.services = make(map[string]*serviceEntry)
	e.mu.Unlock()

	for _, name := range names {
		if err := e.backend.Kill(ctx, name); err != nil {
			e.logger.Warn("killing service container", zap.String("name", name), zap.Error(err))
		}
		if err := e.backend.Remove(ctx, name); err != nil {
			e.logger.Warn("removing service container", zap.String("name", name), zap.Error(err))
		}
	}
}

func (e *ContainerExecutor) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.backend.Kill(ctx, name); err != nil {
		e.logger.Debug("killing container", zap.String("name", name), zap.Error(err))
	}
	if err := e.backend.Remove(ctx, name); err != nil {
		e.logger.Debug("removing container", zap.String("name", name), zap.Error(err))
	}
}

func (e *ContainerExecutor) dropService(name string) {
	e.mu.Lock()
	delete(e.services, name)
	e.mu.Unlock()
}

// buildSpec renders the container invocation for a step: inputs as
// WEFT_INPUT_* env vars plus the full JSON document on stdin.
func buildSpec(req *workflow.StepRequest) ContainerSpec {
	stdin, _ := json.Marshal(req.Inputs)

	env := map[string]string{
		"WEFT_RUN_ID":  req.RunID,
		"WEFT_NODE_ID": req.Node.ID,
		"WEFT_ACTION":  req.Node.Action,
	}
	for k, v := range req.Inputs {
		if s, ok := v.(string); ok {
			env["WEFT_INPUT_"+strings.ToUpper(k)] = s
		}
	}

	return ContainerSpec{
		Name:   containerName(req),
		Image:  req.Agent.Image,
		Entry:  req.Agent.EntryPath,
		Action: req.Node.Action,
		Env:    env,
		Stdin:  stdin,
		Limits: limitsFor(req),
	}
}

func limitsFor(req *workflow.StepRequest) Limits {
	l := LimitsForClass(req.Agent.Class)
	if req.Timeout > 0 {
		l.Timeout = req.Timeout
	}
	return l
}

func containerName(req *workflow.StepRequest) string {
	return fmt.Sprintf("weft_%s_%s", sanitize(req.Node.ID), uuid.NewString()[:8])
}

func serviceName(agent *workflow.Agent) string {
	return "weft_svc_" + sanitize(agent.ID)
}

// sanitize strips characters docker disallows in container names.
func sanitize(id string) string {
	var b strings.Builder
	for _, c := range id {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			b.WriteRune(c)
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

// parseOutput decodes the agent's stdout as the output JSON document.
// Non-JSON stdout is preserved under a "raw" key: success is signalled
// by the exit code, not the output shape.
func parseOutput(stdout string) map[string]any {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return map[string]any{}
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(trimmed), &output); err != nil {
		return map[string]any{"raw": trimmed}
	}
	return output
}
