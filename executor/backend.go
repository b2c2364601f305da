package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ContainerSpec describes one container invocation. Resolved inputs
// travel as environment variables plus a JSON document on stdin; the
// agent writes its output JSON to stdout and signals success via exit
// code zero.
type ContainerSpec struct {
	Name   string
	Image  string
	Entry  string
	Action string
	Env    map[string]string
	Stdin  []byte
	Limits Limits
}

// RunOutput is the raw outcome of one container command.
type RunOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Backend abstracts the container runtime so the executor's retry and
// health logic is testable without docker.
type Backend interface {
	// Run executes a task-class container to completion.
	Run(ctx context.Context, spec ContainerSpec) (*RunOutput, error)
	// StartService starts a detached service-class container.
	StartService(ctx context.Context, spec ContainerSpec) error
	// Probe checks readiness of a running container.
	Probe(ctx context.Context, name string, cmd []string) error
	// Exec runs the action inside an already-running container.
	Exec(ctx context.Context, name string, spec ContainerSpec) (*RunOutput, error)
	// Kill force-stops a container.
	Kill(ctx context.Context, name string) error
	// Remove deletes a stopped container.
	Remove(ctx context.Context, name string) error
}

// DockerBackend drives containers through the docker CLI.
type DockerBackend struct {
	logger *zap.Logger
}

// NewDockerBackend creates a docker CLI backend.
func NewDockerBackend(logger *zap.Logger) *DockerBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerBackend{logger: logger.With(zap.String("component", "docker_backend"))}
}

// Run implements Backend.
func (d *DockerBackend) Run(ctx context.Context, spec ContainerSpec) (*RunOutput, error) {
	args := append([]string{"run", "--rm", "--name", spec.Name, "-i"}, limitArgs(spec.Limits)...)
	args = append(args, envArgs(spec.Env)...)
	args = append(args, spec.Image, spec.Entry, spec.Action)
	return d.execDocker(ctx, args, spec.Stdin)
}

// StartService implements Backend.
func (d *DockerBackend) StartService(ctx context.Context, spec ContainerSpec) error {
	args := append([]string{"run", "-d", "--name", spec.Name}, limitArgs(spec.Limits)...)
	args = append(args, envArgs(spec.Env)...)
	args = append(args, spec.Image, spec.Entry)
	out, err := d.execDocker(ctx, args, nil)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("docker run -d failed: %s", strings.TrimSpace(out.Stderr))
	}
	d.logger.Debug("service container started", zap.String("name", spec.Name))
	return nil
}

// Probe implements Backend. An empty probe command falls back to a
// container-running check.
func (d *DockerBackend) Probe(ctx context.Context, name string, cmd []string) error {
	var args []string
	if len(cmd) == 0 {
		args = []string{"inspect", "--format", "{{.State.Running}}", name}
	} else {
		args = append([]string{"exec", name}, cmd...)
	}
	out, err := d.execDocker(ctx, args, nil)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("probe failed: %s", strings.TrimSpace(out.Stderr))
	}
	if len(cmd) == 0 && strings.TrimSpace(out.Stdout) != "true" {
		return fmt.Errorf("container %s not running", name)
	}
	return nil
}

// Exec implements Backend.
func (d *DockerBackend) Exec(ctx context.Context, name string, spec ContainerSpec) (*RunOutput, error) {
	args := []string{"exec", "-i"}
	args = append(args, envArgs(spec.Env)...)
	args = append(args, name, spec.Entry, spec.Action)
	return d.execDocker(ctx, args, spec.Stdin)
}

// Kill implements Backend.
func (d *DockerBackend) Kill(ctx context.Context, name string) error {
	_, err := d.execDocker(ctx, []string{"kill", name}, nil)
	return err
}

// Remove implements Backend.
func (d *DockerBackend) Remove(ctx context.Context, name string) error {
	_, err := d.execDocker(ctx, []string{"rm", "-f", name}, nil)
	return err
}

func (d *DockerBackend) execDocker(ctx context.Context, args []string, stdin []byte) (*RunOutput, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	start := time.Now()
	err := cmd.Run()

	out := &RunOutput{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	d.logger.Debug("docker command finished",
		zap.String("subcommand", args[0]),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", time.Since(start)),
	)

	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Non-zero exit: classification happens upstream.
			return out, nil
		}
		return out, err
	}
	return out, nil
}

// limitArgs renders resource isolation flags for docker run.
func limitArgs(l Limits) []string {
	args := []string{
		"--user", fmt.Sprintf("%d:%d", l.UID, l.UID),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}
	if l.MemoryMB > 0 {
		args = append(args,
			"--memory", fmt.Sprintf("%dm", l.MemoryMB),
			"--memory-swap", fmt.Sprintf("%dm", l.MemoryMB),
		)
	}
	if l.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", l.CPUs))
	}
	if l.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", l.PidsLimit))
	}
	if !l.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	return args
}

func envArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	// Deterministic argument order for tests and log readability.
	sort.Strings(keys)
	args := make([]string, 0, len(env)*2)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, env[k]))
	}
	return args
}
