package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/weftlabs/weft/workflow"
)

func TestLimitsForClass(t *testing.T) {
	task := LimitsForClass(workflow.ClassTask)
	assert.Equal(t, 0.5, task.CPUs)
	assert.Equal(t, 512, task.MemoryMB)
	assert.Equal(t, nonRootUID, task.UID)
	assert.False(t, task.NetworkEnabled)

	svc := LimitsForClass(workflow.ClassService)
	assert.Equal(t, 1.0, svc.CPUs)
	assert.Equal(t, 2048, svc.MemoryMB)
	assert.Equal(t, nonRootUID, svc.UID)
	assert.True(t, svc.NetworkEnabled)
}

func TestLimitArgs_TaskIsolation(t *testing.T) {
	args := limitArgs(LimitsForClass(workflow.ClassTask))

	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	assert.Contains(t, joined, "--user 65532:65532")
	assert.Contains(t, joined, "--cap-drop ALL")
	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "--memory 512m")
	assert.Contains(t, joined, "--pids-limit 100")
}

func TestLimitArgs_ServiceKeepsNetwork(t *testing.T) {
	args := limitArgs(LimitsForClass(workflow.ClassService))
	for _, a := range args {
		assert.NotEqual(t, "none", a)
	}
}

func TestEnvArgs_Deterministic(t *testing.T) {
	env := map[string]string{"B": "2", "A": "1", "C": "3"}
	assert.Equal(t, []string{"-e", "A=1", "-e", "B=2", "-e", "C=3"}, envArgs(env))
}

func TestLimitsFor_TimeoutOverride(t *testing.T) {
	req := stepReq(taskAgent(), nil)
	req.Timeout = 5 * time.Minute
	l := limitsFor(req)
	assert.Equal(t, 5*time.Minute, l.Timeout)
}
