package executor

import (
	"time"

	"github.com/weftlabs/weft/workflow"
)

// nonRootUID is the fixed low-privilege UID every agent container runs
// as, regardless of class.
const nonRootUID = 65532

// Limits bounds one container execution.
type Limits struct {
	CPUs           float64
	MemoryMB       int
	Timeout        time.Duration
	UID            int
	NetworkEnabled bool
	PidsLimit      int
}

// LimitsForClass returns the default resource profile for an agent
// class. Service-class agents get the heavier profile.
func LimitsForClass(class workflow.AgentClass) Limits {
	l := Limits{
		CPUs:      0.5,
		MemoryMB:  512,
		Timeout:   30 * time.Minute,
		UID:       nonRootUID,
		PidsLimit: 100,
	}
	if class == workflow.ClassService {
		l.CPUs = 1.0
		l.MemoryMB = 2048
		l.NetworkEnabled = true
	}
	return l
}
