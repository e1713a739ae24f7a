package supervisor

import (
	"time"

	"voiced/internal/proc"
	"voiced/pkg/types"
)

// serviceEntry is the supervisor's record for one managed service. The
// entry is owned by the supervisor's mutex; the adapter inside it is
// replaced, not mutated, on restart.
type serviceEntry struct {
	desc    proc.Descriptor
	adapter proc.Adapter

	state               types.ServiceState
	consecutiveFailures int

	// Rolling restart budget.
	restartCount int
	windowStart  time.Time

	// seq guards against duplicate concurrent restarts: every stop bumps
	// it, and a scheduled restart only proceeds if it still holds the seq
	// it was scheduled with.
	seq uint64

	lastTransition time.Time
}

func (e *serviceEntry) setState(s types.ServiceState) {
	e.state = s
	e.lastTransition = time.Now()
}

// phase is one resolved startup phase.
type phase struct {
	index   int
	names   []string
	timeout time.Duration
}
