package models

// RunStatus is the coarse state of a background run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run can make no further progress.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StepStatus is the state of one step within a run. Steps only advance
// forward; a failed step halts everything after it in pending.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one ordered sub-phase of a run.
type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Run is one execution of a named multi-step background operation.
type Run struct {
	ID     string    `json:"id"`
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
	Steps  []Step    `json:"steps,omitempty"`
}

// ActiveStepIndex returns the step to highlight as currently active: the
// first running step, else the step immediately before the first pending
// step, else the first failed step, else the last step. Every display site
// must use this one definition so ties resolve the same way everywhere.
// Returns -1 for an empty step list.
func ActiveStepIndex(steps []Step) int {
	if len(steps) == 0 {
		return -1
	}
	for i, s := range steps {
		if s.Status == StepRunning {
			return i
		}
	}
	for i, s := range steps {
		if s.Status == StepPending {
			if i == 0 {
				return 0
			}
			return i - 1
		}
	}
	for i, s := range steps {
		if s.Status == StepFailed {
			return i
		}
	}
	return len(steps) - 1
}

// CompileStatus is the coarse answer of the fetch-compile-status endpoint.
type CompileStatus struct {
	SessionID string    `json:"sessionId"`
	RunID     string    `json:"runId,omitempty"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
}
