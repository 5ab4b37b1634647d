package instruction

import "time"

// Status is the completion status of one sandbox execution.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed-out"
	StatusError     Status = "error"
)

// ExecutionResult is the ordered instruction stream captured from one run of
// caller code. It is owned by the pipeline run that created it and must not be
// mutated once execution has ended.
type ExecutionResult struct {
	Instructions []Instruction
	Status       Status
	Message      string // Fault text when Status is StatusError.
	Truncated    bool   // Instructions beyond the configured cap were dropped.
	Duration     time.Duration
}

// Len returns the number of captured instructions; nil-safe.
func (r *ExecutionResult) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Instructions)
}

// Completed reports whether the program ran to the end without a fault.
func (r *ExecutionResult) Completed() bool {
	return r != nil && r.Status == StatusCompleted
}
