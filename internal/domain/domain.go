// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle of a pipeline run as a whole.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunExecuting RunStatus = "executing"
	RunStreaming RunStatus = "streaming"
	RunDone      RunStatus = "done"
	RunFailed    RunStatus = "failed"
)

// Finished reports whether the run reached a final status.
func (s RunStatus) Finished() bool {
	return s == RunDone || s == RunFailed
}

// Run records one execution of caller code and the delivery of its
// instruction stream to a device.
type Run struct {
	ID        uuid.UUID
	UserID    string // Identity that submitted the run; "scheduler" or "cli" for internal runs.
	Port      string
	Dialect   string
	Source    string // demo, upload or inline.
	DemoName  string
	Arguments string // Raw "key:value, ..." request string.
	Status    RunStatus

	// Execution outcome.
	ExecStatus   string // completed, timed-out or error.
	ExecMessage  string
	Instructions int
	Truncated    bool

	// Delivery outcome.
	TransportState string   // Final transport state.
	States         []string // Transport state history.
	Acked          int
	Recovered      bool
	TransportError string

	StartedAt  time.Time
	FinishedAt *time.Time
	TimedOutAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RunFilter narrows a run listing. Zero values match everything.
type RunFilter struct {
	UserID string
	Port   string
	Status RunStatus
	Limit  int // Default: 50.
}
