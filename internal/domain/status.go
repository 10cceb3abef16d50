package domain

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of an experiment or run.
// Runs mirror the experiment-level lifecycle at run granularity.
type Status string

const (
	// StatusDraft is the initial state of a newly created experiment.
	StatusDraft Status = "DRAFT"

	// StatusScheduled indicates the experiment is queued for execution.
	StatusScheduled Status = "SCHEDULED"

	// StatusRunning indicates trials are being dispatched.
	StatusRunning Status = "RUNNING"

	// StatusPaused indicates dispatch is suspended and may resume.
	StatusPaused Status = "PAUSED"

	// StatusCompleted is a terminal state: all trials reached a terminal state.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed is a terminal state: the run could not complete.
	StatusFailed Status = "FAILED"

	// StatusCancelled is a terminal state: execution was cancelled by a caller.
	StatusCancelled Status = "CANCELLED"
)

// statusTransitions is the complete transition table. Any pair absent from
// this table is illegal; terminal states have no outgoing transitions.
var statusTransitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusRunning},
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:    {StatusRunning, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// Valid reports whether the status is one of the defined lifecycle states.
func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	next, ok := statusTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the transition s → to is in the table.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError captures an attempted illegal status change.
// It unwraps to ErrInvalidTransition for errors.Is classification.
type TransitionError struct {
	From Status
	To   Status
}

// Error returns a formatted description of the illegal transition.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s → %s", e.From, e.To)
}

// Unwrap returns the ErrInvalidTransition sentinel.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AuditRecord captures a single status transition for the audit trail.
// Audit writes are best-effort: they must never block or fail the
// transition that produced them.
type AuditRecord struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	RunID        string    `json:"run_id,omitempty"`
	Actor        string    `json:"actor"`
	FromStatus   Status    `json:"from_status"`
	ToStatus     Status    `json:"to_status"`
	At           time.Time `json:"at"`
}
