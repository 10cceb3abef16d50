package domain

import "time"

// StopReason records why a run stopped before (or at) completion.
type StopReason string

const (
	// StopBudgetExceeded indicates the run halted because dispatching further
	// trials would exceed the configured budget. Reported, never silent.
	StopBudgetExceeded StopReason = "budget_exceeded"

	// StopCancelled indicates the run was cancelled by a caller.
	StopCancelled StopReason = "cancelled"

	// StopAborted indicates the run's abort-on-failure policy triggered.
	StopAborted StopReason = "aborted_on_failure"
)

// ExperimentRun is one execution attempt of an experiment's full trial matrix.
// An experiment may have many runs over its lifetime; at most one is active
// in the orchestrator's bookkeeping at a time.
type ExperimentRun struct {
	ID           string `json:"id"`
	ExperimentID string `json:"experiment_id"`

	// Status mirrors the experiment lifecycle at run granularity.
	Status Status `json:"status"`

	// TotalTrials is fixed when the run's trial matrix is built.
	TotalTrials int `json:"total_trials"`

	// CompletedTrials and FailedTrials count trials in terminal states.
	CompletedTrials int `json:"completed_trials"`
	FailedTrials    int `json:"failed_trials"`

	// CostCents is the monotonically increasing running cost total.
	CostCents Cents `json:"cost_cents"`

	// StopReason is set when the run stops for a reason other than
	// finishing its matrix.
	StopReason StopReason `json:"stop_reason,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress returns run completion as a percentage in [0, 100].
// Derived from terminal trials over total; never persisted.
func (r *ExperimentRun) Progress() float64 {
	if r.TotalTrials == 0 {
		return 0
	}
	done := r.CompletedTrials + r.FailedTrials
	p := float64(done) / float64(r.TotalTrials) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// IsActive reports whether the run is still dispatching or may resume.
func (r *ExperimentRun) IsActive() bool { return !r.Status.IsTerminal() }
