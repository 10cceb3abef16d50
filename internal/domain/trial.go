package domain

import (
	"fmt"
	"time"
)

// TrialStatus tracks a trial through dispatch.
type TrialStatus string

const (
	// TrialPending means the trial is created but not yet dispatched.
	TrialPending TrialStatus = "PENDING"

	// TrialDispatched means provider calls for the trial are in flight.
	TrialDispatched TrialStatus = "DISPATCHED"

	// TrialCompleted means all slots produced output.
	TrialCompleted TrialStatus = "COMPLETED"

	// TrialFailed means at least one slot exhausted its retries.
	TrialFailed TrialStatus = "FAILED"
)

// SlotMapping is the blinded association of an opaque slot label ("A", "B", …)
// to a real variant id. It is fixed at trial creation and never reassigned,
// so downstream evaluation stays blind to which variant produced which output.
type SlotMapping map[string]string

// VariantFor returns the variant id assigned to the given slot.
func (m SlotMapping) VariantFor(slot string) (string, bool) {
	id, ok := m[slot]
	return id, ok
}

// SlotFor returns the slot label assigned to the given variant id.
func (m SlotMapping) SlotFor(variantID string) (string, bool) {
	for slot, id := range m {
		if id == variantID {
			return slot, true
		}
	}
	return "", false
}

// Clone returns a deep copy so callers cannot mutate a trial's mapping.
func (m SlotMapping) Clone() SlotMapping { return SlotMapping(cloneStringMap(m)) }

// TrialOutput is the generated content and accounting for one slot of a trial.
type TrialOutput struct {
	Content          string `json:"content"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	CostCents        Cents  `json:"cost_cents"`
	LatencyMs        int64  `json:"latency_ms"`
}

// Trial is one execution of all variants against one task within one run,
// with blinded slot labeling.
type Trial struct {
	ID           string      `json:"id"`
	RunID        string      `json:"run_id"`
	ExperimentID string      `json:"experiment_id"`
	TaskID       string      `json:"task_id"`
	Status       TrialStatus `json:"status"`

	// Slots maps the opaque slot label to the variant id. Immutable after creation.
	Slots SlotMapping `json:"slots"`

	// Outputs maps slot label to generated content, keyed the same way as Slots.
	Outputs map[string]TrialOutput `json:"outputs,omitempty"`

	// LastError records the failure that marked the trial FAILED.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CostCents returns the summed cost of all recorded outputs.
func (t *Trial) CostCents() Cents {
	var total Cents
	for _, out := range t.Outputs {
		total += out.CostCents
	}
	return total
}

// Validate checks trial integrity: every output slot must exist in the mapping.
func (t *Trial) Validate() error {
	if len(t.Slots) == 0 {
		return fmt.Errorf("trial %s has no slot mapping", t.ID)
	}
	for slot := range t.Outputs {
		if _, ok := t.Slots[slot]; !ok {
			return fmt.Errorf("trial %s output references unknown slot %q", t.ID, slot)
		}
	}
	return nil
}

// EvaluatorType distinguishes human from automated evaluations.
type EvaluatorType string

const (
	// EvaluatorHuman marks evaluations entered by a person.
	EvaluatorHuman EvaluatorType = "human"

	// EvaluatorAI marks evaluations produced by a scorer.
	EvaluatorAI EvaluatorType = "ai"
)

// Evaluation grades a completed trial's blinded outputs. A trial may carry
// zero or more evaluations; statistics consume the most recent per trial.
type Evaluation struct {
	ID      string        `json:"id"`
	TrialID string        `json:"trial_id"`
	Type    EvaluatorType `json:"evaluator_type"`

	// WinnerSlot names the winning slot label; empty means a tie.
	WinnerSlot string `json:"winner_slot,omitempty"`

	// Scores maps slot label to an overall numeric score.
	Scores map[string]float64 `json:"scores"`

	// DimensionScores maps slot label to per-dimension scores.
	DimensionScores map[string]map[string]float64 `json:"dimension_scores,omitempty"`

	// Confidence is the evaluator's self-reported confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// CloneScores returns a deep copy of the overall score map.
func (e *Evaluation) CloneScores() map[string]float64 { return cloneFloatMap(e.Scores) }
