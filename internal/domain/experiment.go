// Package domain provides core types and business logic for the experiment
// orchestration engine. It defines experiment configurations, runs, trials,
// evaluations, budget limits, and the status lifecycle used throughout the
// system. The types are designed to support reproducible, auditable
// comparative trials with resource constraints.
package domain

import (
	"fmt"
	"regexp"
	"time"
)

// Experiment shape limits enforced by Validate.
const (
	// MaxNameLength bounds experiment names.
	MaxNameLength = 100

	// MaxDescriptionLength bounds experiment descriptions.
	MaxDescriptionLength = 1000

	// MinVariants is the minimum number of variants in a comparative experiment.
	MinVariants = 2

	// MaxSampleSize bounds how many times each task is replayed per run.
	MaxSampleSize = 10000

	// MaxBudgetCents is the upper bound for an experiment budget ($1,000,000).
	MaxBudgetCents = Cents(1_000_000 * CentsPerDollar)

	// MinConfidenceLevel and MaxConfidenceLevel bound the configured
	// confidence level for significance classification.
	MinConfidenceLevel = 0.8
	MaxConfidenceLevel = 0.999
)

// nameRe matches valid experiment names: alphanumerics, spaces, hyphens, underscores.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

// Variant is a named (provider, model, prompt) configuration being compared
// against others in an experiment.
type Variant struct {
	// ID uniquely identifies the variant within its experiment.
	ID string `json:"id" validate:"required,min=1"`

	// Name is the human-readable variant label.
	Name string `json:"name" validate:"required,min=1"`

	// Provider is the model provider key (e.g. "openai", "anthropic").
	Provider string `json:"provider" validate:"required,min=1"`

	// Model is the provider-specific model identifier.
	Model string `json:"model" validate:"required,min=1"`

	// SystemPrompt optionally overrides the system prompt for this variant.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Task is a fixed input that every variant is asked to respond to,
// enabling apples-to-apples comparison.
type Task struct {
	// ID uniquely identifies the task within its experiment.
	ID string `json:"id" validate:"required,min=1"`

	// Content is the prompt text sent to each variant.
	Content string `json:"content" validate:"required,min=1"`
}

// PIIPolicy governs how experiment data containing PII may be handled.
type PIIPolicy string

const (
	// PIIPolicyAnonymized requires anonymization before storage or export.
	PIIPolicyAnonymized PIIPolicy = "anonymized"

	// PIIPolicyRawResearch permits raw PII retention for authorized research.
	// Selecting it requires explicit authorization context at validation time.
	PIIPolicyRawResearch PIIPolicy = "raw_research"
)

// AnonymizationLevel selects the anonymization strategy.
type AnonymizationLevel string

const (
	// AnonymizationLight replaces PII with fixed category placeholders.
	// Irreversible and lossy but stable.
	AnonymizationLight AnonymizationLevel = "LIGHT"

	// AnonymizationFull replaces each distinct value with a per-run-unique
	// pseudonym whose mapping can be reversed by an authorized caller.
	AnonymizationFull AnonymizationLevel = "FULL"
)

// MaxRetentionDays caps data retention at five years.
const MaxRetentionDays = 5 * 365

// PrivacyConfig governs how the privacy manager treats an experiment's data.
type PrivacyConfig struct {
	// ContainsPII declares that experiment inputs or outputs may carry PII.
	ContainsPII bool `json:"contains_pii"`

	// PIIPolicy selects the handling policy; required when ContainsPII is set.
	PIIPolicy PIIPolicy `json:"pii_policy,omitempty" validate:"omitempty,oneof=anonymized raw_research"`

	// AnonymizationLevel selects LIGHT or FULL anonymization.
	AnonymizationLevel AnonymizationLevel `json:"anonymization_level,omitempty" validate:"omitempty,oneof=LIGHT FULL"`

	// RetentionDays is how long trial data may be retained (0 = engine default).
	RetentionDays int `json:"retention_days" validate:"min=0,max=1825"`
}

// ExperimentConfig is the validated definition of a comparative experiment.
// Immutable once a run has started, except for status-lifecycle fields.
type ExperimentConfig struct {
	// ID is the storage identifier; Name is the caller-facing unique key.
	ID string `json:"id"`

	// Name uniquely identifies the experiment (≤100 chars, alphanumeric/space/hyphen/underscore).
	Name string `json:"name" validate:"required,min=1,max=100"`

	// Description is optional free text (≤1000 chars).
	Description string `json:"description" validate:"max=1000"`

	// Variants are the configurations under comparison; at least two.
	Variants []Variant `json:"variants" validate:"min=2,dive"`

	// Tasks are the shared inputs; at least one.
	Tasks []Task `json:"tasks" validate:"min=1,dive"`

	// EvaluationCriteria name the qualitative axes evaluators consider.
	EvaluationCriteria []string `json:"evaluation_criteria" validate:"min=1,dive,required"`

	// SymbiDimensions are pluggable scoring dimension identifiers applied
	// to trial outputs by the configured scorers.
	SymbiDimensions []string `json:"symbi_dimensions" validate:"min=1,dive,required"`

	// SampleSize is how many trials to run per task (1–10,000).
	SampleSize int `json:"sample_size" validate:"min=1,max=10000"`

	// MaxCostCents is the optional run budget. Nil means unbounded.
	MaxCostCents *Cents `json:"max_cost_cents,omitempty"`

	// ConfidenceLevel configures significance classification (0.8–0.999).
	ConfidenceLevel float64 `json:"confidence_level" validate:"min=0.8,max=0.999"`

	// Privacy governs PII handling for this experiment's data.
	Privacy PrivacyConfig `json:"privacy"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the configuration shape and ranges.
// All failures wrap ErrInvalidConfig so callers can classify with errors.Is.
func (c *ExperimentConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	if !nameRe.MatchString(c.Name) {
		return fmt.Errorf("%w: name %q contains invalid characters", ErrInvalidConfig, c.Name)
	}
	if c.MaxCostCents != nil {
		if *c.MaxCostCents < 0 || *c.MaxCostCents > MaxBudgetCents {
			return fmt.Errorf("%w: budget %s out of range [0, %s]",
				ErrInvalidConfig, *c.MaxCostCents, MaxBudgetCents)
		}
	}
	if err := c.validateVariantIDs(); err != nil {
		return err
	}
	if c.Privacy.ContainsPII && c.Privacy.PIIPolicy == "" {
		return fmt.Errorf("%w: experiments containing PII must declare a pii_policy", ErrInvalidConfig)
	}
	return nil
}

// validateVariantIDs rejects duplicate variant and task identifiers.
// Slot mappings and statistics key on these IDs, so they must be unique.
func (c *ExperimentConfig) validateVariantIDs() error {
	seen := make(map[string]struct{}, len(c.Variants))
	for _, v := range c.Variants {
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: duplicate variant id %q", ErrInvalidConfig, v.ID)
		}
		seen[v.ID] = struct{}{}
	}
	tasks := make(map[string]struct{}, len(c.Tasks))
	for _, t := range c.Tasks {
		if _, dup := tasks[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidConfig, t.ID)
		}
		tasks[t.ID] = struct{}{}
	}
	return nil
}

// VariantByID returns the variant with the given id, if present.
func (c *ExperimentConfig) VariantByID(id string) (Variant, bool) {
	for _, v := range c.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}
