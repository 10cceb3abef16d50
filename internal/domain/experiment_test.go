package domain_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbi-labs/arena/internal/domain"
)

// validConfig returns a minimal valid experiment configuration.
// Tests mutate a copy to probe individual constraints.
func validConfig() domain.ExperimentConfig {
	return domain.ExperimentConfig{
		Name:        "prompt-style-comparison",
		Description: "compares two prompt styles",
		Variants: []domain.Variant{
			{ID: "v-a", Name: "terse", Provider: "openai", Model: "gpt-4o-mini"},
			{ID: "v-b", Name: "verbose", Provider: "anthropic", Model: "claude-3-haiku"},
		},
		Tasks:              []domain.Task{{ID: "t-1", Content: "Explain token buckets."}},
		EvaluationCriteria: []string{"clarity"},
		SymbiDimensions:    []string{"reality_index"},
		SampleSize:         4,
		ConfidenceLevel:    0.95,
	}
}

func TestExperimentConfig_Validate_OK(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestExperimentConfig_Validate_Failures(t *testing.T) {
	budget := domain.Cents(-1)
	huge := domain.MaxBudgetCents + 1

	tests := []struct {
		name   string
		mutate func(*domain.ExperimentConfig)
	}{
		{"empty name", func(c *domain.ExperimentConfig) { c.Name = "" }},
		{"name too long", func(c *domain.ExperimentConfig) { c.Name = strings.Repeat("a", 101) }},
		{"name invalid chars", func(c *domain.ExperimentConfig) { c.Name = "bad!name" }},
		{"description too long", func(c *domain.ExperimentConfig) { c.Description = strings.Repeat("d", 1001) }},
		{"single variant", func(c *domain.ExperimentConfig) { c.Variants = c.Variants[:1] }},
		{"no variants", func(c *domain.ExperimentConfig) { c.Variants = nil }},
		{"duplicate variant ids", func(c *domain.ExperimentConfig) { c.Variants[1].ID = c.Variants[0].ID }},
		{"variant missing provider", func(c *domain.ExperimentConfig) { c.Variants[0].Provider = "" }},
		{"no tasks", func(c *domain.ExperimentConfig) { c.Tasks = nil }},
		{"duplicate task ids", func(c *domain.ExperimentConfig) {
			c.Tasks = append(c.Tasks, domain.Task{ID: "t-1", Content: "again"})
		}},
		{"no criteria", func(c *domain.ExperimentConfig) { c.EvaluationCriteria = nil }},
		{"no dimensions", func(c *domain.ExperimentConfig) { c.SymbiDimensions = nil }},
		{"sample size zero", func(c *domain.ExperimentConfig) { c.SampleSize = 0 }},
		{"sample size too large", func(c *domain.ExperimentConfig) { c.SampleSize = 10001 }},
		{"negative budget", func(c *domain.ExperimentConfig) { c.MaxCostCents = &budget }},
		{"budget above cap", func(c *domain.ExperimentConfig) { c.MaxCostCents = &huge }},
		{"confidence too low", func(c *domain.ExperimentConfig) { c.ConfidenceLevel = 0.5 }},
		{"confidence too high", func(c *domain.ExperimentConfig) { c.ConfidenceLevel = 0.9999 }},
		{"pii without policy", func(c *domain.ExperimentConfig) { c.Privacy.ContainsPII = true }},
		{"retention beyond five years", func(c *domain.ExperimentConfig) { c.Privacy.RetentionDays = 1826 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		})
	}
}

func TestExperimentConfig_VariantByID(t *testing.T) {
	cfg := validConfig()
	v, ok := cfg.VariantByID("v-b")
	require.True(t, ok)
	assert.Equal(t, "verbose", v.Name)

	_, ok = cfg.VariantByID("nope")
	assert.False(t, ok)
}

func TestSlotMapping_Lookups(t *testing.T) {
	m := domain.SlotMapping{"A": "v-1", "B": "v-2"}

	id, ok := m.VariantFor("A")
	require.True(t, ok)
	assert.Equal(t, "v-1", id)

	slot, ok := m.SlotFor("v-2")
	require.True(t, ok)
	assert.Equal(t, "B", slot)

	_, ok = m.SlotFor("v-3")
	assert.False(t, ok)

	clone := m.Clone()
	clone["A"] = "hijacked"
	assert.Equal(t, "v-1", m["A"], "clone must not alias the original")
}

func TestRun_Progress(t *testing.T) {
	r := domain.ExperimentRun{TotalTrials: 4, CompletedTrials: 1, FailedTrials: 1}
	assert.InDelta(t, 50.0, r.Progress(), 1e-9)

	empty := domain.ExperimentRun{}
	assert.Zero(t, empty.Progress())

	full := domain.ExperimentRun{TotalTrials: 2, CompletedTrials: 2}
	assert.InDelta(t, 100.0, full.Progress(), 1e-9)
}

func TestCents_Conversions(t *testing.T) {
	assert.Equal(t, "$1.50", domain.Cents(150).String())
	assert.Equal(t, domain.Cents(250), domain.CentsFromUSD(2.499))
	assert.InDelta(t, 2.5, domain.Cents(250).USD(), 1e-9)

	// Milli-cents round up so sub-cent costs are not discarded.
	assert.Equal(t, domain.Cents(1), domain.CentsFromMilliCents(1))
	assert.Equal(t, domain.Cents(2), domain.CentsFromMilliCents(1001))
	assert.Equal(t, domain.Cents(0), domain.CentsFromMilliCents(0))
}

func TestBudgetExceededError(t *testing.T) {
	err := domain.NewBudgetExceededError(domain.BudgetCost, 300, 250, 100)
	assert.Equal(t, int64(50), err.OverBy())
	assert.Contains(t, err.Error(), "cost")
}

func TestTrial_Validate(t *testing.T) {
	trial := domain.Trial{
		ID:    "tr-1",
		Slots: domain.SlotMapping{"A": "v-1", "B": "v-2"},
		Outputs: map[string]domain.TrialOutput{
			"A": {Content: "x", CostCents: 2},
			"B": {Content: "y", CostCents: 3},
		},
	}
	require.NoError(t, trial.Validate())
	assert.Equal(t, domain.Cents(5), trial.CostCents())

	trial.Outputs["C"] = domain.TrialOutput{}
	require.Error(t, trial.Validate())

	empty := domain.Trial{ID: "tr-2"}
	require.Error(t, empty.Validate())
}
