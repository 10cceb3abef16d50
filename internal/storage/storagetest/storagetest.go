// Package storagetest runs a conformance suite against any Repository
// implementation so the memory and sqlite stores stay behaviorally
// interchangeable.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/storage"
)

// Factory creates a fresh empty repository for one subtest.
type Factory func(t *testing.T) storage.Repository

func experimentFixture(id, name string) *domain.ExperimentConfig {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &domain.ExperimentConfig{
		ID:          id,
		Name:        name,
		Description: "prompt comparison",
		Variants: []domain.Variant{
			{ID: "control", Name: "Control", Provider: "mock", Model: "echo"},
			{ID: "candidate", Name: "Candidate", Provider: "mock", Model: "echo", SystemPrompt: "be concise"},
		},
		Tasks:              []domain.Task{{ID: "task-1", Content: "summarize the report"}},
		EvaluationCriteria: []string{"clarity"},
		SymbiDimensions:    []string{"reality_index"},
		SampleSize:         2,
		ConfidenceLevel:    0.95,
		Status:             domain.StatusDraft,
		CreatedBy:          "tester",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// SeedExperiment stores a minimal valid experiment for store-specific tests.
func SeedExperiment(t *testing.T, repo storage.Repository, id, name string) {
	t.Helper()
	require.NoError(t, repo.PutExperiment(context.Background(), experimentFixture(id, name)))
}

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	t.Run("experiment round trip", func(t *testing.T) { testExperimentRoundTrip(t, factory(t)) })
	t.Run("experiment not found", func(t *testing.T) { testExperimentNotFound(t, factory(t)) })
	t.Run("experiment upsert", func(t *testing.T) { testExperimentUpsert(t, factory(t)) })
	t.Run("run round trip", func(t *testing.T) { testRunRoundTrip(t, factory(t)) })
	t.Run("trial and evaluation", func(t *testing.T) { testTrialAndEvaluation(t, factory(t)) })
	t.Run("evaluation requires trial", func(t *testing.T) { testEvaluationRequiresTrial(t, factory(t)) })
	t.Run("delete cascades", func(t *testing.T) { testDeleteCascades(t, factory(t)) })
	t.Run("audit trail", func(t *testing.T) { testAuditTrail(t, factory(t)) })
}

func testExperimentRoundTrip(t *testing.T, repo storage.Repository) {
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	cfg := experimentFixture("exp-1", "prompt-comparison")
	require.NoError(t, repo.PutExperiment(ctx, cfg))

	got, err := repo.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, got.Name)
	assert.Equal(t, cfg.Variants, got.Variants)
	assert.Equal(t, cfg.Status, got.Status)
	assert.True(t, cfg.CreatedAt.Equal(got.CreatedAt))

	byName, err := repo.GetExperimentByName(ctx, "prompt-comparison")
	require.NoError(t, err)
	assert.Equal(t, "exp-1", byName.ID)

	list, err := repo.ListExperiments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func testExperimentNotFound(t *testing.T, repo storage.Repository) {
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	_, err := repo.GetExperiment(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrExperimentNotFound)

	_, err = repo.GetExperimentByName(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrExperimentNotFound)

	assert.ErrorIs(t, repo.DeleteExperiment(ctx, "missing"), domain.ErrExperimentNotFound)
}

func testExperimentUpsert(t *testing.T, repo storage.Repository) {
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	cfg := experimentFixture("exp-1", "prompt-comparison")
	require.NoError(t, repo.PutExperiment(ctx, cfg))

	cfg.Status = domain.StatusRunning
	cfg.UpdatedAt = cfg.UpdatedAt.Add(time.Minute)
	require.NoError(t, repo.PutExperiment(ctx, cfg))

	got, err := repo.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)

	list, err := repo.ListExperiments(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testRunRoundTrip(t *testing.T, repo storage.Repository) {
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	require.NoError(t, repo.PutExperiment(ctx, experimentFixture("exp-1", "prompt-comparison")))

	started := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	run := &domain.ExperimentRun{
		ID:           "run-1",
		ExperimentID: "exp-1",
		Status:       domain.StatusRunning,
		TotalTrials:  4,
		CostCents:    domain.Cents(120),
		StartedAt:    started,
	}
	require.NoError(t, repo.PutRun(ctx, run))

	got, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalTrials)
	assert.Nil(t, got.CompletedAt)

	completed := started.Add(time.Hour)
	run.Status = domain.StatusCompleted
	run.CompletedTrials = 4
	run.CompletedAt = &completed
	require.NoError(t, repo.PutRun(ctx, run))

	got, err = repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))

	_, err = repo.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	runs, err := repo.ListRunsByExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func testTrialAndEvaluation(t *testing.T, repo storage.Repository) {
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	require.NoError(t, repo.PutExperiment(ctx, experimentFixture("exp-1", "prompt-comparison")))
	require.NoError(t, repo.PutRun(ctx, &domain.ExperimentRun{
		ID: "run-1", ExperimentID: "exp-1", Status: domain.StatusRunning,
		TotalTrials: 1, StartedAt: time.Now().UTC(),
	}))

	trial := &domain.Trial{
		ID:           "trial-1",
		RunID:        "run-1",
		ExperimentID: "exp-1",
		TaskID:       "task-1",
		Status:       domain.TrialCompleted,
		Slots:        domain.SlotMapping{"A": "control", "B": "candidate"},
		Outputs: map[string]domain.TrialOutput{
			"A": {Content: "alpha", TotalTokens: 20, CostCents: 1, LatencyMs: 40},
			"B": {Content: "beta", TotalTokens: 25, CostCents: 1, LatencyMs: 55},
		},
		CreatedAt: time.Date(2026, 8, 2, 9, 5, 0, 0, time.UTC),
	}
	require.NoError(t, repo.PutTrial(ctx, trial))

	got, err := repo.GetTrial(ctx, "trial-1")
	require.NoError(t, err)
	assert.Equal(t, trial.Slots, got.Slots)
	assert.Equal(t, "beta", got.Outputs["B"].Content)

	_, err = repo.GetTrial(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTrialNotFound)

	eval := &domain.Evaluation{
		ID:         "eval-1",
		TrialID:    "trial-1",
		Type:       domain.EvaluatorAI,
		WinnerSlot: "B",
		Scores:     map[string]float64{"A": 5.5, "B": 7.25},
		DimensionScores: map[string]map[string]float64{
			"B": {"reality_index": 7.25},
		},
		Confidence:  0.7,
		EvaluatedAt: time.Date(2026, 8, 2, 9, 6, 0, 0, time.UTC),
	}
	require.NoError(t, repo.PutEvaluation(ctx, eval))

	byTrial, err := repo.ListEvaluationsByTrial(ctx, "trial-1")
	require.NoError(t, err)
	require.Len(t, byTrial, 1)
	assert.Equal(t, "B", byTrial[0].WinnerSlot)
	assert.InDelta(t, 7.25, byTrial[0].Scores["B"], 1e-9)

	byRun, err := repo.ListEvaluationsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, "eval-1", byRun[0].ID)

	trials, err := repo.ListTrialsByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}

func testEvaluationRequiresTrial(t *testing.T, repo storage.Repository) {
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	err := repo.PutEvaluation(ctx, &domain.Evaluation{
		ID: "eval-1", TrialID: "no-such-trial", EvaluatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, domain.ErrTrialNotFound)
}

func testDeleteCascades(t *testing.T, repo storage.Repository) {
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	require.NoError(t, repo.PutExperiment(ctx, experimentFixture("exp-1", "prompt-comparison")))
	require.NoError(t, repo.PutRun(ctx, &domain.ExperimentRun{
		ID: "run-1", ExperimentID: "exp-1", Status: domain.StatusCompleted,
		TotalTrials: 1, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, repo.PutTrial(ctx, &domain.Trial{
		ID: "trial-1", RunID: "run-1", ExperimentID: "exp-1", TaskID: "task-1",
		Status: domain.TrialCompleted, Slots: domain.SlotMapping{"A": "control"},
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, repo.PutEvaluation(ctx, &domain.Evaluation{
		ID: "eval-1", TrialID: "trial-1", EvaluatedAt: time.Now().UTC(),
	}))

	require.NoError(t, repo.DeleteExperiment(ctx, "exp-1"))

	_, err := repo.GetExperiment(ctx, "exp-1")
	assert.ErrorIs(t, err, domain.ErrExperimentNotFound)
	_, err = repo.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	_, err = repo.GetTrial(ctx, "trial-1")
	assert.ErrorIs(t, err, domain.ErrTrialNotFound)

	evals, err := repo.ListEvaluationsByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, evals)
}

func testAuditTrail(t *testing.T, repo storage.Repository) {
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	require.NoError(t, repo.PutExperiment(ctx, experimentFixture("exp-1", "prompt-comparison")))

	at := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	records := []*domain.AuditRecord{
		{ID: "audit-1", ExperimentID: "exp-1", Actor: "tester",
			FromStatus: domain.StatusDraft, ToStatus: domain.StatusRunning, At: at},
		{ID: "audit-2", ExperimentID: "exp-1", RunID: "run-1", Actor: "orchestrator",
			FromStatus: domain.StatusRunning, ToStatus: domain.StatusCompleted, At: at.Add(time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, repo.AppendAudit(ctx, rec))
	}

	got, err := repo.ListAuditByExperiment(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.StatusDraft, got[0].FromStatus)
	assert.Equal(t, "run-1", got[1].RunID)

	other, err := repo.ListAuditByExperiment(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)
}
