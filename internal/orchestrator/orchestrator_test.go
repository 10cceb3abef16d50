package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbi-labs/arena/internal/bus"
	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/gateway/ratelimit"
	"github.com/symbi-labs/arena/internal/gateway/transport"
	"github.com/symbi-labs/arena/internal/scoring"
	"github.com/symbi-labs/arena/internal/storage/memory"
)

// stubClient is a deterministic gateway double. Every call costs one cent
// unless an error is scripted.
type stubClient struct {
	mu       sync.Mutex
	calls    int
	failCall int // 1-based call index that errors; 0 means never

	failAll bool

	// When set, each call signals started and then blocks on release.
	started chan struct{}
	release chan struct{}
}

func (c *stubClient) Generate(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()

	if c.started != nil {
		c.started <- struct{}{}
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if c.failAll || n == c.failCall {
		return nil, errors.New("provider unavailable")
	}

	return &transport.Response{
		Content:   "output for " + req.Prompt,
		Provider:  req.Provider,
		Model:     req.Model,
		Usage:     transport.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20},
		CostCents: 1,
	}, nil
}

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testExperiment(budget *domain.Cents) *domain.ExperimentConfig {
	return &domain.ExperimentConfig{
		ID:   "exp-1",
		Name: "prompt comparison",
		Variants: []domain.Variant{
			{ID: "v-control", Name: "control", Provider: "mock", Model: "echo"},
			{ID: "v-candidate", Name: "candidate", Provider: "mock", Model: "echo", SystemPrompt: "be brief"},
		},
		Tasks:              []domain.Task{{ID: "t-1", Content: "summarize the report"}},
		EvaluationCriteria: []string{"clarity"},
		SymbiDimensions:    []string{"quality"},
		SampleSize:         4,
		MaxCostCents:       budget,
		ConfidenceLevel:    0.95,
		Status:             domain.StatusRunning,
		CreatedAt:          time.Now().UTC(),
	}
}

func testOrchestrator(t *testing.T, client *stubClient, opts ...func(*Config)) (*Orchestrator, *memory.Store, *bus.Bus) {
	t.Helper()

	registry := scoring.NewRegistry()
	registry.Register(&scoring.StaticScorer{Fixed: map[string]float64{"quality": 7.5}})

	eventBus := bus.New()
	t.Cleanup(eventBus.Close)

	repo := memory.New()
	cfg := Config{
		Client:      client,
		Limiter:     ratelimit.New(ratelimit.Limits{RequestsPerMinute: 10_000, TokensPerMinute: 100_000_000}),
		Registry:    registry,
		Repo:        repo,
		Bus:         eventBus,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Concurrency: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	orch, err := New(cfg)
	require.NoError(t, err)
	return orch, repo, eventBus
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Client: &stubClient{}})
	require.Error(t, err)
}

func TestStartRun_CompletesMatrix(t *testing.T) {
	client := &stubClient{}
	orch, repo, _ := testOrchestrator(t, client)

	run, err := orch.StartRun(context.Background(), testExperiment(nil))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, run.Status)
	assert.Equal(t, 4, run.TotalTrials)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := orch.Wait(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 4, final.CompletedTrials)
	assert.Equal(t, 0, final.FailedTrials)
	assert.Empty(t, final.StopReason)
	// Two variants per trial, one cent per call.
	assert.Equal(t, domain.Cents(8), final.CostCents)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 8, client.callCount())

	trials, err := repo.ListTrialsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, trials, 4)
	for _, trial := range trials {
		assert.Equal(t, domain.TrialCompleted, trial.Status)
		assert.Len(t, trial.Outputs, 2)
		for slot := range trial.Outputs {
			_, ok := trial.Slots.VariantFor(slot)
			assert.True(t, ok, "output slot %q must exist in the mapping", slot)
		}
	}

	evals, err := repo.ListEvaluationsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, evals, 4)
	for _, eval := range evals {
		assert.Equal(t, domain.EvaluatorAI, eval.Type)
		// Identical static scores for every slot means no winner.
		assert.Empty(t, eval.WinnerSlot)
		assert.Len(t, eval.DimensionScores, 2)
	}
}

func TestStartRun_SlotMappingCoversAllVariants(t *testing.T) {
	cfg := testExperiment(nil)
	trials := buildMatrix(cfg)
	require.Len(t, trials, 4)

	for _, trial := range trials {
		require.Len(t, trial.Slots, 2)
		seen := map[string]bool{}
		for slot, variantID := range trial.Slots {
			assert.Contains(t, []string{"A", "B"}, slot)
			seen[variantID] = true
		}
		assert.True(t, seen["v-control"])
		assert.True(t, seen["v-candidate"])
	}
}

func TestStartRun_BudgetWithinLimitCompletes(t *testing.T) {
	budget := domain.Cents(10)
	client := &stubClient{}
	orch, _, _ := testOrchestrator(t, client)

	run, err := orch.StartRun(context.Background(), testExperiment(&budget))
	require.NoError(t, err)

	final, err := orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 4, final.CompletedTrials)
	assert.Equal(t, domain.Cents(8), final.CostCents)
	assert.Empty(t, final.StopReason)
}

func TestStartRun_BudgetStopsDispatch(t *testing.T) {
	// Each trial costs 2 cents. After two trials (4 cents spent) the
	// projected cost of a third exceeds the 5-cent budget.
	budget := domain.Cents(5)
	client := &stubClient{}
	orch, repo, eventBus := testOrchestrator(t, client)

	events, cancelSub := eventBus.Subscribe(bus.EventRunBudgetExceeded)
	defer cancelSub()

	run, err := orch.StartRun(context.Background(), testExperiment(&budget))
	require.NoError(t, err)

	final, err := orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, domain.StopBudgetExceeded, final.StopReason)
	assert.Equal(t, 2, final.CompletedTrials)
	assert.Equal(t, domain.Cents(4), final.CostCents)

	select {
	case env := <-events:
		assert.Equal(t, bus.EventRunBudgetExceeded, env.Type)
		assert.Equal(t, run.ID, env.RunID)
		berr, ok := env.Payload.(*domain.BudgetExceededError)
		require.True(t, ok, "budget event must carry the violation detail")
		assert.Equal(t, domain.BudgetCost, berr.Type)
		assert.Equal(t, int64(5), berr.Limit)
		assert.Equal(t, int64(4), berr.Current)
		assert.Equal(t, int64(2), berr.Required)
		assert.Equal(t, int64(1), berr.OverBy())
	case <-time.After(2 * time.Second):
		t.Fatal("expected a budget exceeded event")
	}

	// Undispatched trials remain pending.
	trials, err := repo.ListTrialsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	pending := 0
	for _, trial := range trials {
		if trial.Status == domain.TrialPending {
			pending++
		}
	}
	assert.Equal(t, 2, pending)
}

func TestStartRun_OneActiveRunPerExperiment(t *testing.T) {
	client := &stubClient{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	orch, _, _ := testOrchestrator(t, client)

	run, err := orch.StartRun(context.Background(), testExperiment(nil))
	require.NoError(t, err)
	<-client.started

	_, err = orch.StartRun(context.Background(), testExperiment(nil))
	require.ErrorIs(t, err, domain.ErrRunActive)

	activeID, ok := orch.ActiveRun("exp-1")
	assert.True(t, ok)
	assert.Equal(t, run.ID, activeID)

	close(client.release)
	go func() {
		for range client.started {
		}
	}()
	_, err = orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	// The slot frees once the run finishes.
	_, ok = orch.ActiveRun("exp-1")
	assert.False(t, ok)
}

func TestCancelRun_InFlightTrialsFinish(t *testing.T) {
	client := &stubClient{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	orch, _, _ := testOrchestrator(t, client)

	run, err := orch.StartRun(context.Background(), testExperiment(nil))
	require.NoError(t, err)
	<-client.started

	require.NoError(t, orch.CancelRun(run.ID))
	close(client.release)
	go func() {
		for range client.started {
		}
	}()

	final, err := orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, final.Status)
	assert.Equal(t, domain.StopCancelled, final.StopReason)
	// The in-flight trial completed; cancellation only stopped new dispatch.
	assert.GreaterOrEqual(t, final.CompletedTrials, 1)
	assert.Less(t, final.CompletedTrials, 4)
}

func TestCancelRun_UnknownRun(t *testing.T) {
	orch, _, _ := testOrchestrator(t, &stubClient{})
	err := orch.CancelRun("no-such-run")
	require.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestStartRun_TrialFailureDoesNotStopRun(t *testing.T) {
	client := &stubClient{failCall: 1}
	orch, repo, _ := testOrchestrator(t, client)

	run, err := orch.StartRun(context.Background(), testExperiment(nil))
	require.NoError(t, err)

	final, err := orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.CompletedTrials)
	assert.Equal(t, 1, final.FailedTrials)

	trials, err := repo.ListTrialsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	failed := 0
	for _, trial := range trials {
		if trial.Status == domain.TrialFailed {
			failed++
			assert.NotEmpty(t, trial.LastError)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestStartRun_AbortOnFailure(t *testing.T) {
	client := &stubClient{failAll: true}
	orch, _, _ := testOrchestrator(t, client, func(cfg *Config) {
		cfg.AbortOnFailure = true
	})

	run, err := orch.StartRun(context.Background(), testExperiment(nil))
	require.NoError(t, err)

	final, err := orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.StopAborted, final.StopReason)
	assert.Equal(t, 0, final.CompletedTrials)
	assert.GreaterOrEqual(t, final.FailedTrials, 1)
	assert.Less(t, final.FailedTrials, 4)
}

func TestStartRun_RejectsInvalidConfig(t *testing.T) {
	orch, _, _ := testOrchestrator(t, &stubClient{})

	cfg := testExperiment(nil)
	cfg.Variants = cfg.Variants[:1]
	_, err := orch.StartRun(context.Background(), cfg)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestStartRun_PublishesTrialEvents(t *testing.T) {
	client := &stubClient{}
	orch, _, eventBus := testOrchestrator(t, client)

	completed, cancelSub := eventBus.Subscribe(bus.EventTrialCompleted, bus.EventEvaluationRecorded)
	defer cancelSub()

	run, err := orch.StartRun(context.Background(), testExperiment(nil))
	require.NoError(t, err)
	_, err = orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	trialEvents, evalEvents := 0, 0
	deadline := time.After(2 * time.Second)
	for trialEvents+evalEvents < 8 {
		select {
		case env := <-completed:
			switch env.Type {
			case bus.EventTrialCompleted:
				trialEvents++
			case bus.EventEvaluationRecorded:
				evalEvents++
			}
		case <-deadline:
			t.Fatalf("timed out: got %d trial and %d evaluation events", trialEvents, evalEvents)
		}
	}
	assert.Equal(t, 4, trialEvents)
	assert.Equal(t, 4, evalEvents)
}

func TestPickWinner(t *testing.T) {
	tests := []struct {
		name       string
		scores     map[string]float64
		wantWinner string
		wantZero   bool
	}{
		{
			name:       "clear winner",
			scores:     map[string]float64{"A": 8.0, "B": 4.0},
			wantWinner: "A",
		},
		{
			name:     "exact tie",
			scores:   map[string]float64{"A": 6.0, "B": 6.0},
			wantZero: true,
		},
		{
			name:       "three slots",
			scores:     map[string]float64{"A": 2.0, "B": 9.0, "C": 5.0},
			wantWinner: "B",
		},
		{
			name:     "single slot has no comparison",
			scores:   map[string]float64{"A": 7.0},
			wantZero: true,
		},
		{
			name:     "tie at the top among three",
			scores:   map[string]float64{"A": 9.0, "B": 9.0, "C": 1.0},
			wantZero: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner, confidence := pickWinner(tt.scores)
			if tt.wantZero {
				assert.Empty(t, winner)
				assert.Zero(t, confidence)
				return
			}
			assert.Equal(t, tt.wantWinner, winner)
			assert.Greater(t, confidence, 0.0)
			assert.LessOrEqual(t, confidence, 1.0)
		})
	}
}

func TestWait_FinishedRunReturnsRecord(t *testing.T) {
	client := &stubClient{}
	orch, _, _ := testOrchestrator(t, client)

	run, err := orch.StartRun(context.Background(), testExperiment(nil))
	require.NoError(t, err)
	_, err = orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	// A second Wait after the run is released reads from storage.
	final, err := orch.Wait(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
}
