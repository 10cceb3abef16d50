// Package orchestrator executes experiment runs: it builds the blinded
// trial matrix, dispatches provider calls through a bounded worker pool,
// enforces rate limits and budget caps, and records trials, evaluations,
// and run progress as they happen.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/symbi-labs/arena/internal/bus"
	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/gateway"
	"github.com/symbi-labs/arena/internal/gateway/llmerrors"
	"github.com/symbi-labs/arena/internal/gateway/ratelimit"
	"github.com/symbi-labs/arena/internal/gateway/transport"
	"github.com/symbi-labs/arena/internal/scoring"
	"github.com/symbi-labs/arena/internal/storage"
)

const (
	// DefaultConcurrency bounds how many trials run at once.
	DefaultConcurrency = 4

	// defaultMaxTokens bounds completion length per provider call, and is
	// the token reservation made against the rate limiter before each call.
	defaultMaxTokens = 1024

	// slotLabels supplies the opaque slot names in mapping order.
	slotLabels = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Config assembles an Orchestrator.
type Config struct {
	Client   gateway.Client
	Limiter  *ratelimit.Limiter
	Registry *scoring.Registry
	Repo     storage.Repository
	Bus      *bus.Bus
	Logger   *slog.Logger

	// Concurrency bounds simultaneous trials; zero selects the default.
	Concurrency int

	// CallTimeout bounds each provider call; zero uses the transport default.
	CallTimeout time.Duration

	// AbortOnFailure stops dispatching new trials after the first trial
	// failure instead of continuing the matrix.
	AbortOnFailure bool
}

// runState tracks one in-flight run.
type runState struct {
	run    *domain.ExperimentRun
	cfg    *domain.ExperimentConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	spent     domain.Cents
	costed    int // completed trials contributing to the average
}

func (st *runState) markCancelled() {
	st.mu.Lock()
	st.cancelled = true
	st.mu.Unlock()
}

func (st *runState) isCancelled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelled
}

// addCost records a completed trial's spend for budget estimation.
func (st *runState) addCost(c domain.Cents) {
	st.mu.Lock()
	st.spent += c
	st.costed++
	st.mu.Unlock()
}

// overBudget returns a BudgetExceededError when dispatching one more trial
// is expected to exceed the budget, nil otherwise. Required is the running
// average cost of completed trials; the first trial always dispatches since
// no estimate exists yet.
func (st *runState) overBudget(budget *domain.Cents) *domain.BudgetExceededError {
	if budget == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.spent >= *budget {
		return domain.NewBudgetExceededError(domain.BudgetCost, int64(*budget), int64(st.spent), 0)
	}
	if st.costed == 0 {
		return nil
	}
	avg := st.spent / domain.Cents(st.costed)
	if st.spent+avg > *budget {
		return domain.NewBudgetExceededError(domain.BudgetCost, int64(*budget), int64(st.spent), int64(avg))
	}
	return nil
}

// Orchestrator runs experiment trial matrices.
type Orchestrator struct {
	client   gateway.Client
	limiter  *ratelimit.Limiter
	registry *scoring.Registry
	repo     storage.Repository
	bus      *bus.Bus
	logger   *slog.Logger

	concurrency    int
	callTimeout    time.Duration
	abortOnFailure bool

	mu     sync.Mutex
	active map[string]*runState // experimentID -> state
	byRun  map[string]*runState // runID -> state
}

// New creates an orchestrator from its collaborators.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Client == nil {
		return nil, errors.New("orchestrator: gateway client is required")
	}
	if cfg.Repo == nil {
		return nil, errors.New("orchestrator: repository is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: scorer registry is required")
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.Limits{RequestsPerMinute: 60, TokensPerMinute: 100_000})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Orchestrator{
		client:         cfg.Client,
		limiter:        cfg.Limiter,
		registry:       cfg.Registry,
		repo:           cfg.Repo,
		bus:            cfg.Bus,
		logger:         cfg.Logger.With("component", "orchestrator"),
		concurrency:    cfg.Concurrency,
		callTimeout:    cfg.CallTimeout,
		abortOnFailure: cfg.AbortOnFailure,
	}, nil
}

// StartRun builds the trial matrix for the experiment and begins executing
// it in the background. At most one run per experiment may be active.
func (o *Orchestrator) StartRun(ctx context.Context, cfg *domain.ExperimentConfig) (*domain.ExperimentRun, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	trials := buildMatrix(cfg)
	run := &domain.ExperimentRun{
		ID:           uuid.New().String(),
		ExperimentID: cfg.ID,
		Status:       domain.StatusRunning,
		TotalTrials:  len(trials),
		StartedAt:    time.Now().UTC(),
	}
	for _, trial := range trials {
		trial.RunID = run.ID
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	state := &runState{run: run, cfg: cfg, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if _, busy := o.active[cfg.ID]; busy {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: experiment %s", domain.ErrRunActive, cfg.ID)
	}
	if o.active == nil {
		o.active = make(map[string]*runState)
		o.byRun = make(map[string]*runState)
	}
	o.active[cfg.ID] = state
	o.byRun[run.ID] = state
	o.mu.Unlock()

	if err := o.repo.PutRun(ctx, run); err != nil {
		o.release(state)
		cancel()
		return nil, fmt.Errorf("persist run: %w", err)
	}
	for _, trial := range trials {
		if err := o.repo.PutTrial(ctx, trial); err != nil {
			o.release(state)
			cancel()
			return nil, fmt.Errorf("persist trial: %w", err)
		}
	}

	go o.execute(runCtx, state, trials)

	snapshot := *run
	return &snapshot, nil
}

// Wait blocks until the run finishes or the context expires, then returns
// the final run record.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*domain.ExperimentRun, error) {
	o.mu.Lock()
	state, ok := o.byRun[runID]
	o.mu.Unlock()
	if !ok {
		return o.repo.GetRun(ctx, runID)
	}

	select {
	case <-state.done:
		return o.repo.GetRun(ctx, runID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelRun stops dispatching new trials for the run. In-flight trials
// finish and are recorded; the run ends CANCELLED.
func (o *Orchestrator) CancelRun(runID string) error {
	o.mu.Lock()
	state, ok := o.byRun[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	state.markCancelled()
	return nil
}

// ActiveRun returns the active run ID for an experiment, if any.
func (o *Orchestrator) ActiveRun(experimentID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.active[experimentID]
	if !ok {
		return "", false
	}
	return state.run.ID, true
}

func (o *Orchestrator) release(state *runState) {
	o.mu.Lock()
	delete(o.active, state.cfg.ID)
	delete(o.byRun, state.run.ID)
	o.mu.Unlock()
}

// buildMatrix creates Task × SampleSize trials, each with a freshly
// shuffled slot mapping so slot order carries no information about
// variant order in the config.
func buildMatrix(cfg *domain.ExperimentConfig) []*domain.Trial {
	now := time.Now().UTC()
	trials := make([]*domain.Trial, 0, len(cfg.Tasks)*cfg.SampleSize)
	for _, task := range cfg.Tasks {
		for i := 0; i < cfg.SampleSize; i++ {
			trials = append(trials, &domain.Trial{
				ID:           uuid.New().String(),
				ExperimentID: cfg.ID,
				TaskID:       task.ID,
				Status:       domain.TrialPending,
				Slots:        shuffleSlots(cfg.Variants),
				CreatedAt:    now,
			})
		}
	}
	return trials
}

func shuffleSlots(variants []domain.Variant) domain.SlotMapping {
	order := make([]string, len(variants))
	for i, v := range variants {
		order[i] = v.ID
	}
	rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	mapping := make(domain.SlotMapping, len(order))
	for i, id := range order {
		mapping[string(slotLabels[i])] = id
	}
	return mapping
}

// execute drives the run to completion.
func (o *Orchestrator) execute(ctx context.Context, state *runState, trials []*domain.Trial) {
	defer close(state.done)
	defer state.cancel()
	defer o.release(state)

	run, cfg := state.run, state.cfg
	log := o.logger.With("run_id", run.ID, "experiment_id", cfg.ID)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.concurrency)

	var stopReason domain.StopReason
	var budgetErr *domain.BudgetExceededError
	abort := false
	for _, trial := range trials {
		if abort || state.isCancelled() {
			if state.isCancelled() {
				stopReason = domain.StopCancelled
			}
			break
		}
		if groupCtx.Err() != nil {
			abort = true
			stopReason = domain.StopAborted
			break
		}
		if berr := state.overBudget(cfg.MaxCostCents); berr != nil {
			budgetErr = berr
			stopReason = domain.StopBudgetExceeded
			break
		}

		trial := trial
		group.Go(func() error {
			failed := o.runTrial(groupCtx, state, trial)
			if failed && o.abortOnFailure {
				return errAbort
			}
			return nil
		})

		// The pool enforces width; with budget caps active we also want
		// dispatch ordering, so serialize when a budget is set.
		if cfg.MaxCostCents != nil {
			if err := group.Wait(); err != nil {
				abort = true
				stopReason = domain.StopAborted
			}
			group, groupCtx = errgroup.WithContext(ctx)
			group.SetLimit(o.concurrency)
		}
	}

	if err := group.Wait(); err != nil && stopReason == "" {
		stopReason = domain.StopAborted
	}
	if state.isCancelled() && stopReason == "" {
		stopReason = domain.StopCancelled
	}

	o.finish(state, stopReason, budgetErr, log)
}

// errAbort signals the abort-on-failure policy through the errgroup.
var errAbort = errors.New("run aborted on trial failure")

// finish computes the final status, persists the run, and announces it.
// A budget stop carries the violation detail as the event payload.
func (o *Orchestrator) finish(state *runState, stopReason domain.StopReason, budgetErr *domain.BudgetExceededError, log *slog.Logger) {
	ctx := context.Background()
	run := state.run

	state.mu.Lock()
	run.StopReason = stopReason
	run.CostCents = state.spent
	state.mu.Unlock()

	var final domain.Status
	switch {
	case stopReason == domain.StopCancelled:
		final = domain.StatusCancelled
	case run.CompletedTrials == 0 && run.FailedTrials > 0:
		final = domain.StatusFailed
	default:
		final = domain.StatusCompleted
	}

	// CANCELLED is only reachable through PAUSED in the lifecycle table.
	if final == domain.StatusCancelled && run.Status == domain.StatusRunning {
		run.Status = domain.StatusPaused
	}
	if !run.Status.CanTransitionTo(final) {
		log.Error("illegal run transition", "from", run.Status, "to", final)
		final = domain.StatusFailed
	}
	run.Status = final
	now := time.Now().UTC()
	run.CompletedAt = &now

	if err := o.repo.PutRun(ctx, run); err != nil {
		log.Error("persist final run state failed", "error", err)
	}

	eventType := bus.EventRunCompleted
	var payload any = run
	switch stopReason {
	case domain.StopBudgetExceeded:
		eventType = bus.EventRunBudgetExceeded
		if budgetErr != nil {
			payload = budgetErr
		}
	case domain.StopCancelled:
		eventType = bus.EventRunCancelled
	}
	o.bus.Publish(bus.Envelope{
		Type:         eventType,
		Source:       "orchestrator",
		RunID:        run.ID,
		ExperimentID: run.ExperimentID,
		Payload:      payload,
	})

	log.Info("run finished",
		"status", run.Status,
		"completed", run.CompletedTrials,
		"failed", run.FailedTrials,
		"cost_cents", int64(run.CostCents),
		"stop_reason", string(stopReason),
	)
}

// runTrial executes every slot of one trial and records the outcome.
// Returns true when the trial failed.
func (o *Orchestrator) runTrial(ctx context.Context, state *runState, trial *domain.Trial) bool {
	run, cfg := state.run, state.cfg

	trial.Status = domain.TrialDispatched
	if err := o.repo.PutTrial(ctx, trial); err != nil {
		o.logger.Error("persist trial failed", "trial_id", trial.ID, "error", err)
	}

	task := taskByID(cfg, trial.TaskID)
	outputs := make(map[string]domain.TrialOutput, len(trial.Slots))

	var trialErr error
	for slot, variantID := range trial.Slots {
		variant, ok := cfg.VariantByID(variantID)
		if !ok {
			trialErr = fmt.Errorf("unknown variant %q in slot mapping", variantID)
			break
		}

		output, err := o.callVariant(ctx, variant, task)
		if err != nil {
			trialErr = err
			break
		}
		outputs[slot] = *output
	}

	trial.Outputs = outputs
	var trialCost domain.Cents
	for _, out := range outputs {
		trialCost += out.CostCents
	}

	if trialErr != nil {
		trial.Status = domain.TrialFailed
		trial.LastError = trialErr.Error()
	} else {
		trial.Status = domain.TrialCompleted
	}

	// Partial outputs from a failed trial still count against the budget.
	state.addCost(trialCost)

	state.mu.Lock()
	if trialErr != nil {
		run.FailedTrials++
	} else {
		run.CompletedTrials++
	}
	run.CostCents = state.spent
	snapshot := *run
	state.mu.Unlock()

	if err := o.repo.PutTrial(ctx, trial); err != nil {
		o.logger.Error("persist trial failed", "trial_id", trial.ID, "error", err)
	}
	if err := o.repo.PutRun(ctx, &snapshot); err != nil {
		o.logger.Error("persist run progress failed", "run_id", run.ID, "error", err)
	}

	if trialErr != nil {
		o.bus.Publish(bus.Envelope{
			Type:         bus.EventTrialFailed,
			Source:       "orchestrator",
			RunID:        run.ID,
			ExperimentID: cfg.ID,
			Payload:      trial,
		})
		return true
	}

	o.bus.Publish(bus.Envelope{
		Type:         bus.EventTrialCompleted,
		Source:       "orchestrator",
		RunID:        run.ID,
		ExperimentID: cfg.ID,
		Payload:      trial,
	})

	o.evaluate(ctx, cfg, trial)
	return false
}

// callVariant performs one rate-limited provider call for a slot.
func (o *Orchestrator) callVariant(ctx context.Context, variant domain.Variant, task domain.Task) (*domain.TrialOutput, error) {
	if err := o.acquireCapacity(ctx, variant.Provider); err != nil {
		return nil, err
	}

	req := &transport.Request{
		Provider:     variant.Provider,
		Model:        variant.Model,
		Prompt:       task.Content,
		SystemPrompt: variant.SystemPrompt,
		MaxTokens:    defaultMaxTokens,
		Timeout:      o.callTimeout,
	}
	resp, err := o.client.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("variant %s: %w", variant.ID, err)
	}

	return &domain.TrialOutput{
		Content:          resp.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostCents:        resp.CostCents,
		LatencyMs:        resp.LatencyMs,
	}, nil
}

// acquireCapacity gates on the provider's rate limit, sleeping the
// limiter's recommended retry-after on contention.
func (o *Orchestrator) acquireCapacity(ctx context.Context, provider string) error {
	for {
		err := o.limiter.Acquire(provider, defaultMaxTokens)
		if err == nil {
			return nil
		}

		var rateErr *llmerrors.RateLimitError
		if !errors.As(err, &rateErr) {
			return err
		}

		wait := time.Until(rateErr.ResetAt)
		if wait <= 0 {
			wait = time.Duration(rateErr.RetryAfter) * time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// evaluate scores a completed trial's blinded outputs and records the
// resulting evaluation. Scoring failures are logged, not fatal: the trial
// remains valid for later human evaluation.
func (o *Orchestrator) evaluate(ctx context.Context, cfg *domain.ExperimentConfig, trial *domain.Trial) {
	scores := make(map[string]float64, len(trial.Outputs))
	dimensionScores := make(map[string]map[string]float64, len(trial.Outputs))

	for slot, output := range trial.Outputs {
		dims, err := o.registry.Score(ctx, cfg.SymbiDimensions, output.Content, scoring.Metadata{
			ExperimentID: cfg.ID,
			TrialID:      trial.ID,
			TaskID:       trial.TaskID,
			Slot:         slot,
			Criteria:     cfg.EvaluationCriteria,
		})
		if err != nil {
			o.logger.Error("scoring failed", "trial_id", trial.ID, "slot", slot, "error", err)
			return
		}
		dimensionScores[slot] = dims
		scores[slot] = meanScore(dims)
	}

	winner, confidence := pickWinner(scores)
	eval := &domain.Evaluation{
		ID:              uuid.New().String(),
		TrialID:         trial.ID,
		Type:            domain.EvaluatorAI,
		WinnerSlot:      winner,
		Scores:          scores,
		DimensionScores: dimensionScores,
		Confidence:      confidence,
		EvaluatedAt:     time.Now().UTC(),
	}

	if err := o.repo.PutEvaluation(ctx, eval); err != nil {
		o.logger.Error("persist evaluation failed", "trial_id", trial.ID, "error", err)
		return
	}

	o.bus.Publish(bus.Envelope{
		Type:         bus.EventEvaluationRecorded,
		Source:       "orchestrator",
		RunID:        trial.RunID,
		ExperimentID: cfg.ID,
		Payload:      eval,
	})
}

func meanScore(dims map[string]float64) float64 {
	if len(dims) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range dims {
		sum += v
	}
	return sum / float64(len(dims))
}

// pickWinner returns the top-scoring slot and a margin-based confidence.
// An exact tie at the top returns no winner.
func pickWinner(scores map[string]float64) (string, float64) {
	var best, second float64
	var winner string
	first := true
	for slot, score := range scores {
		switch {
		case first || score > best:
			if !first {
				second = best
			}
			best, winner = score, slot
			first = false
		case score == best:
			winner = ""
			second = best
		case score > second:
			second = score
		}
	}
	if winner == "" || len(scores) < 2 {
		return "", 0
	}

	// Relative margin, capped so small absolute gaps stay low-confidence.
	margin := best - second
	confidence := margin / best
	if best == 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return winner, confidence
}

func taskByID(cfg *domain.ExperimentConfig, id string) domain.Task {
	for _, task := range cfg.Tasks {
		if task.ID == id {
			return task
		}
	}
	return domain.Task{ID: id}
}
