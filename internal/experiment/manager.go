// Package experiment is the engine's outward-facing surface: it owns the
// experiment lifecycle, delegates run execution to the orchestrator, and
// assembles results, exports, and status views for callers.
package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/symbi-labs/arena/internal/bus"
	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/gateway/providers"
	"github.com/symbi-labs/arena/internal/gateway/ratelimit"
	"github.com/symbi-labs/arena/internal/orchestrator"
	"github.com/symbi-labs/arena/internal/privacy"
	"github.com/symbi-labs/arena/internal/stats"
	"github.com/symbi-labs/arena/internal/storage"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ErrUnsupportedFormat indicates an export format other than json or csv.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ExportConfig selects what an export contains and how it is encoded.
type ExportConfig struct {
	IncludeRawData         bool   `json:"include_raw_data"`
	IncludeEvaluations     bool   `json:"include_evaluations"`
	IncludeSymbiScores     bool   `json:"include_symbi_scores"`
	IncludeIntegrityHashes bool   `json:"include_integrity_hashes"`
	AnonymizePII           bool   `json:"anonymize_pii"`
	Format                 string `json:"format"`
}

// Export is an encoded experiment dataset with a content hash for
// tamper evidence.
type Export struct {
	Data          []byte    `json:"data"`
	Format        string    `json:"format"`
	IntegrityHash string    `json:"integrity_hash"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// StatusView is the caller-facing snapshot of an experiment.
type StatusView struct {
	Config      *domain.ExperimentConfig `json:"config"`
	ActiveRunID string                   `json:"active_run_id,omitempty"`
	RecentRuns  []*domain.ExperimentRun  `json:"recent_runs"`
}

// RunResults bundles a run with its trials and computed statistics.
type RunResults struct {
	Run        *domain.ExperimentRun `json:"run"`
	Trials     []*domain.Trial       `json:"trials"`
	Statistics *stats.Summary        `json:"statistics"`
}

// Config assembles a Manager.
type Config struct {
	Repo         storage.Repository
	Orchestrator *orchestrator.Orchestrator
	Limiter      *ratelimit.Limiter
	Privacy      *privacy.Manager
	Bus          *bus.Bus
	Logger       *slog.Logger

	// Actor is recorded on audit entries for transitions the manager makes.
	Actor string

	// MinSample gates significance testing; zero selects the stats default.
	MinSample int
}

// Manager owns the experiment lifecycle.
type Manager struct {
	repo      storage.Repository
	orch      *orchestrator.Orchestrator
	limiter   *ratelimit.Limiter
	privacy   *privacy.Manager
	bus       *bus.Bus
	logger    *slog.Logger
	actor     string
	minSample int
}

// New creates a manager from its collaborators.
func New(cfg Config) (*Manager, error) {
	if cfg.Repo == nil {
		return nil, errors.New("experiment: repository is required")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("experiment: orchestrator is required")
	}
	if cfg.Privacy == nil {
		cfg.Privacy = privacy.NewManager()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Actor == "" {
		cfg.Actor = "engine"
	}
	return &Manager{
		repo:      cfg.Repo,
		orch:      cfg.Orchestrator,
		limiter:   cfg.Limiter,
		privacy:   cfg.Privacy,
		bus:       cfg.Bus,
		logger:    cfg.Logger.With("component", "experiment"),
		actor:     cfg.Actor,
		minSample: cfg.MinSample,
	}, nil
}

func knownProvider(name string) bool {
	switch name {
	case providers.ProviderOpenAI, providers.ProviderAnthropic, providers.ProviderGoogle, providers.ProviderMock:
		return true
	}
	return false
}

// CreateExperiment validates the configuration, enforces privacy compliance,
// and stores the experiment in DRAFT. Names are unique.
func (m *Manager) CreateExperiment(ctx context.Context, cfg *domain.ExperimentConfig, authz privacy.AuthorizationContext) (*domain.ExperimentConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range cfg.Variants {
		if !knownProvider(v.Provider) {
			return nil, fmt.Errorf("%w: variant %q uses unknown provider %q", domain.ErrInvalidConfig, v.ID, v.Provider)
		}
	}
	if err := privacy.ValidateCompliance(cfg.Privacy, authz); err != nil {
		return nil, err
	}

	existing, err := m.repo.GetExperimentByName(ctx, cfg.Name)
	if err != nil && !errors.Is(err, domain.ErrExperimentNotFound) {
		return nil, fmt.Errorf("check experiment name: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrDuplicateExperiment, cfg.Name)
	}

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cfg.Status = domain.StatusDraft
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := m.repo.PutExperiment(ctx, cfg); err != nil {
		return nil, fmt.Errorf("store experiment: %w", err)
	}

	m.logger.Info("experiment created", "experiment_id", cfg.ID, "name", cfg.Name)
	return cfg, nil
}

// StartExperiment transitions the named experiment to RUNNING and starts a
// run. A configured budget of zero or less is rejected before anything runs.
func (m *Manager) StartExperiment(ctx context.Context, name string) (*domain.ExperimentRun, error) {
	cfg, err := m.repo.GetExperimentByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if cfg.MaxCostCents != nil && *cfg.MaxCostCents <= 0 {
		return nil, fmt.Errorf("%w: budget must be positive, got %s", domain.ErrInvalidBudget, *cfg.MaxCostCents)
	}

	if err := m.transition(ctx, cfg, domain.StatusRunning, ""); err != nil {
		return nil, err
	}

	run, err := m.orch.StartRun(ctx, cfg)
	if err != nil {
		// A run that never started leaves the experiment FAILED; the
		// audit trail keeps the aborted RUNNING transition visible.
		if terr := m.transition(ctx, cfg, domain.StatusFailed, ""); terr != nil {
			m.logger.Error("rollback transition failed", "experiment_id", cfg.ID, "error", terr)
		}
		return nil, err
	}

	go m.settle(cfg.ID, run.ID)
	return run, nil
}

// settle waits for the run to finish and mirrors its terminal state onto
// the experiment.
func (m *Manager) settle(experimentID, runID string) {
	ctx := context.Background()
	run, err := m.orch.Wait(ctx, runID)
	if err != nil {
		m.logger.Error("wait for run failed", "run_id", runID, "error", err)
		return
	}

	cfg, err := m.repo.GetExperiment(ctx, experimentID)
	if err != nil {
		m.logger.Error("load experiment for settlement failed", "experiment_id", experimentID, "error", err)
		return
	}

	switch run.Status {
	case domain.StatusCancelled:
		// CANCELLED is reached through PAUSED in the lifecycle table.
		if err := m.transition(ctx, cfg, domain.StatusPaused, run.ID); err == nil {
			err = m.transition(ctx, cfg, domain.StatusCancelled, run.ID)
		} else {
			m.logger.Error("settle transition failed", "experiment_id", experimentID, "error", err)
		}
	case domain.StatusFailed:
		if err := m.transition(ctx, cfg, domain.StatusFailed, run.ID); err != nil {
			m.logger.Error("settle transition failed", "experiment_id", experimentID, "error", err)
		}
	default:
		if err := m.transition(ctx, cfg, domain.StatusCompleted, run.ID); err != nil {
			m.logger.Error("settle transition failed", "experiment_id", experimentID, "error", err)
		}
	}
}

// GetExperimentStatus returns the configuration, the active run if any, and
// recent runs for the named experiment.
func (m *Manager) GetExperimentStatus(ctx context.Context, name string) (*StatusView, error) {
	cfg, err := m.repo.GetExperimentByName(ctx, name)
	if err != nil {
		return nil, err
	}

	runs, err := m.repo.ListRunsByExperiment(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	view := &StatusView{Config: cfg, RecentRuns: runs}
	if runID, ok := m.orch.ActiveRun(cfg.ID); ok {
		view.ActiveRunID = runID
	}
	return view, nil
}

// GetRunResults returns the run, its trials, and the statistical summary.
func (m *Manager) GetRunResults(ctx context.Context, runID string) (*RunResults, error) {
	run, err := m.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	cfg, err := m.repo.GetExperiment(ctx, run.ExperimentID)
	if err != nil {
		return nil, err
	}
	trials, err := m.repo.ListTrialsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	evals, err := m.repo.ListEvaluationsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}

	engine := stats.NewEngine(cfg.ConfidenceLevel, m.minSample)
	summary := engine.Compute(trials, evals, cfg.Variants)

	return &RunResults{Run: run, Trials: trials, Statistics: summary}, nil
}

// CancelRun asks the orchestrator to stop the run. In-flight trials finish.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	if err := m.orch.CancelRun(runID); err != nil {
		// Runs no longer active may still exist in storage; distinguish a
		// genuinely unknown run from one already in a terminal state.
		run, gerr := m.repo.GetRun(ctx, runID)
		if gerr != nil {
			return gerr
		}
		return &domain.TransitionError{From: run.Status, To: domain.StatusCancelled}
	}
	return nil
}

// DeleteExperiment removes the named experiment and all dependent records.
// Deletion is rejected while a run is active.
func (m *Manager) DeleteExperiment(ctx context.Context, name string) error {
	cfg, err := m.repo.GetExperimentByName(ctx, name)
	if err != nil {
		return err
	}
	if _, active := m.orch.ActiveRun(cfg.ID); active || cfg.Status == domain.StatusRunning {
		return fmt.Errorf("%w: %q", domain.ErrExperimentRunning, name)
	}
	return m.repo.DeleteExperiment(ctx, cfg.ID)
}

// GetRateLimitStatus reports remaining provider capacity.
func (m *Manager) GetRateLimitStatus(provider string) ratelimit.Status {
	if m.limiter == nil {
		return ratelimit.Status{Provider: provider}
	}
	return m.limiter.Status(provider)
}

// transition applies a status change through the domain transition table,
// persists it, and emits an audit record. Audit failures are logged and
// never block the transition.
func (m *Manager) transition(ctx context.Context, cfg *domain.ExperimentConfig, to domain.Status, runID string) error {
	from := cfg.Status
	if !from.CanTransitionTo(to) {
		return &domain.TransitionError{From: from, To: to}
	}

	cfg.Status = to
	cfg.UpdatedAt = time.Now().UTC()
	if err := m.repo.PutExperiment(ctx, cfg); err != nil {
		cfg.Status = from
		return fmt.Errorf("persist transition: %w", err)
	}

	audit := &domain.AuditRecord{
		ID:           uuid.New().String(),
		ExperimentID: cfg.ID,
		RunID:        runID,
		Actor:        m.actor,
		FromStatus:   from,
		ToStatus:     to,
		At:           cfg.UpdatedAt,
	}
	if err := m.repo.AppendAudit(ctx, audit); err != nil {
		m.logger.Error("audit append failed", "experiment_id", cfg.ID, "from", from, "to", to, "error", err)
	}

	m.bus.Publish(bus.Envelope{
		Type:         bus.EventExperimentTransitioned,
		Source:       "experiment",
		ExperimentID: cfg.ID,
		RunID:        runID,
		Payload:      audit,
	})
	return nil
}

// exportRow is one trial-slot line of an export.
type exportRow struct {
	RunID           string             `json:"run_id"`
	TrialID         string             `json:"trial_id"`
	TaskID          string             `json:"task_id"`
	Slot            string             `json:"slot"`
	VariantID       string             `json:"variant_id"`
	Content         string             `json:"content,omitempty"`
	TotalTokens     int64              `json:"total_tokens"`
	CostCents       int64              `json:"cost_cents"`
	WinnerSlot      string             `json:"winner_slot,omitempty"`
	Score           float64            `json:"score,omitempty"`
	DimensionScores map[string]float64 `json:"dimension_scores,omitempty"`
	ContentHash     string             `json:"content_hash,omitempty"`
}

// exportPayload is the JSON export envelope.
type exportPayload struct {
	Experiment  *domain.ExperimentConfig `json:"experiment"`
	Runs        []*domain.ExperimentRun  `json:"runs"`
	Rows        []exportRow              `json:"rows"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// ExportExperimentData encodes the named experiment's data per the export
// configuration and returns it with a sha256 integrity hash.
func (m *Manager) ExportExperimentData(ctx context.Context, name string, ec ExportConfig) (*Export, error) {
	format := strings.ToLower(ec.Format)
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ec.Format)
	}

	cfg, err := m.repo.GetExperimentByName(ctx, name)
	if err != nil {
		return nil, err
	}
	runs, err := m.repo.ListRunsByExperiment(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	anonymize := ec.AnonymizePII || cfg.Privacy.PIIPolicy == domain.PIIPolicyAnonymized
	level := cfg.Privacy.AnonymizationLevel
	if level == "" {
		level = domain.AnonymizationLight
	}

	var rows []exportRow
	for _, run := range runs {
		trials, err := m.repo.ListTrialsByRun(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("list trials: %w", err)
		}
		for _, trial := range trials {
			evals, err := m.repo.ListEvaluationsByTrial(ctx, trial.ID)
			if err != nil {
				return nil, fmt.Errorf("list evaluations: %w", err)
			}
			var latest *domain.Evaluation
			for _, eval := range evals {
				if latest == nil || eval.EvaluatedAt.After(latest.EvaluatedAt) {
					latest = eval
				}
			}

			slots := make([]string, 0, len(trial.Slots))
			for slot := range trial.Slots {
				slots = append(slots, slot)
			}
			sort.Strings(slots)

			for _, slot := range slots {
				variantID, _ := trial.Slots.VariantFor(slot)
				row := exportRow{
					RunID:     run.ID,
					TrialID:   trial.ID,
					TaskID:    trial.TaskID,
					Slot:      slot,
					VariantID: variantID,
				}

				output, ok := trial.Outputs[slot]
				if ok {
					row.TotalTokens = output.TotalTokens
					row.CostCents = int64(output.CostCents)
					if ec.IncludeIntegrityHashes {
						sum := sha256.Sum256([]byte(output.Content))
						row.ContentHash = hex.EncodeToString(sum[:])
					}
					if ec.IncludeRawData {
						content := output.Content
						if anonymize {
							content, err = m.privacy.Anonymize(content, level)
							if err != nil {
								return nil, fmt.Errorf("anonymize output: %w", err)
							}
						}
						row.Content = content
					}
				}

				if ec.IncludeEvaluations && latest != nil {
					row.WinnerSlot = latest.WinnerSlot
					row.Score = latest.Scores[slot]
					if ec.IncludeSymbiScores {
						row.DimensionScores = latest.DimensionScores[slot]
					}
				}
				rows = append(rows, row)
			}
		}
	}

	exported := cfg
	if anonymize {
		clone := *cfg
		clone.Tasks = make([]domain.Task, len(cfg.Tasks))
		for i, task := range cfg.Tasks {
			content, err := m.privacy.Anonymize(task.Content, level)
			if err != nil {
				return nil, fmt.Errorf("anonymize task: %w", err)
			}
			clone.Tasks[i] = domain.Task{ID: task.ID, Content: content}
		}
		exported = &clone
	}

	now := time.Now().UTC()
	var data []byte
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(exportPayload{
			Experiment:  exported,
			Runs:        runs,
			Rows:        rows,
			GeneratedAt: now,
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode export: %w", err)
		}
	case FormatCSV:
		data, err = encodeCSV(rows, ec)
		if err != nil {
			return nil, fmt.Errorf("encode export: %w", err)
		}
	}

	sum := sha256.Sum256(data)
	return &Export{
		Data:          data,
		Format:        format,
		IntegrityHash: hex.EncodeToString(sum[:]),
		GeneratedAt:   now,
	}, nil
}

func encodeCSV(rows []exportRow, ec ExportConfig) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	header := []string{"run_id", "trial_id", "task_id", "slot", "variant_id", "total_tokens", "cost_cents"}
	if ec.IncludeRawData {
		header = append(header, "content")
	}
	if ec.IncludeEvaluations {
		header = append(header, "winner_slot", "score")
	}
	if ec.IncludeSymbiScores {
		header = append(header, "dimension_scores")
	}
	if ec.IncludeIntegrityHashes {
		header = append(header, "content_hash")
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, row := range rows {
		record := []string{
			row.RunID, row.TrialID, row.TaskID, row.Slot, row.VariantID,
			strconv.FormatInt(row.TotalTokens, 10),
			strconv.FormatInt(row.CostCents, 10),
		}
		if ec.IncludeRawData {
			record = append(record, row.Content)
		}
		if ec.IncludeEvaluations {
			record = append(record, row.WinnerSlot, strconv.FormatFloat(row.Score, 'f', -1, 64))
		}
		if ec.IncludeSymbiScores {
			dims, err := json.Marshal(row.DimensionScores)
			if err != nil {
				return nil, err
			}
			record = append(record, string(dims))
		}
		if ec.IncludeIntegrityHashes {
			record = append(record, row.ContentHash)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}
