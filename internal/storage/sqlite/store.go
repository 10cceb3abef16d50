// Package sqlite provides durable Repository storage on a single SQLite
// file. The schema uses millisecond UTC timestamps and JSON columns for
// map-shaped fields; writes upsert on conflict so Put is idempotent.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL,
	config     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	experiment_id    TEXT NOT NULL,
	status           TEXT NOT NULL,
	total_trials     INTEGER NOT NULL,
	completed_trials INTEGER NOT NULL,
	failed_trials    INTEGER NOT NULL,
	cost_cents       INTEGER NOT NULL,
	stop_reason      TEXT NOT NULL DEFAULT '',
	started_at       INTEGER NOT NULL,
	completed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id);

CREATE TABLE IF NOT EXISTS trials (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	experiment_id TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	status        TEXT NOT NULL,
	slots         TEXT NOT NULL,
	outputs       TEXT NOT NULL DEFAULT '{}',
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trials_run ON trials(run_id);
CREATE INDEX IF NOT EXISTS idx_trials_experiment ON trials(experiment_id);

CREATE TABLE IF NOT EXISTS evaluations (
	id               TEXT PRIMARY KEY,
	trial_id         TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	evaluator_type   TEXT NOT NULL,
	winner_slot      TEXT NOT NULL DEFAULT '',
	scores           TEXT NOT NULL DEFAULT '{}',
	dimension_scores TEXT NOT NULL DEFAULT '{}',
	confidence       REAL NOT NULL,
	evaluated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_trial ON evaluations(trial_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluations(run_id);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	run_id        TEXT NOT NULL DEFAULT '',
	actor         TEXT NOT NULL,
	from_status   TEXT NOT NULL,
	to_status     TEXT NOT NULL,
	at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_experiment ON audit_records(experiment_id);
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(raw), nil
}

func decodeJSON(value string, v any) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// Store provides SQLite-backed persistence for experiment records.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (creating if necessary) a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) PutExperiment(ctx context.Context, cfg *domain.ExperimentConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("%w: experiment id is required", domain.ErrInvalidConfig)
	}
	config, err := encodeJSON(cfg)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO experiments (id, name, status, config, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	status = excluded.status,
	config = excluded.config,
	updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, string(cfg.Status), config, toMillis(cfg.CreatedAt), toMillis(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put experiment: %w", err)
	}
	return nil
}

func (s *Store) scanExperiment(row *sql.Row, key string) (*domain.ExperimentConfig, error) {
	var config string
	if err := row.Scan(&config); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, key)
		}
		return nil, fmt.Errorf("scan experiment: %w", err)
	}
	var cfg domain.ExperimentConfig
	if err := decodeJSON(config, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) GetExperiment(ctx context.Context, id string) (*domain.ExperimentConfig, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT config FROM experiments WHERE id = ?`, id)
	return s.scanExperiment(row, id)
}

func (s *Store) GetExperimentByName(ctx context.Context, name string) (*domain.ExperimentConfig, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT config FROM experiments WHERE name = ?`, name)
	return s.scanExperiment(row, name)
}

func (s *Store) ListExperiments(ctx context.Context) ([]*domain.ExperimentConfig, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT config FROM experiments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.ExperimentConfig
	for rows.Next() {
		var config string
		if err := rows.Scan(&config); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		var cfg domain.ExperimentConfig
		if err := decodeJSON(config, &cfg); err != nil {
			return nil, err
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}

// DeleteExperiment removes the experiment and all dependent records in one
// transaction.
func (s *Store) DeleteExperiment(ctx context.Context, id string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}

	statements := []string{
		`DELETE FROM evaluations WHERE trial_id IN (SELECT id FROM trials WHERE experiment_id = ?)`,
		`DELETE FROM trials WHERE experiment_id = ?`,
		`DELETE FROM runs WHERE experiment_id = ?`,
		`DELETE FROM audit_records WHERE experiment_id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete experiment records: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) PutRun(ctx context.Context, run *domain.ExperimentRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("%w: run id is required", domain.ErrInvalidConfig)
	}
	var completedAt sql.NullInt64
	if run.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toMillis(*run.CompletedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO runs (
	id, experiment_id, status, total_trials, completed_trials, failed_trials,
	cost_cents, stop_reason, started_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	total_trials = excluded.total_trials,
	completed_trials = excluded.completed_trials,
	failed_trials = excluded.failed_trials,
	cost_cents = excluded.cost_cents,
	stop_reason = excluded.stop_reason,
	completed_at = excluded.completed_at`,
		run.ID, run.ExperimentID, string(run.Status), run.TotalTrials, run.CompletedTrials,
		run.FailedTrials, int64(run.CostCents), string(run.StopReason), toMillis(run.StartedAt), completedAt)
	if err != nil {
		return fmt.Errorf("put run: %w", err)
	}
	return nil
}

func scanRun(scanner interface{ Scan(...any) error }) (*domain.ExperimentRun, error) {
	var (
		run         domain.ExperimentRun
		status      string
		stopReason  string
		costCents   int64
		startedAt   int64
		completedAt sql.NullInt64
	)
	err := scanner.Scan(&run.ID, &run.ExperimentID, &status, &run.TotalTrials,
		&run.CompletedTrials, &run.FailedTrials, &costCents, &stopReason, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.Status = domain.Status(status)
	run.StopReason = domain.StopReason(stopReason)
	run.CostCents = domain.Cents(costCents)
	run.StartedAt = fromMillis(startedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		run.CompletedAt = &t
	}
	return &run, nil
}

const runColumns = `id, experiment_id, status, total_trials, completed_trials,
	failed_trials, cost_cents, stop_reason, started_at, completed_at`

func (s *Store) GetRun(ctx context.Context, id string) (*domain.ExperimentRun, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRunsByExperiment(ctx context.Context, experimentID string) ([]*domain.ExperimentRun, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE experiment_id = ? ORDER BY started_at`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.ExperimentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) PutTrial(ctx context.Context, trial *domain.Trial) error {
	if strings.TrimSpace(trial.ID) == "" {
		return fmt.Errorf("%w: trial id is required", domain.ErrInvalidConfig)
	}
	slots, err := encodeJSON(trial.Slots)
	if err != nil {
		return err
	}
	outputs, err := encodeJSON(trial.Outputs)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO trials (
	id, run_id, experiment_id, task_id, status, slots, outputs, last_error, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	outputs = excluded.outputs,
	last_error = excluded.last_error`,
		trial.ID, trial.RunID, trial.ExperimentID, trial.TaskID, string(trial.Status),
		slots, outputs, trial.LastError, toMillis(trial.CreatedAt))
	if err != nil {
		return fmt.Errorf("put trial: %w", err)
	}
	return nil
}

func scanTrial(scanner interface{ Scan(...any) error }) (*domain.Trial, error) {
	var (
		trial     domain.Trial
		status    string
		slots     string
		outputs   string
		createdAt int64
	)
	err := scanner.Scan(&trial.ID, &trial.RunID, &trial.ExperimentID, &trial.TaskID,
		&status, &slots, &outputs, &trial.LastError, &createdAt)
	if err != nil {
		return nil, err
	}
	trial.Status = domain.TrialStatus(status)
	trial.CreatedAt = fromMillis(createdAt)
	if err := decodeJSON(slots, &trial.Slots); err != nil {
		return nil, err
	}
	if err := decodeJSON(outputs, &trial.Outputs); err != nil {
		return nil, err
	}
	return &trial, nil
}

const trialColumns = `id, run_id, experiment_id, task_id, status, slots, outputs, last_error, created_at`

func (s *Store) GetTrial(ctx context.Context, id string) (*domain.Trial, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE id = ?`, id)
	trial, err := scanTrial(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTrialNotFound, id)
		}
		return nil, fmt.Errorf("scan trial: %w", err)
	}
	return trial, nil
}

func (s *Store) ListTrialsByRun(ctx context.Context, runID string) ([]*domain.Trial, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Trial
	for rows.Next() {
		trial, err := scanTrial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		out = append(out, trial)
	}
	return out, rows.Err()
}

func (s *Store) PutEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	if strings.TrimSpace(eval.ID) == "" {
		return fmt.Errorf("%w: evaluation id is required", domain.ErrInvalidConfig)
	}

	// Resolve the owning run so run-level listings avoid a join per query.
	var runID string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT run_id FROM trials WHERE id = ?`, eval.TrialID).Scan(&runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrTrialNotFound, eval.TrialID)
		}
		return fmt.Errorf("resolve evaluation run: %w", err)
	}

	scores, err := encodeJSON(eval.Scores)
	if err != nil {
		return err
	}
	dimensionScores, err := encodeJSON(eval.DimensionScores)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO evaluations (
	id, trial_id, run_id, evaluator_type, winner_slot, scores, dimension_scores, confidence, evaluated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	winner_slot = excluded.winner_slot,
	scores = excluded.scores,
	dimension_scores = excluded.dimension_scores,
	confidence = excluded.confidence,
	evaluated_at = excluded.evaluated_at`,
		eval.ID, eval.TrialID, runID, string(eval.Type), eval.WinnerSlot,
		scores, dimensionScores, eval.Confidence, toMillis(eval.EvaluatedAt))
	if err != nil {
		return fmt.Errorf("put evaluation: %w", err)
	}
	return nil
}

func scanEvaluation(scanner interface{ Scan(...any) error }) (*domain.Evaluation, error) {
	var (
		eval            domain.Evaluation
		runID           string
		evaluatorType   string
		scores          string
		dimensionScores string
		evaluatedAt     int64
	)
	err := scanner.Scan(&eval.ID, &eval.TrialID, &runID, &evaluatorType,
		&eval.WinnerSlot, &scores, &dimensionScores, &eval.Confidence, &evaluatedAt)
	if err != nil {
		return nil, err
	}
	eval.Type = domain.EvaluatorType(evaluatorType)
	eval.EvaluatedAt = fromMillis(evaluatedAt)
	if err := decodeJSON(scores, &eval.Scores); err != nil {
		return nil, err
	}
	if err := decodeJSON(dimensionScores, &eval.DimensionScores); err != nil {
		return nil, err
	}
	return &eval, nil
}

const evaluationColumns = `id, trial_id, run_id, evaluator_type, winner_slot,
	scores, dimension_scores, confidence, evaluated_at`

func (s *Store) listEvaluations(ctx context.Context, where string, arg string) ([]*domain.Evaluation, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE `+where+` ORDER BY evaluated_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, eval)
	}
	return out, rows.Err()
}

func (s *Store) ListEvaluationsByTrial(ctx context.Context, trialID string) ([]*domain.Evaluation, error) {
	return s.listEvaluations(ctx, `trial_id = ?`, trialID)
}

func (s *Store) ListEvaluationsByRun(ctx context.Context, runID string) ([]*domain.Evaluation, error) {
	return s.listEvaluations(ctx, `run_id = ?`, runID)
}

func (s *Store) AppendAudit(ctx context.Context, record *domain.AuditRecord) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_records (id, experiment_id, run_id, actor, from_status, to_status, at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.ExperimentID, record.RunID, record.Actor,
		string(record.FromStatus), string(record.ToStatus), toMillis(record.At))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAuditByExperiment(ctx context.Context, experimentID string) ([]*domain.AuditRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, experiment_id, run_id, actor, from_status, to_status, at
FROM audit_records WHERE experiment_id = ? ORDER BY at`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.AuditRecord
	for rows.Next() {
		var (
			rec        domain.AuditRecord
			fromStatus string
			toStatus   string
			at         int64
		)
		if err := rows.Scan(&rec.ID, &rec.ExperimentID, &rec.RunID, &rec.Actor,
			&fromStatus, &toStatus, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.FromStatus = domain.Status(fromStatus)
		rec.ToStatus = domain.Status(toStatus)
		rec.At = fromMillis(at)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
