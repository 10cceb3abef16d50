// Package storage defines the persistence boundary for experiments, runs,
// trials, evaluations, and the audit trail. Implementations live in the
// memory and sqlite subpackages; both resolve missing records to the domain
// not-found sentinels so callers classify with errors.Is.
package storage

import (
	"context"

	"github.com/symbi-labs/arena/internal/domain"
)

// Repository is the persistence contract the experiment and orchestrator
// layers depend on. Put operations upsert by ID. All implementations must
// be safe for concurrent use.
type Repository interface {
	// Experiments.
	PutExperiment(ctx context.Context, cfg *domain.ExperimentConfig) error
	GetExperiment(ctx context.Context, id string) (*domain.ExperimentConfig, error)
	GetExperimentByName(ctx context.Context, name string) (*domain.ExperimentConfig, error)
	ListExperiments(ctx context.Context) ([]*domain.ExperimentConfig, error)
	DeleteExperiment(ctx context.Context, id string) error

	// Runs.
	PutRun(ctx context.Context, run *domain.ExperimentRun) error
	GetRun(ctx context.Context, id string) (*domain.ExperimentRun, error)
	ListRunsByExperiment(ctx context.Context, experimentID string) ([]*domain.ExperimentRun, error)

	// Trials.
	PutTrial(ctx context.Context, trial *domain.Trial) error
	GetTrial(ctx context.Context, id string) (*domain.Trial, error)
	ListTrialsByRun(ctx context.Context, runID string) ([]*domain.Trial, error)

	// Evaluations.
	PutEvaluation(ctx context.Context, eval *domain.Evaluation) error
	ListEvaluationsByTrial(ctx context.Context, trialID string) ([]*domain.Evaluation, error)
	ListEvaluationsByRun(ctx context.Context, runID string) ([]*domain.Evaluation, error)

	// Audit trail. Append-only.
	AppendAudit(ctx context.Context, record *domain.AuditRecord) error
	ListAuditByExperiment(ctx context.Context, experimentID string) ([]*domain.AuditRecord, error)

	// Close releases underlying resources.
	Close() error
}
