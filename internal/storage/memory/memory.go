// Package memory provides an in-process Repository for tests and the mock
// execution mode. All values are deep-copied on the way in and out so
// callers can never mutate stored state through shared references.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/storage"
)

// Store implements storage.Repository with mutex-guarded maps.
type Store struct {
	mu          sync.RWMutex
	experiments map[string]*domain.ExperimentConfig
	runs        map[string]*domain.ExperimentRun
	trials      map[string]*domain.Trial
	evaluations map[string]*domain.Evaluation
	audits      []*domain.AuditRecord

	// trialRun resolves an evaluation's run without scanning all trials.
	trialRun map[string]string
}

var _ storage.Repository = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		experiments: make(map[string]*domain.ExperimentConfig),
		runs:        make(map[string]*domain.ExperimentRun),
		trials:      make(map[string]*domain.Trial),
		evaluations: make(map[string]*domain.Evaluation),
		trialRun:    make(map[string]string),
	}
}

// deepCopy round-trips through JSON. Slower than hand-written copies but
// immune to drift as domain structs grow fields.
func deepCopy[T any](src *T) *T {
	if src == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		panic(fmt.Sprintf("memory store copy: %v", err))
	}
	dst := new(T)
	if err := json.Unmarshal(raw, dst); err != nil {
		panic(fmt.Sprintf("memory store copy: %v", err))
	}
	return dst
}

func (s *Store) PutExperiment(ctx context.Context, cfg *domain.ExperimentConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.ID == "" {
		return fmt.Errorf("%w: experiment id is required", domain.ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[cfg.ID] = deepCopy(cfg)
	return nil
}

func (s *Store) GetExperiment(ctx context.Context, id string) (*domain.ExperimentConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	return deepCopy(cfg), nil
}

func (s *Store) GetExperimentByName(ctx context.Context, name string) (*domain.ExperimentConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.experiments {
		if cfg.Name == name {
			return deepCopy(cfg), nil
		}
	}
	return nil, fmt.Errorf("%w: name %q", domain.ErrExperimentNotFound, name)
}

func (s *Store) ListExperiments(ctx context.Context) ([]*domain.ExperimentConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ExperimentConfig, 0, len(s.experiments))
	for _, cfg := range s.experiments {
		out = append(out, deepCopy(cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteExperiment removes the experiment and all dependent records.
func (s *Store) DeleteExperiment(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrExperimentNotFound, id)
	}
	delete(s.experiments, id)

	for runID, run := range s.runs {
		if run.ExperimentID == id {
			delete(s.runs, runID)
		}
	}
	for trialID, trial := range s.trials {
		if trial.ExperimentID == id {
			delete(s.trials, trialID)
			delete(s.trialRun, trialID)
		}
	}
	for evalID, eval := range s.evaluations {
		if _, ok := s.trials[eval.TrialID]; !ok {
			delete(s.evaluations, evalID)
		}
	}
	kept := s.audits[:0]
	for _, rec := range s.audits {
		if rec.ExperimentID != id {
			kept = append(kept, rec)
		}
	}
	s.audits = kept
	return nil
}

func (s *Store) PutRun(ctx context.Context, run *domain.ExperimentRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", domain.ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = deepCopy(run)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.ExperimentRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return deepCopy(run), nil
}

func (s *Store) ListRunsByExperiment(ctx context.Context, experimentID string) ([]*domain.ExperimentRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ExperimentRun
	for _, run := range s.runs {
		if run.ExperimentID == experimentID {
			out = append(out, deepCopy(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) PutTrial(ctx context.Context, trial *domain.Trial) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if trial.ID == "" {
		return fmt.Errorf("%w: trial id is required", domain.ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trials[trial.ID] = deepCopy(trial)
	s.trialRun[trial.ID] = trial.RunID
	return nil
}

func (s *Store) GetTrial(ctx context.Context, id string) (*domain.Trial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	trial, ok := s.trials[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTrialNotFound, id)
	}
	return deepCopy(trial), nil
}

func (s *Store) ListTrialsByRun(ctx context.Context, runID string) ([]*domain.Trial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Trial
	for _, trial := range s.trials {
		if trial.RunID == runID {
			out = append(out, deepCopy(trial))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PutEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", domain.ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trials[eval.TrialID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTrialNotFound, eval.TrialID)
	}
	s.evaluations[eval.ID] = deepCopy(eval)
	return nil
}

func (s *Store) ListEvaluationsByTrial(ctx context.Context, trialID string) ([]*domain.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Evaluation
	for _, eval := range s.evaluations {
		if eval.TrialID == trialID {
			out = append(out, deepCopy(eval))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvaluatedAt.Before(out[j].EvaluatedAt) })
	return out, nil
}

func (s *Store) ListEvaluationsByRun(ctx context.Context, runID string) ([]*domain.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Evaluation
	for _, eval := range s.evaluations {
		if s.trialRun[eval.TrialID] == runID {
			out = append(out, deepCopy(eval))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvaluatedAt.Before(out[j].EvaluatedAt) })
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, record *domain.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, deepCopy(record))
	return nil
}

func (s *Store) ListAuditByExperiment(ctx context.Context, experimentID string) ([]*domain.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AuditRecord
	for _, rec := range s.audits {
		if rec.ExperimentID == experimentID {
			out = append(out, deepCopy(rec))
		}
	}
	return out, nil
}

// Close implements storage.Repository; nothing to release.
func (s *Store) Close() error { return nil }
