// Package scoring produces per-dimension quality scores for trial outputs.
// Scorers are registered per dimension and injected into the orchestrator;
// there is no global registry.
package scoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Metadata carries trial context a scorer may condition on.
type Metadata struct {
	ExperimentID string
	TrialID      string
	TaskID       string
	Slot         string
	Criteria     []string
}

// Scorer evaluates one output and returns named dimension scores.
type Scorer interface {
	// Score returns dimension name to score. Implementations must be safe
	// for concurrent use.
	Score(ctx context.Context, content string, meta Metadata) (map[string]float64, error)

	// Dimensions lists the dimension names this scorer produces.
	Dimensions() []string
}

// Registry maps requested dimensions to the scorers that produce them.
type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer // dimension -> scorer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scorers: make(map[string]Scorer)}
}

// Register binds a scorer to every dimension it declares. Later
// registrations win on overlap.
func (r *Registry) Register(s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dim := range s.Dimensions() {
		r.scorers[dim] = s
	}
}

// Dimensions lists all registered dimension names, sorted.
func (r *Registry) Dimensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dims := make([]string, 0, len(r.scorers))
	for dim := range r.scorers {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	return dims
}

// Score runs the scorers covering the requested dimensions, deduplicating
// scorers that serve several of them. Unknown dimensions are an error so a
// misconfigured experiment fails loudly rather than silently scoring less.
func (r *Registry) Score(ctx context.Context, dimensions []string, content string, meta Metadata) (map[string]float64, error) {
	r.mu.RLock()
	selected := make(map[Scorer]bool)
	for _, dim := range dimensions {
		s, ok := r.scorers[dim]
		if !ok {
			r.mu.RUnlock()
			return nil, fmt.Errorf("no scorer registered for dimension %q", dim)
		}
		selected[s] = true
	}
	r.mu.RUnlock()

	wanted := make(map[string]bool, len(dimensions))
	for _, dim := range dimensions {
		wanted[dim] = true
	}

	result := make(map[string]float64, len(dimensions))
	for s := range selected {
		scores, err := s.Score(ctx, content, meta)
		if err != nil {
			return nil, fmt.Errorf("scorer failed: %w", err)
		}
		for dim, score := range scores {
			if wanted[dim] {
				result[dim] = score
			}
		}
	}
	return result, nil
}

// StaticScorer is a test double returning fixed scores.
type StaticScorer struct {
	Fixed map[string]float64
	Err   error
}

// Score implements Scorer.
func (s *StaticScorer) Score(_ context.Context, _ string, _ Metadata) (map[string]float64, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[string]float64, len(s.Fixed))
	for dim, score := range s.Fixed {
		out[dim] = score
	}
	return out, nil
}

// Dimensions implements Scorer.
func (s *StaticScorer) Dimensions() []string {
	dims := make([]string, 0, len(s.Fixed))
	for dim := range s.Fixed {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	return dims
}
