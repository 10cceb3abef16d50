// Package stats computes win/loss records and significance classification
// for completed experiment runs. Wins are counted through each trial's slot
// mapping so the statistics never see slot labels, only variant identities.
package stats

import (
	"math"
	"sort"

	"github.com/symbi-labs/arena/internal/domain"
)

// Significance classifies a variant's win-rate edge over its strongest rival.
type Significance string

const (
	// SignificanceNotSignificant means the edge is indistinguishable from
	// noise at the configured confidence level, or the sample is too small
	// to test.
	SignificanceNotSignificant Significance = "NOT_SIGNIFICANT"

	// SignificanceSignificant means the two-proportion z-test rejects the
	// null hypothesis at the configured confidence level.
	SignificanceSignificant Significance = "SIGNIFICANT"
)

// DefaultMinSample is the minimum decided comparisons per variant before a
// significance test is attempted.
const DefaultMinSample = 30

// VariantResult is the aggregate record for one variant.
type VariantResult struct {
	VariantID    string       `json:"variant_id"`
	Wins         int          `json:"wins"`
	Losses       int          `json:"losses"`
	Ties         int          `json:"ties"`
	Total        int          `json:"total"`
	WinRate      float64      `json:"win_rate"`
	MeanScore    float64      `json:"mean_score"`
	Significance Significance `json:"significance"`
}

// Summary is the full statistical result of a run.
type Summary struct {
	Variants        map[string]*VariantResult `json:"variants"`
	EvaluatedTrials int                       `json:"evaluated_trials"`
	ConfidenceLevel float64                   `json:"confidence_level"`
	MinSample       int                       `json:"min_sample"`
}

// BenchmarkComparison reports a variant's mean evaluation score relative to
// a benchmark variant's mean, as a percentage difference.
type BenchmarkComparison struct {
	VariantID        string  `json:"variant_id"`
	MeanScore        float64 `json:"mean_score"`
	BenchmarkMean    float64 `json:"benchmark_mean"`
	RelativeDiffPct  float64 `json:"relative_diff_pct"`
	ComparisonsTotal int     `json:"comparisons_total"`
}

// Engine computes statistics with a fixed confidence level and sample gate.
type Engine struct {
	confidenceLevel float64
	minSample       int
}

// NewEngine creates an engine. Out-of-range arguments fall back to a 0.95
// confidence level and the default sample gate.
func NewEngine(confidenceLevel float64, minSample int) *Engine {
	if confidenceLevel < domain.MinConfidenceLevel || confidenceLevel > domain.MaxConfidenceLevel {
		confidenceLevel = 0.95
	}
	if minSample <= 0 {
		minSample = DefaultMinSample
	}
	return &Engine{confidenceLevel: confidenceLevel, minSample: minSample}
}

// Compute aggregates evaluations into per-variant records. The latest
// evaluation per trial is authoritative; earlier ones are superseded. A nil
// winner slot counts a tie for every variant in the trial.
func (e *Engine) Compute(trials []*domain.Trial, evaluations []*domain.Evaluation, variants []domain.Variant) *Summary {
	summary := &Summary{
		Variants:        make(map[string]*VariantResult, len(variants)),
		ConfidenceLevel: e.confidenceLevel,
		MinSample:       e.minSample,
	}
	for _, v := range variants {
		summary.Variants[v.ID] = &VariantResult{VariantID: v.ID, Significance: SignificanceNotSignificant}
	}

	trialByID := make(map[string]*domain.Trial, len(trials))
	for _, trial := range trials {
		trialByID[trial.ID] = trial
	}

	scoreSums := make(map[string]float64, len(variants))
	scoreCounts := make(map[string]int, len(variants))

	for _, eval := range latestPerTrial(evaluations) {
		trial, ok := trialByID[eval.TrialID]
		if !ok {
			continue
		}
		summary.EvaluatedTrials++

		if eval.WinnerSlot == "" {
			for _, variantID := range trial.Slots {
				if r, ok := summary.Variants[variantID]; ok {
					r.Ties++
				}
			}
		} else {
			winnerID, _ := trial.Slots.VariantFor(eval.WinnerSlot)
			for _, variantID := range trial.Slots {
				r, ok := summary.Variants[variantID]
				if !ok {
					continue
				}
				if variantID == winnerID {
					r.Wins++
				} else {
					r.Losses++
				}
			}
		}

		for slot, score := range eval.Scores {
			variantID, ok := trial.Slots.VariantFor(slot)
			if !ok {
				continue
			}
			if _, ok := summary.Variants[variantID]; !ok {
				continue
			}
			scoreSums[variantID] += score
			scoreCounts[variantID]++
		}
	}

	for id, r := range summary.Variants {
		r.Total = r.Wins + r.Losses + r.Ties
		if decided := r.Wins + r.Losses; decided > 0 {
			r.WinRate = float64(r.Wins) / float64(decided)
		}
		if scoreCounts[id] > 0 {
			r.MeanScore = scoreSums[id] / float64(scoreCounts[id])
		}
	}

	e.classify(summary)
	return summary
}

// classify runs the two-proportion z-test for each variant against its
// strongest rival. Sample sizes below the gate are never reported as
// significant regardless of the observed gap.
func (e *Engine) classify(summary *Summary) {
	for id, r := range summary.Variants {
		rival := strongestRival(summary, id)
		if rival == nil {
			continue
		}

		n1, n2 := r.Wins+r.Losses, rival.Wins+rival.Losses
		if n1 < e.minSample || n2 < e.minSample {
			continue
		}

		z := twoProportionZ(float64(r.Wins), float64(n1), float64(rival.Wins), float64(n2))
		if math.Abs(z) >= zCritical(e.confidenceLevel) && r.WinRate > rival.WinRate {
			r.Significance = SignificanceSignificant
		}
	}
}

// CompareToBenchmark reports each other variant's mean evaluation score as a
// relative percentage difference against the benchmark variant's mean.
func CompareToBenchmark(summary *Summary, benchmarkVariantID string) []BenchmarkComparison {
	bench, ok := summary.Variants[benchmarkVariantID]
	if !ok {
		return nil
	}

	ids := make([]string, 0, len(summary.Variants))
	for id := range summary.Variants {
		if id != benchmarkVariantID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	comparisons := make([]BenchmarkComparison, 0, len(ids))
	for _, id := range ids {
		r := summary.Variants[id]
		c := BenchmarkComparison{
			VariantID:        id,
			MeanScore:        r.MeanScore,
			BenchmarkMean:    bench.MeanScore,
			ComparisonsTotal: r.Total,
		}
		if bench.MeanScore != 0 {
			c.RelativeDiffPct = (r.MeanScore - bench.MeanScore) / math.Abs(bench.MeanScore) * 100
		}
		comparisons = append(comparisons, c)
	}
	return comparisons
}

// latestPerTrial resolves re-evaluations: the most recent evaluation for a
// trial supersedes earlier ones.
func latestPerTrial(evaluations []*domain.Evaluation) map[string]*domain.Evaluation {
	latest := make(map[string]*domain.Evaluation, len(evaluations))
	for _, eval := range evaluations {
		current, ok := latest[eval.TrialID]
		if !ok || eval.EvaluatedAt.After(current.EvaluatedAt) {
			latest[eval.TrialID] = eval
		}
	}
	return latest
}

// strongestRival picks the competing variant with the highest win rate,
// breaking ties by decided-comparison count then ID for determinism.
func strongestRival(summary *Summary, variantID string) *VariantResult {
	var rival *VariantResult
	var rivalID string
	for id, r := range summary.Variants {
		if id == variantID {
			continue
		}
		if rival == nil || better(r, id, rival, rivalID) {
			rival, rivalID = r, id
		}
	}
	return rival
}

func better(a *VariantResult, aID string, b *VariantResult, bID string) bool {
	if a.WinRate != b.WinRate {
		return a.WinRate > b.WinRate
	}
	if an, bn := a.Wins+a.Losses, b.Wins+b.Losses; an != bn {
		return an > bn
	}
	return aID < bID
}

// twoProportionZ computes the pooled two-proportion z statistic.
func twoProportionZ(wins1, n1, wins2, n2 float64) float64 {
	if n1 == 0 || n2 == 0 {
		return 0
	}
	p1, p2 := wins1/n1, wins2/n2
	pooled := (wins1 + wins2) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 {
		return 0
	}
	return (p1 - p2) / se
}

// zCritical returns the two-tailed critical value for common confidence
// levels, interpolating linearly between table entries.
func zCritical(confidenceLevel float64) float64 {
	table := []struct {
		level float64
		z     float64
	}{
		{0.80, 1.282},
		{0.90, 1.645},
		{0.95, 1.960},
		{0.99, 2.576},
		{0.995, 2.807},
		{0.999, 3.291},
	}

	if confidenceLevel <= table[0].level {
		return table[0].z
	}
	for i := 1; i < len(table); i++ {
		if confidenceLevel <= table[i].level {
			lo, hi := table[i-1], table[i]
			frac := (confidenceLevel - lo.level) / (hi.level - lo.level)
			return lo.z + frac*(hi.z-lo.z)
		}
	}
	return table[len(table)-1].z
}
