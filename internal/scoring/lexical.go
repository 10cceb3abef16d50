package scoring

import (
	"context"
	"regexp"
	"strings"
)

// Dimension names produced by the lexical scorer.
const (
	DimensionRealityIndex  = "reality_index"
	DimensionTrustProtocol = "trust_protocol"
	DimensionCanvasParity  = "canvas_parity"
)

// Sub-dimension component names reported alongside the top-level scores.
const (
	ComponentMissionAlignment    = "mission_alignment"
	ComponentContextualCoherence = "contextual_coherence"
	ComponentTechnicalAccuracy   = "technical_accuracy"
	ComponentAuthenticity        = "authenticity"
)

var (
	goalTerms       = []string{"goal", "mission", "purpose", "objective", "aim", "target", "explain", "understand"}
	alignmentTerms  = []string{"align", "consistent", "coherent", "harmony", "synergy"}
	connectingWords = []string{"however", "therefore", "thus", "furthermore", "moreover", "additionally", "also", "since", "because"}
	technicalTerms  = []string{
		"algorithm", "framework", "system", "process", "method", "analysis", "data",
		"research", "implementation", "development", "neural", "attention", "transformer", "embedding",
	}
	genericPhrases = []string{
		"at the end of the day", "think outside the box", "best practices",
		"going forward", "touch base", "circle back",
	}

	verificationTerms    = []string{"verify", "validate", "confirm", "check", "evidence", "proof", "source", "reference"}
	verificationNegative = []string{"unverified", "unvalidated", "unchecked"}
	boundaryTerms        = []string{"boundary", "limit", "scope", "constraint", "parameter", "limitation", "cannot", "unable"}
	boundaryNegative     = []string{"unlimited", "unbounded", "unconstrained"}
	securityTerms        = []string{"secure", "protect", "privacy", "confidential", "safety", "limitation", "note", "should"}
	securityNegative     = []string{"insecure", "unprotected", "vulnerable"}

	humanTerms        = []string{"you", "your", "user", "human", "people", "person", "reader", "understand", "help"}
	aiTerms           = []string{"ai", "model", "algorithm", "system", "process", "analysis", "explain", "understand"}
	transparencyTerms = []string{"note", "should", "limitation", "simplified", "explain", "clarify", "understand"}
	collabTerms       = []string{"help", "understand", "explain", "clarify", "question", "ask", "discuss"}
	acknowledgments   = []string{"i should note", "limitations", "simplified", "acknowledge"}
)

var (
	numericRe      = regexp.MustCompile(`\d+(\.\d+)?%?`)
	citationRe     = regexp.MustCompile(`\[\d+\]|\(\d{4}\)|et al\.|paper|study`)
	dateOrYearRe   = regexp.MustCompile(`\d{4}|\d{1,2}/\d{1,2}/\d{2,4}`)
	firstPersonRe  = regexp.MustCompile(`\b(i|we|our|my)\b`)
	sentenceStopRe = regexp.MustCompile(`[.!?]+`)
)

// LexicalScorer scores output text with keyword heuristics. Scores are
// rough signals for comparing variants on identical tasks, not absolute
// quality judgments: both sides of a comparison face the same keyword bias.
type LexicalScorer struct{}

// NewLexicalScorer creates the heuristic scorer.
func NewLexicalScorer() *LexicalScorer { return &LexicalScorer{} }

// Dimensions implements Scorer.
func (s *LexicalScorer) Dimensions() []string {
	return []string{DimensionRealityIndex, DimensionTrustProtocol, DimensionCanvasParity}
}

// Score implements Scorer. Reality index is on a 0..10 scale, trust
// protocol maps PASS/PARTIAL/FAIL to 1/0.5/0, canvas parity is 0..100.
func (s *LexicalScorer) Score(ctx context.Context, content string, _ Metadata) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]float64{
		DimensionRealityIndex:  s.realityIndex(content),
		DimensionTrustProtocol: s.trustProtocol(content),
		DimensionCanvasParity:  s.canvasParity(content),
	}, nil
}

// RealityComponents exposes the reality index sub-scores for reporting.
func (s *LexicalScorer) RealityComponents(content string) map[string]float64 {
	lower := strings.ToLower(content)
	return map[string]float64{
		ComponentMissionAlignment:    missionAlignment(lower),
		ComponentContextualCoherence: contextualCoherence(content, lower),
		ComponentTechnicalAccuracy:   technicalAccuracy(content, lower),
		ComponentAuthenticity:        authenticity(content, lower),
	}
}

func (s *LexicalScorer) realityIndex(content string) float64 {
	components := s.RealityComponents(content)
	sum := 0.0
	for _, v := range components {
		sum += v
	}
	return sum / float64(len(components))
}

func missionAlignment(lower string) float64 {
	score := 5.0
	score += 0.5 * float64(countPresent(lower, goalTerms))
	score += 0.5 * float64(countPresent(lower, alignmentTerms))
	return clamp(score, 0, 10)
}

func contextualCoherence(content, lower string) float64 {
	score := 5.0
	if countSentences(content) >= 3 {
		score += 0.3 * float64(countPresent(lower, connectingWords))
	}
	return clamp(score, 0, 10)
}

func technicalAccuracy(content, lower string) float64 {
	score := 5.0
	score += 0.3 * float64(countPresent(lower, technicalTerms))
	if numericRe.MatchString(content) {
		score += 1.0
	}
	if citationRe.MatchString(content) {
		score += 1.5
	}
	return clamp(score, 0, 10)
}

func authenticity(content, lower string) float64 {
	score := 7.0
	score -= 0.5 * float64(countPresent(lower, genericPhrases))
	if dateOrYearRe.MatchString(content) {
		score += 1.0
	}
	if firstPersonRe.MatchString(lower) {
		score += 0.5
	}
	return clamp(score, 0, 10)
}

// trustStatus is the outcome of one trust component evaluation.
type trustStatus int

const (
	trustFail trustStatus = iota
	trustPartial
	trustPass
)

func (s *LexicalScorer) trustProtocol(content string) float64 {
	lower := strings.ToLower(content)

	statuses := []trustStatus{
		evaluateTrustComponent(lower, verificationTerms, verificationNegative),
		evaluateTrustComponent(lower, boundaryTerms, boundaryNegative),
		evaluateTrustComponent(lower, securityTerms, securityNegative),
	}

	overall := trustPass
	for _, status := range statuses {
		if status < overall {
			overall = status
		}
	}

	switch overall {
	case trustPass:
		return 1.0
	case trustPartial:
		return 0.5
	default:
		return 0.0
	}
}

// evaluateTrustComponent fails on any negative term, passes on two or more
// positive terms, and is partial otherwise.
func evaluateTrustComponent(lower string, positive, negative []string) trustStatus {
	if countPresent(lower, negative) > 0 {
		return trustFail
	}
	if countPresent(lower, positive) >= 2 {
		return trustPass
	}
	return trustPartial
}

func (s *LexicalScorer) canvasParity(content string) float64 {
	lower := strings.ToLower(content)
	hasQuestion := strings.Contains(content, "?")

	agency := 50.0 + 3*float64(countPresent(lower, humanTerms))
	if hasQuestion {
		agency += 10
	}

	ai := 50.0 + 3*float64(countPresent(lower, aiTerms))

	transparency := 50.0 + 3*float64(countPresent(lower, transparencyTerms))
	if countPresent(lower, acknowledgments) > 0 {
		transparency += 10
	}

	collab := 50.0 + 3*float64(countPresent(lower, collabTerms))
	if hasQuestion {
		collab += 10
	}

	total := clamp(agency, 0, 100) + clamp(ai, 0, 100) + clamp(transparency, 0, 100) + clamp(collab, 0, 100)
	return total / 4
}

func countPresent(lower string, terms []string) int {
	count := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			count++
		}
	}
	return count
}

func countSentences(content string) int {
	count := 0
	for _, part := range sentenceStopRe.Split(content, -1) {
		if strings.TrimSpace(part) != "" {
			count++
		}
	}
	return count
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
