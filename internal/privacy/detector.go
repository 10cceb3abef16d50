// Package privacy implements PII detection, anonymization, retention, and
// compliance checks for experiment data. Detection is heuristic regex
// matching, not a substitute for a dedicated DLP system; confidence values
// reflect that.
package privacy

import (
	"regexp"
	"sort"
)

// PIIType labels a detected category of personally identifiable information.
type PIIType string

const (
	PIITypeEmail PIIType = "email"
	PIITypePhone PIIType = "phone"
	PIITypeSSN   PIIType = "ssn"
	PIITypeCard  PIIType = "credit_card"
	PIITypeIP    PIIType = "ip_address"
	PIITypeName  PIIType = "person_name"
)

// Report summarizes a detection pass over a text.
type Report struct {
	ContainsPII   bool      `json:"contains_pii"`
	DetectedTypes []PIIType `json:"detected_types,omitempty"`

	// Confidence is a heuristic step function of how many distinct
	// categories matched, not a calibrated probability.
	Confidence float64 `json:"confidence"`
}

// PIIDetector identifies personally identifiable information in text.
type PIIDetector interface {
	ContainsPII(text string) bool
	Detect(text string) Report
}

// matcher pairs a category with its pattern. Order matters: structured
// formats are checked before the loose name heuristic so overlapping text
// is attributed to the most specific category first.
type matcher struct {
	piiType PIIType
	pattern *regexp.Regexp
}

// RegexDetector is the default PIIDetector built on ordered regex matchers.
type RegexDetector struct {
	matchers []matcher
}

// NewRegexDetector creates a detector covering common PII formats.
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{
		matchers: []matcher{
			{PIITypeEmail, regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
			{PIITypeSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
			{PIITypeCard, regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
			{PIITypePhone, regexp.MustCompile(`\b(?:\+?1[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`)},
			{PIITypeIP, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
			// Two consecutive capitalized words. Intentionally loose; trips
			// on headlines, which is acceptable for a conservative detector.
			{PIITypeName, regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)},
		},
	}
}

// ContainsPII reports whether any category matches.
func (d *RegexDetector) ContainsPII(text string) bool {
	for _, m := range d.matchers {
		if m.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// Detect returns the full category report for a text. Confidence steps up
// with each distinct category matched and saturates at 0.95.
func (d *RegexDetector) Detect(text string) Report {
	seen := make(map[PIIType]bool)
	for _, m := range d.matchers {
		if m.pattern.MatchString(text) {
			seen[m.piiType] = true
		}
	}
	if len(seen) == 0 {
		return Report{}
	}

	types := make([]PIIType, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return Report{
		ContainsPII:   true,
		DetectedTypes: types,
		Confidence:    confidenceFor(len(seen)),
	}
}

// confidenceFor maps distinct category counts to heuristic confidence.
func confidenceFor(categories int) float64 {
	switch {
	case categories <= 0:
		return 0
	case categories == 1:
		return 0.6
	case categories == 2:
		return 0.8
	default:
		return 0.95
	}
}
