package privacy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/symbi-labs/arena/internal/domain"
)

// placeholders used by LIGHT anonymization, keyed by category.
var lightPlaceholders = map[PIIType]string{
	PIITypeEmail: "[EMAIL]",
	PIITypePhone: "[PHONE]",
	PIITypeSSN:   "[SSN]",
	PIITypeCard:  "[CARD]",
	PIITypeIP:    "[IP]",
	PIITypeName:  "[NAME]",
}

// pseudonym prefixes used by FULL anonymization, keyed by category.
var pseudonymPrefixes = map[PIIType]string{
	PIITypeEmail: "EMAIL",
	PIITypePhone: "PHONE",
	PIITypeSSN:   "SSN",
	PIITypeCard:  "CARD",
	PIITypeIP:    "IP",
	PIITypeName:  "NAME",
}

// Anonymizer rewrites PII in text. LIGHT substitutes fixed category
// placeholders and discards the originals. FULL assigns each distinct value
// a stable pseudonym and keeps an in-memory reverse map so an authorized
// caller can restore originals. Maps are never persisted.
type Anonymizer struct {
	detector *RegexDetector

	mu      sync.Mutex
	forward map[string]string // original value -> pseudonym
	reverse map[string]string // pseudonym -> original value
	counts  map[PIIType]int
}

// NewAnonymizer creates an anonymizer with empty pseudonym state.
func NewAnonymizer(detector *RegexDetector) *Anonymizer {
	if detector == nil {
		detector = NewRegexDetector()
	}
	return &Anonymizer{
		detector: detector,
		forward:  make(map[string]string),
		reverse:  make(map[string]string),
		counts:   make(map[PIIType]int),
	}
}

// Anonymize rewrites all detected PII in text at the given level.
func (a *Anonymizer) Anonymize(text string, level domain.AnonymizationLevel) (string, error) {
	switch level {
	case domain.AnonymizationLight:
		return a.anonymizeLight(text), nil
	case domain.AnonymizationFull:
		return a.anonymizeFull(text), nil
	default:
		return "", fmt.Errorf("%w: unknown anonymization level %q", domain.ErrInvalidConfig, level)
	}
}

func (a *Anonymizer) anonymizeLight(text string) string {
	for _, m := range a.detector.matchers {
		text = m.pattern.ReplaceAllString(text, lightPlaceholders[m.piiType])
	}
	return text
}

func (a *Anonymizer) anonymizeFull(text string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, m := range a.detector.matchers {
		text = m.pattern.ReplaceAllStringFunc(text, func(value string) string {
			// Skip values that are already pseudonyms from a prior pass.
			if _, ok := a.reverse[value]; ok {
				return value
			}
			if pseudonym, ok := a.forward[value]; ok {
				return pseudonym
			}
			a.counts[m.piiType]++
			pseudonym := fmt.Sprintf("%s_%d", pseudonymPrefixes[m.piiType], a.counts[m.piiType])
			a.forward[value] = pseudonym
			a.reverse[pseudonym] = value
			return pseudonym
		})
	}
	return text
}

// ReverseAnonymization restores original values for FULL pseudonyms present
// in text. Unknown pseudonyms and LIGHT placeholders pass through unchanged.
func (a *Anonymizer) ReverseAnonymization(text string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Longest pseudonyms first so EMAIL_12 is restored before EMAIL_1.
	pseudonyms := make([]string, 0, len(a.reverse))
	for p := range a.reverse {
		pseudonyms = append(pseudonyms, p)
	}
	sort.Slice(pseudonyms, func(i, j int) bool { return len(pseudonyms[i]) > len(pseudonyms[j]) })

	for _, pseudonym := range pseudonyms {
		text = strings.ReplaceAll(text, pseudonym, a.reverse[pseudonym])
	}
	return text
}

// ClearMaps wipes the pseudonym maps; previously anonymized text becomes
// irreversible.
func (a *Anonymizer) ClearMaps() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forward = make(map[string]string)
	a.reverse = make(map[string]string)
	a.counts = make(map[PIIType]int)
}

// MappingCount reports how many distinct values have pseudonyms.
func (a *Anonymizer) MappingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.forward)
}
