package privacy

import (
	"fmt"
	"time"

	"github.com/symbi-labs/arena/internal/domain"
)

// DefaultRetentionDays applies when an experiment does not set its own.
const DefaultRetentionDays = 90

// AuthorizationContext carries the approval required for raw PII retention.
type AuthorizationContext struct {
	// Authorized must be true for RAW_RESEARCH policies.
	Authorized bool `json:"authorized"`

	// ApprovedBy identifies who granted the authorization.
	ApprovedBy string `json:"approved_by,omitempty"`

	// Reference points to the governing review record.
	Reference string `json:"reference,omitempty"`
}

// Manager combines detection, anonymization, retention, and compliance
// checks behind one collaborator the experiment layer depends on.
type Manager struct {
	detector   *RegexDetector
	anonymizer *Anonymizer
}

// NewManager creates a privacy manager with a fresh anonymizer.
func NewManager() *Manager {
	detector := NewRegexDetector()
	return &Manager{
		detector:   detector,
		anonymizer: NewAnonymizer(detector),
	}
}

// ContainsPII reports whether text matches any PII category.
func (m *Manager) ContainsPII(text string) bool { return m.detector.ContainsPII(text) }

// Detect returns the full category report for a text.
func (m *Manager) Detect(text string) Report { return m.detector.Detect(text) }

// Anonymize rewrites PII at the given level.
func (m *Manager) Anonymize(text string, level domain.AnonymizationLevel) (string, error) {
	return m.anonymizer.Anonymize(text, level)
}

// ReverseAnonymization restores originals for FULL pseudonyms.
func (m *Manager) ReverseAnonymization(text string) string {
	return m.anonymizer.ReverseAnonymization(text)
}

// ClearMaps wipes the pseudonym maps.
func (m *Manager) ClearMaps() { m.anonymizer.ClearMaps() }

// ValidateRetentionDays checks a retention period against the allowed range.
func ValidateRetentionDays(days int) error {
	if days < 1 || days > domain.MaxRetentionDays {
		return fmt.Errorf("%w: retention_days must be in [1, %d], got %d",
			domain.ErrInvalidConfig, domain.MaxRetentionDays, days)
	}
	return nil
}

// RetentionDate computes when data created at createdAt expires. A
// non-positive days value selects the engine default.
func RetentionDate(createdAt time.Time, days int) time.Time {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return createdAt.AddDate(0, 0, days)
}

// ShouldDelete reports whether data past its retention date must be purged.
func ShouldDelete(retention, now time.Time) bool {
	return !now.Before(retention)
}

// ValidateCompliance checks an experiment's privacy configuration against
// policy rules. RAW_RESEARCH retention of PII requires explicit
// authorization; anonymized policies require an anonymization level.
func ValidateCompliance(cfg domain.PrivacyConfig, authz AuthorizationContext) error {
	if cfg.RetentionDays != 0 {
		if err := ValidateRetentionDays(cfg.RetentionDays); err != nil {
			return err
		}
	}

	if !cfg.ContainsPII {
		return nil
	}

	switch cfg.PIIPolicy {
	case domain.PIIPolicyAnonymized:
		if cfg.AnonymizationLevel == "" {
			return fmt.Errorf("%w: anonymized policy requires an anonymization_level",
				domain.ErrInvalidConfig)
		}
	case domain.PIIPolicyRawResearch:
		if !authz.Authorized {
			return fmt.Errorf("%w: raw_research policy requires explicit authorization",
				domain.ErrInvalidConfig)
		}
	case "":
		return fmt.Errorf("%w: experiments containing PII must declare a pii_policy",
			domain.ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: unknown pii_policy %q", domain.ErrInvalidConfig, cfg.PIIPolicy)
	}

	return nil
}
