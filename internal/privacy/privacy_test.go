package privacy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbi-labs/arena/internal/domain"
)

func TestRegexDetectorCategories(t *testing.T) {
	detector := NewRegexDetector()

	tests := []struct {
		name string
		text string
		want PIIType
	}{
		{"email", "contact me at jane.doe+test@example.co.uk please", PIITypeEmail},
		{"minimal email", "a@b.com", PIITypeEmail},
		{"ssn", "my ssn is 123-45-6789 ok", PIITypeSSN},
		{"card", "card 4111 1111 1111 1111 expires soon", PIITypeCard},
		{"phone", "call (555) 123-4567 after lunch", PIITypePhone},
		{"ipv4", "connecting from 192.168.1.100 today", PIITypeIP},
		{"name", "report prepared by Alice Johnson yesterday", PIITypeName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, detector.ContainsPII(tt.text))
			report := detector.Detect(tt.text)
			assert.True(t, report.ContainsPII)
			assert.Contains(t, report.DetectedTypes, tt.want)
		})
	}
}

func TestRegexDetectorCleanText(t *testing.T) {
	detector := NewRegexDetector()

	text := "the quick brown fox ran across the field"
	assert.False(t, detector.ContainsPII(text))

	report := detector.Detect(text)
	assert.False(t, report.ContainsPII)
	assert.Empty(t, report.DetectedTypes)
	assert.Zero(t, report.Confidence)
}

func TestDetectConfidenceMonotone(t *testing.T) {
	detector := NewRegexDetector()

	one := detector.Detect("write to a@b.com").Confidence
	two := detector.Detect("write to a@b.com from 10.0.0.1").Confidence
	three := detector.Detect("write to a@b.com from 10.0.0.1, ssn 123-45-6789").Confidence

	assert.Greater(t, two, one)
	assert.Greater(t, three, two)
	assert.LessOrEqual(t, three, 0.95)
}

func TestAnonymizeLight(t *testing.T) {
	anon := NewAnonymizer(nil)

	out, err := anon.Anonymize("email a@b.com or a@b.com again", domain.AnonymizationLight)
	require.NoError(t, err)
	assert.Equal(t, "email [EMAIL] or [EMAIL] again", out)

	// LIGHT keeps no state to reverse with.
	assert.Equal(t, out, anon.ReverseAnonymization(out))
	assert.Zero(t, anon.MappingCount())
}

func TestAnonymizeFullStableAndReversible(t *testing.T) {
	anon := NewAnonymizer(nil)

	first, err := anon.Anonymize("mail a@b.com", domain.AnonymizationFull)
	require.NoError(t, err)
	assert.Equal(t, "mail EMAIL_1", first)

	// Same value gets the same pseudonym across calls.
	second, err := anon.Anonymize("again a@b.com and also c@d.com", domain.AnonymizationFull)
	require.NoError(t, err)
	assert.Equal(t, "again EMAIL_1 and also EMAIL_2", second)
	assert.Equal(t, 2, anon.MappingCount())

	restored := anon.ReverseAnonymization(second)
	assert.Equal(t, "again a@b.com and also c@d.com", restored)
}

func TestAnonymizeFullMixedCategories(t *testing.T) {
	anon := NewAnonymizer(nil)

	out, err := anon.Anonymize("a@b.com called from 10.0.0.1", domain.AnonymizationFull)
	require.NoError(t, err)
	assert.Contains(t, out, "EMAIL_1")
	assert.Contains(t, out, "IP_1")

	assert.Equal(t, "a@b.com called from 10.0.0.1", anon.ReverseAnonymization(out))
}

func TestClearMapsMakesIrreversible(t *testing.T) {
	anon := NewAnonymizer(nil)

	out, err := anon.Anonymize("mail a@b.com", domain.AnonymizationFull)
	require.NoError(t, err)

	anon.ClearMaps()
	assert.Zero(t, anon.MappingCount())
	assert.Equal(t, out, anon.ReverseAnonymization(out))

	// Numbering restarts after a wipe.
	again, err := anon.Anonymize("mail z@y.org", domain.AnonymizationFull)
	require.NoError(t, err)
	assert.Equal(t, "mail EMAIL_1", again)
}

func TestAnonymizeUnknownLevel(t *testing.T) {
	anon := NewAnonymizer(nil)
	_, err := anon.Anonymize("text", domain.AnonymizationLevel("MEDIUM"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestRetention(t *testing.T) {
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, createdAt.AddDate(0, 0, 30), RetentionDate(createdAt, 30))
	assert.Equal(t, createdAt.AddDate(0, 0, DefaultRetentionDays), RetentionDate(createdAt, 0))

	retention := RetentionDate(createdAt, 30)
	assert.False(t, ShouldDelete(retention, retention.Add(-time.Hour)))
	assert.True(t, ShouldDelete(retention, retention))
	assert.True(t, ShouldDelete(retention, retention.Add(time.Hour)))
}

func TestValidateRetentionDays(t *testing.T) {
	assert.NoError(t, ValidateRetentionDays(1))
	assert.NoError(t, ValidateRetentionDays(domain.MaxRetentionDays))
	assert.ErrorIs(t, ValidateRetentionDays(0), domain.ErrInvalidConfig)
	assert.ErrorIs(t, ValidateRetentionDays(domain.MaxRetentionDays+1), domain.ErrInvalidConfig)
}

func TestValidateCompliance(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.PrivacyConfig
		authz   AuthorizationContext
		wantErr bool
	}{
		{
			name: "no pii needs nothing",
			cfg:  domain.PrivacyConfig{},
		},
		{
			name: "anonymized with level",
			cfg: domain.PrivacyConfig{
				ContainsPII:        true,
				PIIPolicy:          domain.PIIPolicyAnonymized,
				AnonymizationLevel: domain.AnonymizationLight,
			},
		},
		{
			name: "anonymized without level",
			cfg: domain.PrivacyConfig{
				ContainsPII: true,
				PIIPolicy:   domain.PIIPolicyAnonymized,
			},
			wantErr: true,
		},
		{
			name: "raw research authorized",
			cfg: domain.PrivacyConfig{
				ContainsPII: true,
				PIIPolicy:   domain.PIIPolicyRawResearch,
			},
			authz: AuthorizationContext{Authorized: true, ApprovedBy: "irb"},
		},
		{
			name: "raw research unauthorized",
			cfg: domain.PrivacyConfig{
				ContainsPII: true,
				PIIPolicy:   domain.PIIPolicyRawResearch,
			},
			wantErr: true,
		},
		{
			name:    "pii without policy",
			cfg:     domain.PrivacyConfig{ContainsPII: true},
			wantErr: true,
		},
		{
			name:    "retention out of range",
			cfg:     domain.PrivacyConfig{RetentionDays: 9000},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCompliance(tt.cfg, tt.authz)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerRoundTrip(t *testing.T) {
	m := NewManager()

	require.True(t, m.ContainsPII("write a@b.com"))

	out, err := m.Anonymize("write a@b.com", domain.AnonymizationFull)
	require.NoError(t, err)
	assert.Equal(t, "write EMAIL_1", out)
	assert.Equal(t, "write a@b.com", m.ReverseAnonymization(out))

	m.ClearMaps()
	assert.Equal(t, out, m.ReverseAnonymization(out))
}
