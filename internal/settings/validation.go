// Package settings validates tenant auto-verification settings and provides the default rule
// configuration seeded for new tenants.
package settings

import (
	"fmt"
	"strings"

	"github.com/lab-verification-service/internal/domain"
)

const (
	MaxDeltaThresholdPercent = 1000.0
	MinLookbackDays          = 1
	MaxLookbackDays          = 365
)

// Normalize trims the test code, upper-cases blocked flags and applies the default lookback.
func Normalize(s *domain.AutoVerificationSettings) {
	s.TestCode = strings.TrimSpace(s.TestCode)
	s.BlockedFlags = domain.NormalizeFlags(s.BlockedFlags)
	if s.DeltaLookbackDays == 0 {
		s.DeltaLookbackDays = domain.DefaultDeltaLookbackDays
	}
}

// Validate checks settings for logical consistency. It returns an error for invalid settings and
// a list of warnings for settings that are valid but unusual, such as a critical bound that
// lies inside the reference range.
func Validate(s *domain.AutoVerificationSettings) ([]string, error) {
	if strings.TrimSpace(s.TenantID) == "" {
		return nil, domain.NewValidationError("tenant_id", "is required")
	}
	if strings.TrimSpace(s.TestCode) == "" {
		return nil, domain.NewValidationError("test_code", "is required")
	}

	if s.ReferenceLow != nil && s.ReferenceHigh != nil && *s.ReferenceLow >= *s.ReferenceHigh {
		return nil, domain.NewValidationError("reference_low",
			fmt.Sprintf("reference range low (%g) must be less than high (%g)", *s.ReferenceLow, *s.ReferenceHigh))
	}
	if s.CriticalLow != nil && s.CriticalHigh != nil && *s.CriticalLow >= *s.CriticalHigh {
		return nil, domain.NewValidationError("critical_low",
			fmt.Sprintf("critical range low (%g) must be less than high (%g)", *s.CriticalLow, *s.CriticalHigh))
	}

	if t := s.DeltaThresholdPercent; t != nil {
		if *t < 0 {
			return nil, domain.NewValidationError("delta_threshold_percent",
				fmt.Sprintf("threshold (%g%%) cannot be negative", *t))
		}
		if *t > MaxDeltaThresholdPercent {
			return nil, domain.NewValidationError("delta_threshold_percent",
				fmt.Sprintf("threshold (%g%%) is unreasonably high", *t))
		}
	}
	if s.DeltaLookbackDays < MinLookbackDays || s.DeltaLookbackDays > MaxLookbackDays {
		return nil, domain.NewValidationError("delta_lookback_days",
			fmt.Sprintf("must be between %d and %d, got %d", MinLookbackDays, MaxLookbackDays, s.DeltaLookbackDays))
	}

	var warnings []string
	if s.ReferenceLow != nil && s.CriticalLow != nil && *s.CriticalLow >= *s.ReferenceLow {
		warnings = append(warnings, fmt.Sprintf(
			"critical low (%g) should typically be less than reference low (%g)", *s.CriticalLow, *s.ReferenceLow))
	}
	if s.ReferenceHigh != nil && s.CriticalHigh != nil && *s.CriticalHigh <= *s.ReferenceHigh {
		warnings = append(warnings, fmt.Sprintf(
			"critical high (%g) should typically be greater than reference high (%g)", *s.CriticalHigh, *s.ReferenceHigh))
	}
	return warnings, nil
}
