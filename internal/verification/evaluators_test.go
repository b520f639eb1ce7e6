package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lab-verification-service/internal/domain"
)

func numericResult(testCode, value string) *domain.Result {
	return &domain.Result{
		ID:                 "res-" + testCode,
		TenantID:           "tenant-1",
		SampleID:           "sample-1",
		PatientID:          "patient-1",
		TestCode:           testCode,
		Value:              value,
		VerificationStatus: domain.StatusPending,
		VerificationMethod: domain.MethodNone,
	}
}

func TestCheckReferenceRange(t *testing.T) {
	settings := &domain.AutoVerificationSettings{
		TestCode:      "GLU",
		ReferenceLow:  domain.Float(70),
		ReferenceHigh: domain.Float(100),
	}

	tests := []struct {
		name    string
		value   string
		outcome domain.Outcome
	}{
		{"value at high bound passes", "100", domain.OutcomePass},
		{"value at low bound passes", "70", domain.OutcomePass},
		{"value inside range passes", "85.5", domain.OutcomePass},
		{"value above high fails", "100.01", domain.OutcomeFail},
		{"value below low fails", "69.9", domain.OutcomeFail},
		{"text value is not applicable", "HEMOLYZED", domain.OutcomeNotApplicable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := CheckReferenceRange(numericResult("GLU", tt.value), settings)
			assert.Equal(t, domain.RuleReferenceRange, eval.Rule)
			assert.Equal(t, tt.outcome, eval.Outcome)
		})
	}

	t.Run("no range configured is not applicable", func(t *testing.T) {
		eval := CheckReferenceRange(numericResult("GLU", "90"), &domain.AutoVerificationSettings{TestCode: "GLU"})
		assert.Equal(t, domain.OutcomeNotApplicable, eval.Outcome)
		assert.False(t, eval.Passed())
	})

	t.Run("only high bound configured", func(t *testing.T) {
		s := &domain.AutoVerificationSettings{ReferenceHigh: domain.Float(5)}
		assert.Equal(t, domain.OutcomePass, CheckReferenceRange(numericResult("CRP", "-3"), s).Outcome)
		assert.Equal(t, domain.OutcomeFail, CheckReferenceRange(numericResult("CRP", "6"), s).Outcome)
	})
}

func TestCheckCriticalRange(t *testing.T) {
	settings := &domain.AutoVerificationSettings{
		TestCode:     "K",
		CriticalLow:  domain.Float(2.5),
		CriticalHigh: domain.Float(6.5),
	}

	tests := []struct {
		name    string
		value   string
		outcome domain.Outcome
	}{
		{"value equal to critical high fails", "6.5", domain.OutcomeFail},
		{"value equal to critical low fails", "2.5", domain.OutcomeFail},
		{"value just inside safe zone passes", "6.49", domain.OutcomePass},
		{"value above critical high fails", "7.1", domain.OutcomeFail},
		{"text value is not applicable", "see comment", domain.OutcomeNotApplicable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := CheckCriticalRange(numericResult("K", tt.value), settings)
			assert.Equal(t, domain.RuleCriticalRange, eval.Rule)
			assert.Equal(t, tt.outcome, eval.Outcome)
		})
	}

	t.Run("no critical range is not applicable", func(t *testing.T) {
		eval := CheckCriticalRange(numericResult("K", "4.0"), &domain.AutoVerificationSettings{})
		assert.Equal(t, domain.OutcomeNotApplicable, eval.Outcome)
	})
}

// Reference bounds are inclusive and critical bounds are exclusive. The same number can pass
// one check and fail the other.
func TestBoundaryAsymmetry(t *testing.T) {
	for _, bound := range []float64{0.5, 6.5, 70, 100, 1000} {
		settings := &domain.AutoVerificationSettings{
			ReferenceLow:  domain.Float(bound),
			ReferenceHigh: domain.Float(bound),
			CriticalLow:   domain.Float(bound),
			CriticalHigh:  domain.Float(bound + 1),
		}
		result := numericResult("X", formatNumber(bound))

		assert.Equal(t, domain.OutcomePass, CheckReferenceRange(result, settings).Outcome, "reference bound %v", bound)
		assert.Equal(t, domain.OutcomeFail, CheckCriticalRange(result, settings).Outcome, "critical low bound %v", bound)

		high := numericResult("X", formatNumber(bound+1))
		assert.Equal(t, domain.OutcomeFail, CheckCriticalRange(high, settings).Outcome, "critical high bound %v", bound+1)
	}
}

func TestCheckInstrumentFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   []string
		blocked []string
		outcome domain.Outcome
		reason  string
	}{
		{"blocked flag present", []string{"C"}, []string{"C"}, domain.OutcomeFail, `blocked flag "C" present`},
		{"case insensitive match", []string{"h", "c"}, []string{"C"}, domain.OutcomeFail, `blocked flag "C" present`},
		{"several blocked flags", []string{"H", "C"}, []string{"C", "H"}, domain.OutcomeFail, `blocked flags "H", "C" present`},
		{"no intersection", []string{"H"}, []string{"C"}, domain.OutcomePass, ""},
		{"empty blocked set", []string{"C"}, nil, domain.OutcomePass, ""},
		{"no result flags", nil, []string{"C"}, domain.OutcomePass, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := numericResult("WBC", "7.2")
			result.Flags = tt.flags
			eval := CheckInstrumentFlags(result, &domain.AutoVerificationSettings{BlockedFlags: tt.blocked})
			assert.Equal(t, tt.outcome, eval.Outcome)
			assert.Equal(t, tt.reason, eval.Reason)
		})
	}
}

func TestCheckDelta(t *testing.T) {
	settings := &domain.AutoVerificationSettings{
		TestCode:              "NA",
		DeltaThresholdPercent: domain.Float(10),
		DeltaLookbackDays:     30,
	}
	previous := func(value string) *domain.Result {
		r := numericResult("NA", value)
		r.VerificationStatus = domain.StatusVerified
		return r
	}

	tests := []struct {
		name     string
		settings *domain.AutoVerificationSettings
		value    string
		previous *domain.Result
		outcome  domain.Outcome
	}{
		{"change of 14.3 percent fails at 10 percent", settings, "160", previous("140"), domain.OutcomeFail},
		{"change exactly at threshold fails", settings, "110", previous("100"), domain.OutcomeFail},
		{"exact threshold with inexact binary values fails", settings, "3.3", previous("3"), domain.OutcomeFail},
		{"exact threshold decrease fails", settings, "2.7", previous("3"), domain.OutcomeFail},
		{"exact threshold on 1.1 fails", settings, "1.21", previous("1.1"), domain.OutcomeFail},
		{"just below threshold passes", settings, "3.2999", previous("3"), domain.OutcomePass},
		{"small change passes", settings, "145", previous("140"), domain.OutcomePass},
		{"decrease beyond threshold fails", settings, "120", previous("140"), domain.OutcomeFail},
		{"no previous result", settings, "160", nil, domain.OutcomeNotApplicable},
		{"previous value zero", settings, "160", previous("0"), domain.OutcomeNotApplicable},
		{"previous value text", settings, "160", previous("QNS"), domain.OutcomeNotApplicable},
		{"current value text", settings, "QNS", previous("140"), domain.OutcomeNotApplicable},
		{"no threshold configured", &domain.AutoVerificationSettings{}, "160", previous("140"), domain.OutcomeNotApplicable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := CheckDelta(numericResult("NA", tt.value), tt.settings, tt.previous)
			assert.Equal(t, domain.RuleDeltaCheck, eval.Rule)
			assert.Equal(t, tt.outcome, eval.Outcome)
		})
	}
}
