package verification

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lab-verification-service/internal/domain"
)

// Evaluation is the outcome of one rule against one result
type Evaluation struct {
	Rule    domain.RuleType `json:"rule"`
	Outcome domain.Outcome  `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// Passed reports whether the rule certified the result
func (e Evaluation) Passed() bool {
	return e.Outcome.Passed()
}

func pass(rule domain.RuleType) Evaluation {
	return Evaluation{Rule: rule, Outcome: domain.OutcomePass}
}

func fail(rule domain.RuleType, format string, args ...any) Evaluation {
	return Evaluation{Rule: rule, Outcome: domain.OutcomeFail, Reason: fmt.Sprintf(format, args...)}
}

func notApplicable(rule domain.RuleType, format string, args ...any) Evaluation {
	return Evaluation{Rule: rule, Outcome: domain.OutcomeNotApplicable, Reason: fmt.Sprintf(format, args...)}
}

// CheckReferenceRange fails values outside the reference range. Bounds are inclusive:
// a value equal to low or high passes.
func CheckReferenceRange(result *domain.Result, settings *domain.AutoVerificationSettings) Evaluation {
	const rule = domain.RuleReferenceRange

	if settings == nil || !settings.HasReferenceRange() {
		return notApplicable(rule, "no reference range configured for %s", result.TestCode)
	}
	v, ok := result.NumericValue()
	if !ok {
		return notApplicable(rule, "value %q is not numeric", result.Value)
	}
	if settings.ReferenceLow != nil && v < *settings.ReferenceLow {
		return fail(rule, "value %s below reference low %s", formatNumber(v), formatNumber(*settings.ReferenceLow))
	}
	if settings.ReferenceHigh != nil && v > *settings.ReferenceHigh {
		return fail(rule, "value %s above reference high %s", formatNumber(v), formatNumber(*settings.ReferenceHigh))
	}
	return pass(rule)
}

// CheckCriticalRange fails values at or beyond a critical bound. Bounds are exclusive of the
// safe zone: a value equal to critical low or high fails.
func CheckCriticalRange(result *domain.Result, settings *domain.AutoVerificationSettings) Evaluation {
	const rule = domain.RuleCriticalRange

	if settings == nil || !settings.HasCriticalRange() {
		return notApplicable(rule, "no critical range configured for %s", result.TestCode)
	}
	v, ok := result.NumericValue()
	if !ok {
		return notApplicable(rule, "value %q is not numeric", result.Value)
	}
	if settings.CriticalLow != nil && v <= *settings.CriticalLow {
		return fail(rule, "value %s at or below critical low %s", formatNumber(v), formatNumber(*settings.CriticalLow))
	}
	if settings.CriticalHigh != nil && v >= *settings.CriticalHigh {
		return fail(rule, "value %s at or above critical high %s", formatNumber(v), formatNumber(*settings.CriticalHigh))
	}
	return pass(rule)
}

// CheckInstrumentFlags fails when the result carries any blocked flag. Matching ignores case.
func CheckInstrumentFlags(result *domain.Result, settings *domain.AutoVerificationSettings) Evaluation {
	const rule = domain.RuleInstrumentFlag

	if settings == nil || len(settings.BlockedFlags) == 0 || len(result.Flags) == 0 {
		return pass(rule)
	}

	blocked := make(map[string]struct{}, len(settings.BlockedFlags))
	for _, f := range domain.NormalizeFlags(settings.BlockedFlags) {
		blocked[f] = struct{}{}
	}

	var found []string
	for _, f := range domain.NormalizeFlags(result.Flags) {
		if _, ok := blocked[f]; ok {
			found = append(found, strconv.Quote(f))
		}
	}
	if len(found) == 0 {
		return pass(rule)
	}
	if len(found) == 1 {
		return fail(rule, "blocked flag %s present", found[0])
	}
	return fail(rule, "blocked flags %s present", strings.Join(found, ", "))
}

// CheckDelta compares the value with the patient's previous verified result. previous is nil
// when no prior result exists within the lookback window.
func CheckDelta(result *domain.Result, settings *domain.AutoVerificationSettings, previous *domain.Result) Evaluation {
	const rule = domain.RuleDeltaCheck

	if settings == nil || settings.DeltaThresholdPercent == nil {
		return notApplicable(rule, "delta check disabled for %s", result.TestCode)
	}
	v, ok := result.NumericValue()
	if !ok {
		return notApplicable(rule, "value %q is not numeric", result.Value)
	}
	if previous == nil {
		return notApplicable(rule, "no previous verified result within %d days", settings.LookbackDays())
	}
	prev, ok := previous.NumericValue()
	if !ok {
		return notApplicable(rule, "previous value %q is not numeric", previous.Value)
	}
	if prev == 0 {
		return notApplicable(rule, "previous value is zero")
	}

	if meetsDeltaThreshold(v, prev, *settings.DeltaThresholdPercent) {
		return fail(rule, "change of %.1f%% from previous %s meets threshold %s%%",
			math.Abs(v-prev)/math.Abs(prev)*100, formatNumber(prev), formatNumber(*settings.DeltaThresholdPercent))
	}
	return pass(rule)
}

// deltaTolerance absorbs binary rounding so a change exactly at the threshold (3 -> 3.3 at 10%)
// counts as meeting it.
const deltaTolerance = 1e-9

// meetsDeltaThreshold reports |v-prev|/|prev| >= percent/100 without dividing.
func meetsDeltaThreshold(v, prev, percent float64) bool {
	change := math.Abs(v-prev) * 100
	limit := percent * math.Abs(prev)
	return change >= limit-deltaTolerance*limit
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
