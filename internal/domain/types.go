// Package domain contains the entities and enumerations shared by the automated result
// verification engine and the sample review workflow.
//
// Results carry verification metadata owned by this service. Settings and rule toggles are
// tenant configuration read by the engine. Reviews are the sample-level decision records
// produced when a result cannot be auto-verified.
package domain

// VerificationStatus is the verification state of a single result
type VerificationStatus string

const (
	StatusPending     VerificationStatus = "pending"
	StatusVerified    VerificationStatus = "verified"
	StatusNeedsReview VerificationStatus = "needs_review"
	StatusRejected    VerificationStatus = "rejected"
)

// IsValid reports whether the status is one of the known values
func (s VerificationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusNeedsReview, StatusRejected:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a result in this status is immutable to the core.
func (s VerificationStatus) IsTerminal() bool {
	return s == StatusVerified || s == StatusRejected
}

// VerificationMethod records how a result reached its status
type VerificationMethod string

const (
	MethodNone   VerificationMethod = "none"
	MethodAuto   VerificationMethod = "auto"
	MethodManual VerificationMethod = "manual"
)

// IsValid reports whether the method is one of the known values
func (m VerificationMethod) IsValid() bool {
	switch m {
	case MethodNone, MethodAuto, MethodManual:
		return true
	default:
		return false
	}
}

// RuleType is the closed set of verification rules. The engine dispatches on it with a switch.
type RuleType string

const (
	RuleReferenceRange RuleType = "reference_range"
	RuleCriticalRange  RuleType = "critical_range"
	RuleInstrumentFlag RuleType = "instrument_flag"
	RuleDeltaCheck     RuleType = "delta_check"
)

// EvaluationOrder is the canonical order in which rules are evaluated.
var EvaluationOrder = []RuleType{
	RuleReferenceRange,
	RuleCriticalRange,
	RuleInstrumentFlag,
	RuleDeltaCheck,
}

// IsValid reports whether the rule type is one of the four known rules
func (r RuleType) IsValid() bool {
	switch r {
	case RuleReferenceRange, RuleCriticalRange, RuleInstrumentFlag, RuleDeltaCheck:
		return true
	default:
		return false
	}
}

// Outcome is the result of a single rule evaluation
type Outcome string

const (
	OutcomePass          Outcome = "pass"
	OutcomeFail          Outcome = "fail"
	OutcomeNotApplicable Outcome = "not_applicable"
)

// Passed reports whether the outcome certifies the result. Not-applicable does not.
func (o Outcome) Passed() bool {
	return o == OutcomePass
}

// Pseudo rule identifiers recorded by batch verification when a result could not be evaluated.
const (
	FailureSettingsMissing   RuleType = "settings_missing"
	FailureVerificationError RuleType = "verification_error"
)
