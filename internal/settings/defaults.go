package settings

import (
	"github.com/lab-verification-service/internal/domain"
)

// DefaultRules is the rule configuration seeded for a new tenant. The delta check starts
// disabled because it needs patient history to be useful.
var DefaultRules = []domain.VerificationRule{
	{RuleType: domain.RuleReferenceRange, Enabled: true, Priority: 1, Description: "Check if value is within reference range"},
	{RuleType: domain.RuleCriticalRange, Enabled: true, Priority: 2, Description: "Check if value is in critical range"},
	{RuleType: domain.RuleInstrumentFlag, Enabled: true, Priority: 3, Description: "Check for blocked instrument flags"},
	{RuleType: domain.RuleDeltaCheck, Enabled: false, Priority: 4, Description: "Check for significant change from previous result"},
}

// MissingDefaults returns the default rules the tenant does not have yet. Existing toggles are
// never overwritten, so seeding is idempotent.
func MissingDefaults(tenantID string, existing []*domain.VerificationRule) []*domain.VerificationRule {
	have := make(map[domain.RuleType]bool, len(existing))
	for _, r := range existing {
		have[r.RuleType] = true
	}

	var out []*domain.VerificationRule
	for _, d := range DefaultRules {
		if have[d.RuleType] {
			continue
		}
		rule := d
		rule.TenantID = tenantID
		out = append(out, &rule)
	}
	return out
}

// PriorityFor returns the default priority of a rule type
func PriorityFor(t domain.RuleType) int {
	for _, d := range DefaultRules {
		if d.RuleType == t {
			return d.Priority
		}
	}
	return 0
}

// DescriptionFor returns the default description of a rule type
func DescriptionFor(t domain.RuleType) string {
	for _, d := range DefaultRules {
		if d.RuleType == t {
			return d.Description
		}
	}
	return ""
}
