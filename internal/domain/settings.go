package domain

import "time"

// DefaultDeltaLookbackDays applies when settings do not specify a lookback window
const DefaultDeltaLookbackDays = 30

// AutoVerificationSettings is the per (tenant, test code) configuration read by the evaluators.
// A nil bound means that side of the range is not configured.
type AutoVerificationSettings struct {
	ID                    string    `json:"id"`
	TenantID              string    `json:"tenant_id"`
	TestCode              string    `json:"test_code"`
	ReferenceLow          *float64  `json:"reference_low,omitempty"`
	ReferenceHigh         *float64  `json:"reference_high,omitempty"`
	CriticalLow           *float64  `json:"critical_low,omitempty"`
	CriticalHigh          *float64  `json:"critical_high,omitempty"`
	BlockedFlags          []string  `json:"blocked_flags"`
	DeltaThresholdPercent *float64  `json:"delta_threshold_percent,omitempty"`
	DeltaLookbackDays     int       `json:"delta_lookback_days"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// LookbackDays returns the configured lookback window or the default
func (s *AutoVerificationSettings) LookbackDays() int {
	if s.DeltaLookbackDays <= 0 {
		return DefaultDeltaLookbackDays
	}
	return s.DeltaLookbackDays
}

// HasReferenceRange reports whether at least one reference bound is configured
func (s *AutoVerificationSettings) HasReferenceRange() bool {
	return s.ReferenceLow != nil || s.ReferenceHigh != nil
}

// HasCriticalRange reports whether at least one critical bound is configured
func (s *AutoVerificationSettings) HasCriticalRange() bool {
	return s.CriticalLow != nil || s.CriticalHigh != nil
}

// Clone returns a deep copy of the settings
func (s *AutoVerificationSettings) Clone() *AutoVerificationSettings {
	if s == nil {
		return nil
	}
	c := *s
	c.ReferenceLow = cloneFloat(s.ReferenceLow)
	c.ReferenceHigh = cloneFloat(s.ReferenceHigh)
	c.CriticalLow = cloneFloat(s.CriticalLow)
	c.CriticalHigh = cloneFloat(s.CriticalHigh)
	c.DeltaThresholdPercent = cloneFloat(s.DeltaThresholdPercent)
	if s.BlockedFlags != nil {
		c.BlockedFlags = append([]string(nil), s.BlockedFlags...)
	}
	return &c
}

// Float returns a pointer to v, for building optional bounds
func Float(v float64) *float64 {
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// VerificationRule is a per-tenant toggle for one rule type.
// Priority is informational; evaluation always follows EvaluationOrder.
type VerificationRule struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	RuleType    RuleType  `json:"rule_type"`
	Enabled     bool      `json:"enabled"`
	Priority    int       `json:"priority"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RuleSet is the set of enabled rule types for a tenant
type RuleSet map[RuleType]bool

// EnabledRules builds a RuleSet from stored rule toggles. Unknown rule types are ignored.
func EnabledRules(rules []*VerificationRule) RuleSet {
	set := make(RuleSet, len(rules))
	for _, r := range rules {
		if r.Enabled && r.RuleType.IsValid() {
			set[r.RuleType] = true
		}
	}
	return set
}

// NewRuleSet builds a RuleSet with the given rule types enabled
func NewRuleSet(types ...RuleType) RuleSet {
	set := make(RuleSet, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// Enabled reports whether the rule type is enabled
func (s RuleSet) Enabled(t RuleType) bool {
	return s[t]
}

// Count returns the number of enabled rules
func (s RuleSet) Count() int {
	n := 0
	for _, t := range EvaluationOrder {
		if s[t] {
			n++
		}
	}
	return n
}
