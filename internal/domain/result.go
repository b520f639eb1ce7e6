package domain

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Result is one analyte measurement for one sample
type Result struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	SampleID    string    `json:"sample_id"`
	PatientID   string    `json:"patient_id"`
	TestCode    string    `json:"test_code"`
	Value       string    `json:"value"`
	Unit        string    `json:"unit,omitempty"`
	Flags       []string  `json:"flags,omitempty"`
	CollectedAt time.Time `json:"collected_at"`

	VerificationStatus VerificationStatus `json:"verification_status"`
	VerificationMethod VerificationMethod `json:"verification_method"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	RuleFailures       []RuleFailure      `json:"rule_failures,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleFailure is one entry in a result's failure trace
type RuleFailure struct {
	Rule    RuleType `json:"rule"`
	Outcome Outcome  `json:"outcome"`
	Reason  string   `json:"reason"`
}

// NumericValue parses the value as a finite number.
func (r *Result) NumericValue() (float64, bool) {
	return ParseNumeric(r.Value)
}

// ParseNumeric parses a result value. Text values such as "POS" or ">1000" are not numeric.
func ParseNumeric(value string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Clone returns a deep copy of the result
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.Flags != nil {
		c.Flags = append([]string(nil), r.Flags...)
	}
	if r.RuleFailures != nil {
		c.RuleFailures = append([]RuleFailure(nil), r.RuleFailures...)
	}
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		c.VerifiedAt = &t
	}
	return &c
}

// ParseFlags splits an instrument flag string on commas, semicolons or whitespace.
func ParseFlags(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	return NormalizeFlags(fields)
}

// NormalizeFlags trims, upper-cases and de-duplicates flags, preserving first-seen order.
func NormalizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	seen := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Sample groups results. It is owned by the ingestion collaborator; the core only reads it.
type Sample struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	ResultIDs []string `json:"result_ids"`
}
