// Package verification evaluates laboratory results against tenant auto-verification settings.
//
// The engine runs the enabled rules in a fixed order (reference range, critical range,
// instrument flag, delta check) and stops at the first rule that does not pass. It holds no
// state between calls: the caller supplies the settings snapshot, the enabled rule set and a
// patient history lookup, and persists the verdict.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/domain"
)

// VacuousVerification marks verdicts produced with zero enabled rules. An empty rule set
// auto-verifies every result, which is almost always a tenant misconfiguration.
const VacuousVerification = "vacuous_verification"

// HistoryQuery identifies the prior result needed by the delta check
type HistoryQuery struct {
	TenantID   string
	PatientID  string
	TestCode   string
	Before     time.Time
	WithinDays int
}

// HistoryLookup returns the most recent prior verified result, or nil when none exists.
type HistoryLookup func(ctx context.Context, q HistoryQuery) (*domain.Result, error)

// Verdict is the engine's decision for one result
type Verdict struct {
	Status  domain.VerificationStatus `json:"status"`
	Method  domain.VerificationMethod `json:"method"`
	Trace   []Evaluation              `json:"trace"`
	Vacuous bool                      `json:"vacuous,omitempty"`
}

// Failures returns the trace entries that did not pass
func (v Verdict) Failures() []domain.RuleFailure {
	var out []domain.RuleFailure
	for _, e := range v.Trace {
		if !e.Passed() {
			out = append(out, domain.RuleFailure{Rule: e.Rule, Outcome: e.Outcome, Reason: e.Reason})
		}
	}
	return out
}

// Engine orchestrates the rule evaluators
type Engine struct {
	logger *logrus.Logger
	now    func() time.Time
}

// NewEngine creates a new verification engine
func NewEngine(logger *logrus.Logger) *Engine {
	return &Engine{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy of the engine using now as its time source
func (e *Engine) WithClock(now func() time.Time) *Engine {
	c := *e
	c.now = now
	return &c
}

// Now returns the engine's current time
func (e *Engine) Now() time.Time {
	return e.now()
}

// Evaluate computes the verdict for result. settings is nil when the tenant has no settings
// for the test code. The result itself is not modified; use Apply to write the verdict back.
func (e *Engine) Evaluate(ctx context.Context, result *domain.Result, settings *domain.AutoVerificationSettings, rules domain.RuleSet, history HistoryLookup) (Verdict, error) {
	if result == nil {
		return Verdict{}, domain.NewValidationError("result", "is required")
	}
	if result.VerificationStatus.IsTerminal() {
		return Verdict{}, domain.NewImmutabilityError("result %s is already %s", result.ID, result.VerificationStatus)
	}

	log := e.logger.WithFields(logrus.Fields{
		"tenant_id": result.TenantID,
		"result_id": result.ID,
		"test_code": result.TestCode,
	})

	if rules.Count() == 0 {
		log.WithField("reason", VacuousVerification).
			Warn("No verification rules enabled for tenant; auto-verifying result")
		return Verdict{
			Status:  domain.StatusVerified,
			Method:  domain.MethodAuto,
			Trace:   []Evaluation{},
			Vacuous: true,
		}, nil
	}

	trace := make([]Evaluation, 0, len(domain.EvaluationOrder))
	for _, rule := range domain.EvaluationOrder {
		if !rules.Enabled(rule) {
			continue
		}

		eval, err := e.evaluateRule(ctx, rule, result, settings, history)
		if err != nil {
			return Verdict{}, err
		}
		trace = append(trace, eval)

		log.WithFields(logrus.Fields{
			"rule":    rule,
			"outcome": eval.Outcome,
			"reason":  eval.Reason,
		}).Debug("Evaluated verification rule")

		if !eval.Passed() {
			break
		}
	}

	verdict := Verdict{Status: domain.StatusVerified, Method: domain.MethodAuto, Trace: trace}
	if last := trace[len(trace)-1]; !last.Passed() {
		verdict.Status = domain.StatusNeedsReview
		verdict.Method = domain.MethodNone
	}

	log.WithFields(logrus.Fields{
		"status":          verdict.Status,
		"rules_evaluated": len(trace),
	}).Info("Completed result verification")

	return verdict, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule domain.RuleType, result *domain.Result, settings *domain.AutoVerificationSettings, history HistoryLookup) (Evaluation, error) {
	if settings == nil {
		return Evaluation{
			Rule:    rule,
			Outcome: domain.OutcomeFail,
			Reason:  fmt.Sprintf("%s: no auto-verification settings for test code %s", domain.KindConfigurationMissing, result.TestCode),
		}, nil
	}

	switch rule {
	case domain.RuleReferenceRange:
		return CheckReferenceRange(result, settings), nil
	case domain.RuleCriticalRange:
		return CheckCriticalRange(result, settings), nil
	case domain.RuleInstrumentFlag:
		return CheckInstrumentFlags(result, settings), nil
	case domain.RuleDeltaCheck:
		previous, err := e.previousResult(ctx, result, settings, history)
		if err != nil {
			return Evaluation{}, err
		}
		return CheckDelta(result, settings, previous), nil
	default:
		return Evaluation{}, fmt.Errorf("unknown verification rule: %s", rule)
	}
}

// previousResult only consults history when the delta check could actually use it.
func (e *Engine) previousResult(ctx context.Context, result *domain.Result, settings *domain.AutoVerificationSettings, history HistoryLookup) (*domain.Result, error) {
	if history == nil || settings.DeltaThresholdPercent == nil || result.PatientID == "" {
		return nil, nil
	}
	if _, ok := result.NumericValue(); !ok {
		return nil, nil
	}

	before := result.CollectedAt
	if before.IsZero() {
		before = e.now()
	}

	previous, err := history(ctx, HistoryQuery{
		TenantID:   result.TenantID,
		PatientID:  result.PatientID,
		TestCode:   result.TestCode,
		Before:     before,
		WithinDays: settings.LookbackDays(),
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up previous %s result: %w", result.TestCode, err)
	}
	return previous, nil
}

// StoredVerdict rebuilds the verdict recorded on a result that already has one. A result awaiting
// review is evaluated exactly once; replays return this instead of evaluating against settings
// that may have changed since.
func StoredVerdict(result *domain.Result) Verdict {
	verdict := Verdict{Status: result.VerificationStatus, Method: result.VerificationMethod}
	for _, f := range result.RuleFailures {
		verdict.Trace = append(verdict.Trace, Evaluation{Rule: f.Rule, Outcome: f.Outcome, Reason: f.Reason})
	}
	return verdict
}

// Apply returns a copy of result carrying the verdict. verified_at is set only for
// auto-verification.
func Apply(result *domain.Result, verdict Verdict, now time.Time) *domain.Result {
	updated := result.Clone()
	updated.VerificationStatus = verdict.Status
	updated.VerificationMethod = verdict.Method
	updated.RuleFailures = verdict.Failures()
	updated.VerifiedAt = nil
	if verdict.Status == domain.StatusVerified {
		t := now
		updated.VerifiedAt = &t
	}
	updated.UpdatedAt = now
	return updated
}
