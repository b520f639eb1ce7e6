package verification

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/domain"
)

// BatchItem is the outcome for one result of a batch
type BatchItem struct {
	ResultID string         `json:"result_id"`
	Verdict  Verdict        `json:"verdict"`
	Result   *domain.Result `json:"result,omitempty"`
	Skipped  bool           `json:"skipped,omitempty"`
	Replayed bool           `json:"replayed,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// BatchReport summarizes a batch verification run
type BatchReport struct {
	Total       int         `json:"total"`
	Verified    int         `json:"verified"`
	NeedsReview int         `json:"needs_review"`
	Skipped     int         `json:"skipped"`
	Items       []BatchItem `json:"items"`
}

// EvaluateBatch verifies many results of one tenant. Settings are resolved once per test code.
// A result whose settings cannot be loaded or whose evaluation errors is sent to review with a
// settings_missing or verification_error failure instead of aborting the batch. Results that
// are already verified or rejected are skipped; results awaiting review replay their stored verdict.
func (e *Engine) EvaluateBatch(ctx context.Context, results []*domain.Result, provider domain.SettingsProvider, rules domain.RuleSet, history HistoryLookup) BatchReport {
	report := BatchReport{Total: len(results), Items: make([]BatchItem, 0, len(results))}

	type cached struct {
		settings *domain.AutoVerificationSettings
		err      error
	}
	settingsByCode := make(map[string]cached)

	for _, result := range results {
		item := BatchItem{ResultID: result.ID}

		if result.VerificationStatus.IsTerminal() {
			item.Skipped = true
			item.Error = domain.NewImmutabilityError("result %s is already %s", result.ID, result.VerificationStatus).Error()
			report.Skipped++
			report.Items = append(report.Items, item)
			continue
		}
		if result.VerificationStatus == domain.StatusNeedsReview {
			item.Verdict = StoredVerdict(result)
			item.Result = result.Clone()
			item.Replayed = true
			report.NeedsReview++
			report.Items = append(report.Items, item)
			continue
		}

		c, ok := settingsByCode[result.TestCode]
		if !ok {
			s, err := provider.Settings(ctx, result.TenantID, result.TestCode)
			if errors.Is(err, domain.ErrNotFound) {
				s, err = nil, nil
			}
			c = cached{settings: s, err: err}
			settingsByCode[result.TestCode] = c
		}

		var verdict Verdict
		switch {
		case c.err != nil:
			verdict = failedVerdict(domain.FailureSettingsMissing, "could not load settings: "+c.err.Error())
		default:
			v, err := e.Evaluate(ctx, result, c.settings, rules, history)
			if err != nil {
				e.logger.WithError(err).WithFields(logrus.Fields{
					"result_id": result.ID,
					"test_code": result.TestCode,
				}).Error("Verification failed during batch")
				verdict = failedVerdict(domain.FailureVerificationError, err.Error())
			} else {
				verdict = v
			}
		}

		item.Verdict = verdict
		item.Result = Apply(result, verdict, e.now())
		if verdict.Status == domain.StatusVerified {
			report.Verified++
		} else {
			report.NeedsReview++
		}
		report.Items = append(report.Items, item)
	}

	e.logger.WithFields(logrus.Fields{
		"total":        report.Total,
		"verified":     report.Verified,
		"needs_review": report.NeedsReview,
		"skipped":      report.Skipped,
	}).Info("Completed batch verification")

	return report
}

func failedVerdict(rule domain.RuleType, reason string) Verdict {
	return Verdict{
		Status: domain.StatusNeedsReview,
		Method: domain.MethodNone,
		Trace:  []Evaluation{{Rule: rule, Outcome: domain.OutcomeFail, Reason: reason}},
	}
}
