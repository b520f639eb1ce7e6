package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/audit"
	"github.com/lab-verification-service/internal/domain"
	"github.com/lab-verification-service/internal/events"
	"github.com/lab-verification-service/internal/review"
	"github.com/lab-verification-service/internal/settings"
	"github.com/lab-verification-service/internal/verification"
)

// MaxBatchSize bounds a single batch verification request
const MaxBatchSize = 500

// ResultInput is an ingested result
type ResultInput struct {
	ID          string    `json:"id,omitempty"`
	SampleID    string    `json:"sample_id"`
	PatientID   string    `json:"patient_id,omitempty"`
	TestCode    string    `json:"test_code"`
	Value       string    `json:"value"`
	Unit        string    `json:"unit,omitempty"`
	Flags       string    `json:"flags,omitempty"` // LIS flag string, e.g. "H;C"
	CollectedAt time.Time `json:"collected_at"`
	Verify      bool      `json:"verify,omitempty"`
}

// VerificationOutcome is the result of verifying one result
type VerificationOutcome struct {
	Result      *domain.Result       `json:"result"`
	Verdict     verification.Verdict `json:"verdict"`
	Review      *domain.Review       `json:"review,omitempty"`
	QueueAction review.QueueAction   `json:"queue_action,omitempty"`
}

// BatchOutcome is the result of a batch verification
type BatchOutcome struct {
	Report  verification.BatchReport `json:"report"`
	Missing []string                 `json:"missing,omitempty"`
	Reviews []*domain.Review         `json:"reviews,omitempty"`
}

// SampleOutcome is the result of verifying every pending result of a sample
type SampleOutcome struct {
	SampleID    string                   `json:"sample_id"`
	Report      verification.BatchReport `json:"report"`
	Review      *domain.Review           `json:"review,omitempty"`
	QueueAction review.QueueAction       `json:"queue_action"`
}

// VerificationService evaluates stored results and routes failures to review
type VerificationService struct {
	results      domain.ResultRepository
	provider     domain.SettingsProvider
	rules        domain.RuleRepository
	reviews      *ReviewService
	engine       *verification.Engine
	history      verification.HistoryLookup
	locks        *keyedMutex
	recorder     *recorder
	seedDefaults bool
	logger       *logrus.Logger
}

// NewVerificationService creates a new verification service. history may be nil to disable
// delta checks against stored results.
func NewVerificationService(
	results domain.ResultRepository,
	provider domain.SettingsProvider,
	rules domain.RuleRepository,
	reviews *ReviewService,
	history verification.HistoryLookup,
	auditStore audit.Store,
	publisher events.Publisher,
	cfg domain.VerificationConfig,
	logger *logrus.Logger,
) *VerificationService {
	return &VerificationService{
		results:      results,
		provider:     provider,
		rules:        rules,
		reviews:      reviews,
		engine:       verification.NewEngine(logger),
		history:      history,
		locks:        newKeyedMutex(),
		recorder:     &recorder{audit: auditStore, publisher: publisher, logger: logger},
		seedDefaults: cfg.SeedDefaultRules,
		logger:       logger,
	}
}

// CreateResult ingests a pending result and optionally verifies it right away
func (s *VerificationService) CreateResult(ctx context.Context, tenantID string, in ResultInput) (*VerificationOutcome, error) {
	if strings.TrimSpace(in.SampleID) == "" {
		return nil, domain.NewValidationError("sample_id", "is required")
	}
	if strings.TrimSpace(in.TestCode) == "" {
		return nil, domain.NewValidationError("test_code", "is required")
	}
	if strings.TrimSpace(in.Value) == "" {
		return nil, domain.NewValidationError("value", "is required")
	}

	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	collected := in.CollectedAt
	if collected.IsZero() {
		collected = s.engine.Now()
	}

	result := &domain.Result{
		ID:                 id,
		TenantID:           tenantID,
		SampleID:           strings.TrimSpace(in.SampleID),
		PatientID:          strings.TrimSpace(in.PatientID),
		TestCode:           strings.TrimSpace(in.TestCode),
		Value:              strings.TrimSpace(in.Value),
		Unit:               in.Unit,
		Flags:              domain.ParseFlags(in.Flags),
		CollectedAt:        collected.UTC(),
		VerificationStatus: domain.StatusPending,
		VerificationMethod: domain.MethodNone,
	}
	if err := s.results.CreateResult(ctx, result); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"result_id": result.ID,
		"sample_id": result.SampleID,
		"test_code": result.TestCode,
	}).Info("Result ingested")

	if !in.Verify {
		return &VerificationOutcome{Result: result}, nil
	}
	return s.VerifyResult(ctx, tenantID, result.ID, systemActor)
}

// GetResult returns one result
func (s *VerificationService) GetResult(ctx context.Context, tenantID, resultID string) (*domain.Result, error) {
	return s.results.GetResult(ctx, tenantID, resultID)
}

// VerifyResult evaluates one result, stores the verdict and queues the sample when the result
// needs review. A result already awaiting review is not evaluated again: its stored verdict is
// returned and the sample's queue entry is confirmed.
func (s *VerificationService) VerifyResult(ctx context.Context, tenantID, resultID string, actor domain.Reviewer) (*VerificationOutcome, error) {
	release := s.locks.Lock(lockKey(tenantID, resultID))
	result, err := s.results.GetResult(ctx, tenantID, resultID)
	if err != nil {
		release()
		return nil, err
	}
	if result.VerificationStatus == domain.StatusNeedsReview {
		release()
		s.logger.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"result_id": resultID,
		}).Debug("Result awaits review, replaying stored verdict")
		return s.queue(ctx, tenantID, result, verification.StoredVerdict(result))
	}

	rules, err := s.RuleSet(ctx, tenantID)
	if err != nil {
		release()
		return nil, err
	}
	cfg, err := s.settingsFor(ctx, tenantID, result.TestCode)
	if err != nil {
		release()
		return nil, err
	}

	verdict, err := s.engine.Evaluate(ctx, result, cfg, rules, s.history)
	if err != nil {
		release()
		return nil, err
	}
	updated := verification.Apply(result, verdict, s.engine.Now())
	if err := s.results.SaveVerdict(ctx, updated); err != nil {
		release()
		return nil, err
	}
	release()

	s.recordVerdict(ctx, updated, verdict, actor, result.VerificationStatus)
	return s.queue(ctx, tenantID, updated, verdict)
}

// queue ensures a needs_review result's sample has an active review
func (s *VerificationService) queue(ctx context.Context, tenantID string, result *domain.Result, verdict verification.Verdict) (*VerificationOutcome, error) {
	outcome := &VerificationOutcome{Result: result, Verdict: verdict}
	if result.VerificationStatus != domain.StatusNeedsReview {
		return outcome, nil
	}
	rev, action, err := s.reviews.EnsureQueued(ctx, tenantID, result.SampleID)
	if err != nil {
		return nil, fmt.Errorf("queueing sample %s: %w", result.SampleID, err)
	}
	outcome.Review = rev
	outcome.QueueAction = action
	return outcome, nil
}

// VerifyBatch verifies many results of one tenant. Unknown ids are reported, not fatal.
func (s *VerificationService) VerifyBatch(ctx context.Context, tenantID string, resultIDs []string, actor domain.Reviewer) (*BatchOutcome, error) {
	outcome, samples, err := s.verifyBatch(ctx, tenantID, resultIDs, actor)
	if err != nil {
		return nil, err
	}

	for _, sampleID := range samples {
		rev, action, err := s.reviews.EnsureQueued(ctx, tenantID, sampleID)
		if err != nil {
			return nil, fmt.Errorf("queueing sample %s: %w", sampleID, err)
		}
		if action != review.QueueNone {
			outcome.Reviews = append(outcome.Reviews, rev)
		}
	}
	return outcome, nil
}

// VerifySample verifies every pending result of a sample and makes sure the sample is queued
// if anything needs review.
func (s *VerificationService) VerifySample(ctx context.Context, tenantID, sampleID string, actor domain.Reviewer) (*SampleOutcome, error) {
	results, err := s.results.ListSampleResults(ctx, tenantID, sampleID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, domain.NewNotFoundError("sample %s has no results", sampleID)
	}

	var pending []string
	for _, r := range results {
		if r.VerificationStatus == domain.StatusPending {
			pending = append(pending, r.ID)
		}
	}

	outcome := &SampleOutcome{SampleID: sampleID, QueueAction: review.QueueNone}
	if len(pending) > 0 {
		batch, _, err := s.verifyBatch(ctx, tenantID, pending, actor)
		if err != nil {
			return nil, err
		}
		outcome.Report = batch.Report
	}

	rev, action, err := s.reviews.EnsureQueued(ctx, tenantID, sampleID)
	if err != nil {
		return nil, fmt.Errorf("queueing sample %s: %w", sampleID, err)
	}
	outcome.Review = rev
	outcome.QueueAction = action
	return outcome, nil
}

// verifyBatch evaluates and stores verdicts under the result locks and returns the samples
// that gained needs_review results.
func (s *VerificationService) verifyBatch(ctx context.Context, tenantID string, resultIDs []string, actor domain.Reviewer) (*BatchOutcome, []string, error) {
	if len(resultIDs) == 0 {
		return nil, nil, domain.NewValidationError("result_ids", "at least one result id is required")
	}
	if len(resultIDs) > MaxBatchSize {
		return nil, nil, domain.NewValidationError("result_ids", fmt.Sprintf("at most %d results per batch", MaxBatchSize))
	}

	keys := make([]string, len(resultIDs))
	for i, id := range resultIDs {
		keys[i] = lockKey(tenantID, id)
	}
	release := s.locks.LockAll(keys)

	outcome := &BatchOutcome{}
	var loaded []*domain.Result
	previous := make(map[string]domain.VerificationStatus, len(resultIDs))
	seen := make(map[string]bool, len(resultIDs))
	for _, id := range resultIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		r, err := s.results.GetResult(ctx, tenantID, id)
		if errors.Is(err, domain.ErrNotFound) {
			outcome.Missing = append(outcome.Missing, id)
			continue
		}
		if err != nil {
			release()
			return nil, nil, err
		}
		loaded = append(loaded, r)
		previous[r.ID] = r.VerificationStatus
	}

	rules, err := s.RuleSet(ctx, tenantID)
	if err != nil {
		release()
		return nil, nil, err
	}

	report := s.engine.EvaluateBatch(ctx, loaded, s.provider, rules, s.history)
	var saved []verification.BatchItem
	for i := range report.Items {
		item := &report.Items[i]
		if item.Skipped || item.Result == nil {
			continue
		}
		if item.Replayed {
			saved = append(saved, *item)
			continue
		}
		if err := s.results.SaveVerdict(ctx, item.Result); err != nil {
			if !errors.Is(err, domain.ErrImmutability) {
				release()
				return nil, nil, err
			}
			item.Skipped = true
			item.Error = err.Error()
			continue
		}
		saved = append(saved, *item)
	}
	release()

	recount(&report)
	outcome.Report = report

	var samples []string
	queued := make(map[string]bool)
	for _, item := range saved {
		if !item.Replayed {
			s.recordVerdict(ctx, item.Result, item.Verdict, actor, previous[item.ResultID])
		}
		if item.Result.VerificationStatus == domain.StatusNeedsReview && !queued[item.Result.SampleID] {
			queued[item.Result.SampleID] = true
			samples = append(samples, item.Result.SampleID)
		}
	}
	return outcome, samples, nil
}

func recount(report *verification.BatchReport) {
	report.Verified, report.NeedsReview, report.Skipped = 0, 0, 0
	for _, item := range report.Items {
		switch {
		case item.Skipped:
			report.Skipped++
		case item.Verdict.Status == domain.StatusVerified:
			report.Verified++
		default:
			report.NeedsReview++
		}
	}
}

// RuleSet returns the tenant's enabled rules. A tenant without any rule rows runs the default
// rule configuration, which is persisted when seeding is enabled.
func (s *VerificationService) RuleSet(ctx context.Context, tenantID string) (domain.RuleSet, error) {
	rules, err := s.rules.ListRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(rules) > 0 {
		return domain.EnabledRules(rules), nil
	}

	defaults := settings.MissingDefaults(tenantID, nil)
	if s.seedDefaults {
		for _, rule := range defaults {
			if err := s.rules.UpsertRule(ctx, rule); err != nil {
				return nil, err
			}
		}
		s.logger.WithField("tenant_id", tenantID).Info("Seeded default verification rules")
	}
	return domain.EnabledRules(defaults), nil
}

func (s *VerificationService) settingsFor(ctx context.Context, tenantID, testCode string) (*domain.AutoVerificationSettings, error) {
	cfg, err := s.provider.Settings(ctx, tenantID, testCode)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return cfg, err
}

func (s *VerificationService) recordVerdict(ctx context.Context, result *domain.Result, verdict verification.Verdict, actor domain.Reviewer, from domain.VerificationStatus) {
	action := audit.ActionResultVerified
	eventType := events.ResultVerified
	if result.VerificationStatus == domain.StatusNeedsReview {
		action = audit.ActionResultFlagged
		eventType = events.ResultNeedsReview
	}

	var reasons []string
	for _, f := range verdict.Failures() {
		reasons = append(reasons, fmt.Sprintf("%s: %s", f.Rule, f.Reason))
	}
	if verdict.Vacuous {
		reasons = append(reasons, verification.VacuousVerification)
	}

	s.recorder.record(ctx, resultEntry(result, action, actor, from, strings.Join(reasons, "; ")))
	s.recorder.publish(ctx, eventType, result.TenantID, events.EntityResult, result.ID, actor, result)
}
