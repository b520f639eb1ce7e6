// Package memory implements the repositories in process memory. It backs the lite server and
// service tests and enforces the same guarantees as the Postgres schema: one active review per
// sample, optimistic review versions and immutable terminal results.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lab-verification-service/internal/domain"
)

// Store holds results, settings, rules and reviews
type Store struct {
	mu       sync.RWMutex
	results  map[string]*domain.Result
	settings map[string]*domain.AutoVerificationSettings
	rules    map[string]map[domain.RuleType]*domain.VerificationRule
	reviews  map[string]*domain.Review
	now      func() time.Time
}

var (
	_ domain.ResultRepository   = (*Store)(nil)
	_ domain.SettingsRepository = (*Store)(nil)
	_ domain.RuleRepository     = (*Store)(nil)
	_ domain.ReviewRepository   = (*Store)(nil)
	_ domain.SettingsProvider   = (*Store)(nil)
)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		results:  make(map[string]*domain.Result),
		settings: make(map[string]*domain.AutoVerificationSettings),
		rules:    make(map[string]map[domain.RuleType]*domain.VerificationRule),
		reviews:  make(map[string]*domain.Review),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func settingsKey(tenantID, testCode string) string {
	return tenantID + "\x00" + testCode
}

// CreateResult stores a new result
func (s *Store) CreateResult(ctx context.Context, result *domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if _, exists := s.results[result.ID]; exists {
		return domain.NewStateConflictError("result %s already exists", result.ID)
	}
	now := s.now()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now
	s.results[result.ID] = result.Clone()
	return nil
}

// GetResult returns a result of the tenant
func (s *Store) GetResult(ctx context.Context, tenantID, resultID string) (*domain.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[resultID]
	if !ok || r.TenantID != tenantID {
		return nil, fmt.Errorf("result %s: %w", resultID, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

// ListSampleResults returns the sample's results ordered by creation
func (s *Store) ListSampleResults(ctx context.Context, tenantID, sampleID string) ([]*domain.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Result
	for _, r := range s.results {
		if r.TenantID == tenantID && r.SampleID == sampleID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveVerdict writes the verification fields of a pending result. A result awaiting review only
// changes through its review.
func (s *Store) SaveVerdict(ctx context.Context, result *domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.results[result.ID]
	if !ok || current.TenantID != result.TenantID {
		return fmt.Errorf("result %s: %w", result.ID, domain.ErrNotFound)
	}
	if current.VerificationStatus != domain.StatusPending {
		return domain.NewImmutabilityError("result %s is already %s", result.ID, current.VerificationStatus)
	}
	applyVerification(current, result)
	return nil
}

// PreviousVerified returns the most recent verified result for patient and test code
func (s *Store) PreviousVerified(ctx context.Context, tenantID, patientID, testCode string, before time.Time, withinDays int) (*domain.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := before.AddDate(0, 0, -withinDays)
	var best *domain.Result
	for _, r := range s.results {
		if r.TenantID != tenantID || r.PatientID != patientID || r.TestCode != testCode {
			continue
		}
		if r.VerificationStatus != domain.StatusVerified {
			continue
		}
		if !r.CollectedAt.Before(before) || r.CollectedAt.Before(since) {
			continue
		}
		if best == nil || r.CollectedAt.After(best.CollectedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("previous %s result for patient %s: %w", testCode, patientID, domain.ErrNotFound)
	}
	return best.Clone(), nil
}

func applyVerification(dst, src *domain.Result) {
	dst.VerificationStatus = src.VerificationStatus
	dst.VerificationMethod = src.VerificationMethod
	dst.VerifiedAt = src.Clone().VerifiedAt
	dst.RuleFailures = append([]domain.RuleFailure(nil), src.RuleFailures...)
	dst.UpdatedAt = src.UpdatedAt
}

// GetSettings returns settings for a test code
func (s *Store) GetSettings(ctx context.Context, tenantID, testCode string) (*domain.AutoVerificationSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settings[settingsKey(tenantID, testCode)]
	if !ok {
		return nil, fmt.Errorf("settings for %s: %w", testCode, domain.ErrNotFound)
	}
	return st.Clone(), nil
}

// Settings implements domain.SettingsProvider without caching
func (s *Store) Settings(ctx context.Context, tenantID, testCode string) (*domain.AutoVerificationSettings, error) {
	return s.GetSettings(ctx, tenantID, testCode)
}

// ListSettings returns the tenant's settings ordered by test code
func (s *Store) ListSettings(ctx context.Context, tenantID string) ([]*domain.AutoVerificationSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AutoVerificationSettings
	for _, st := range s.settings {
		if st.TenantID == tenantID {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestCode < out[j].TestCode })
	return out, nil
}

// CreateSettings stores new settings; (tenant, test code) must be unique
func (s *Store) CreateSettings(ctx context.Context, settings *domain.AutoVerificationSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := settingsKey(settings.TenantID, settings.TestCode)
	if _, exists := s.settings[key]; exists {
		return domain.NewStateConflictError("settings for %s already exist", settings.TestCode)
	}
	if settings.ID == "" {
		settings.ID = uuid.New().String()
	}
	now := s.now()
	settings.CreatedAt = now
	settings.UpdatedAt = now
	s.settings[key] = settings.Clone()
	return nil
}

// UpdateSettings replaces existing settings
func (s *Store) UpdateSettings(ctx context.Context, settings *domain.AutoVerificationSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := settingsKey(settings.TenantID, settings.TestCode)
	current, ok := s.settings[key]
	if !ok {
		return fmt.Errorf("settings for %s: %w", settings.TestCode, domain.ErrNotFound)
	}
	settings.ID = current.ID
	settings.CreatedAt = current.CreatedAt
	settings.UpdatedAt = s.now()
	s.settings[key] = settings.Clone()
	return nil
}

// DeleteSettings removes settings for a test code
func (s *Store) DeleteSettings(ctx context.Context, tenantID, testCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := settingsKey(tenantID, testCode)
	if _, ok := s.settings[key]; !ok {
		return fmt.Errorf("settings for %s: %w", testCode, domain.ErrNotFound)
	}
	delete(s.settings, key)
	return nil
}

// ListRules returns the tenant's rule toggles in evaluation order
func (s *Store) ListRules(ctx context.Context, tenantID string) ([]*domain.VerificationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.VerificationRule
	for _, t := range domain.EvaluationOrder {
		if r, ok := s.rules[tenantID][t]; ok {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

// UpsertRule creates or replaces the toggle for a rule type
func (s *Store) UpsertRule(ctx context.Context, rule *domain.VerificationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rules[rule.TenantID] == nil {
		s.rules[rule.TenantID] = make(map[domain.RuleType]*domain.VerificationRule)
	}
	now := s.now()
	if current, ok := s.rules[rule.TenantID][rule.RuleType]; ok {
		rule.ID = current.ID
		rule.CreatedAt = current.CreatedAt
	} else {
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	c := *rule
	s.rules[rule.TenantID][rule.RuleType] = &c
	return nil
}

// GetReview returns a review of the tenant
func (s *Store) GetReview(ctx context.Context, tenantID, reviewID string) (*domain.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reviews[reviewID]
	if !ok || r.TenantID != tenantID {
		return nil, fmt.Errorf("review %s: %w", reviewID, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

// ActiveReviewForSample returns the sample's non-terminal review
func (s *Store) ActiveReviewForSample(ctx context.Context, tenantID, sampleID string) (*domain.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.activeReviewLocked(tenantID, sampleID, ""); r != nil {
		return r.Clone(), nil
	}
	return nil, fmt.Errorf("active review for sample %s: %w", sampleID, domain.ErrNotFound)
}

func (s *Store) activeReviewLocked(tenantID, sampleID, exceptID string) *domain.Review {
	for _, r := range s.reviews {
		if r.TenantID == tenantID && r.SampleID == sampleID && r.ID != exceptID && r.State.IsActive() {
			return r
		}
	}
	return nil
}

// CreateReview stores a new review unless the sample already has an active one
func (s *Store) CreateReview(ctx context.Context, review *domain.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reviews[review.ID]; exists {
		return domain.NewStateConflictError("review %s already exists", review.ID)
	}
	if review.State.IsActive() && s.activeReviewLocked(review.TenantID, review.SampleID, review.ID) != nil {
		return domain.ErrActiveReviewExists
	}
	s.reviews[review.ID] = review.Clone()
	return nil
}

// SaveReview writes the review and result updates together, or nothing at all
func (s *Store) SaveReview(ctx context.Context, review *domain.Review, results []*domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.reviews[review.ID]
	if !ok || current.TenantID != review.TenantID {
		return fmt.Errorf("review %s: %w", review.ID, domain.ErrNotFound)
	}
	if current.Version != review.Version-1 {
		return domain.ErrConcurrentModification
	}
	if current.State.IsTerminal() {
		return domain.NewImmutabilityError("review %s is %s and locked", review.ID, current.State)
	}
	if review.State.IsActive() && s.activeReviewLocked(review.TenantID, review.SampleID, review.ID) != nil {
		return domain.ErrActiveReviewExists
	}

	targets := make([]*domain.Result, len(results))
	for i, r := range results {
		stored, ok := s.results[r.ID]
		if !ok || stored.TenantID != review.TenantID {
			return fmt.Errorf("result %s: %w", r.ID, domain.ErrNotFound)
		}
		if stored.VerificationStatus.IsTerminal() {
			return domain.NewImmutabilityError("result %s is already %s", r.ID, stored.VerificationStatus)
		}
		targets[i] = stored
	}

	for i, r := range results {
		applyVerification(targets[i], r)
	}
	s.reviews[review.ID] = review.Clone()
	return nil
}

// ListReviews returns reviews matching the filter, oldest first, and the total match count
func (s *Store) ListReviews(ctx context.Context, filter domain.ReviewFilter) ([]*domain.Review, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[domain.ReviewState]bool, len(filter.States))
	for _, st := range filter.States {
		states[st] = true
	}

	var matched []*domain.Review
	for _, r := range s.reviews {
		if r.TenantID != filter.TenantID {
			continue
		}
		if len(states) > 0 && !states[r.State] {
			continue
		}
		if filter.ReviewerID != "" && r.ReviewerID != filter.ReviewerID {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	start := filter.Skip
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	out := make([]*domain.Review, 0, end-start)
	for _, r := range matched[start:end] {
		out = append(out, r.Clone())
	}
	return out, total, nil
}
