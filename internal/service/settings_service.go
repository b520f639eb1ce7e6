package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/audit"
	"github.com/lab-verification-service/internal/domain"
	"github.com/lab-verification-service/internal/events"
	"github.com/lab-verification-service/internal/settings"
)

// Invalidator drops cached settings after a write
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID, testCode string) error
}

// SettingsResult carries saved settings and any validation warnings
type SettingsResult struct {
	Settings *domain.AutoVerificationSettings `json:"settings"`
	Warnings []string                         `json:"warnings,omitempty"`
}

// SettingsService manages tenant auto-verification settings and rule toggles.
// Writes are restricted to admins.
type SettingsService struct {
	repo     domain.SettingsRepository
	rules    domain.RuleRepository
	cache    Invalidator
	recorder *recorder
	logger   *logrus.Logger
}

// NewSettingsService creates a new settings service. cache may be nil.
func NewSettingsService(repo domain.SettingsRepository, rules domain.RuleRepository, cache Invalidator, auditStore audit.Store, publisher events.Publisher, logger *logrus.Logger) *SettingsService {
	return &SettingsService{
		repo:     repo,
		rules:    rules,
		cache:    cache,
		recorder: &recorder{audit: auditStore, publisher: publisher, logger: logger},
		logger:   logger,
	}
}

// Get returns settings for one test code
func (s *SettingsService) Get(ctx context.Context, tenantID, testCode string) (*domain.AutoVerificationSettings, error) {
	return s.repo.GetSettings(ctx, tenantID, strings.TrimSpace(testCode))
}

// List returns all settings of a tenant
func (s *SettingsService) List(ctx context.Context, tenantID string) ([]*domain.AutoVerificationSettings, error) {
	return s.repo.ListSettings(ctx, tenantID)
}

// Create stores settings for a test code that has none yet
func (s *SettingsService) Create(ctx context.Context, actor domain.Reviewer, in *domain.AutoVerificationSettings) (*SettingsResult, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	cfg := in.Clone()
	settings.Normalize(cfg)
	warnings, err := settings.Validate(cfg)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateSettings(ctx, cfg); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cfg.TenantID, cfg.TestCode)
	s.recordSettings(ctx, cfg, audit.ActionSettingsCreated, actor, warnings)

	return &SettingsResult{Settings: cfg, Warnings: warnings}, nil
}

// Update replaces settings for an existing test code
func (s *SettingsService) Update(ctx context.Context, actor domain.Reviewer, in *domain.AutoVerificationSettings) (*SettingsResult, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	cfg := in.Clone()
	settings.Normalize(cfg)
	warnings, err := settings.Validate(cfg)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateSettings(ctx, cfg); err != nil {
		return nil, err
	}
	s.invalidate(ctx, cfg.TenantID, cfg.TestCode)
	s.recordSettings(ctx, cfg, audit.ActionSettingsUpdated, actor, warnings)

	return &SettingsResult{Settings: cfg, Warnings: warnings}, nil
}

// Delete removes settings for a test code. Results of that code then need review.
func (s *SettingsService) Delete(ctx context.Context, actor domain.Reviewer, tenantID, testCode string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	testCode = strings.TrimSpace(testCode)
	if err := s.repo.DeleteSettings(ctx, tenantID, testCode); err != nil {
		return err
	}
	s.invalidate(ctx, tenantID, testCode)
	s.recordSettings(ctx, &domain.AutoVerificationSettings{TenantID: tenantID, TestCode: testCode}, audit.ActionSettingsDeleted, actor, nil)
	return nil
}

// ListRules returns the tenant's rule toggles, or the defaults when none are stored
func (s *SettingsService) ListRules(ctx context.Context, tenantID string) ([]*domain.VerificationRule, error) {
	rules, err := s.rules.ListRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return settings.MissingDefaults(tenantID, nil), nil
	}
	return rules, nil
}

// SetRule enables or disables one rule type. A tenant without stored toggles gets the defaults
// first so the other rules keep their default state.
func (s *SettingsService) SetRule(ctx context.Context, actor domain.Reviewer, tenantID string, ruleType domain.RuleType, enabled bool) (*domain.VerificationRule, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if !ruleType.IsValid() {
		return nil, domain.NewValidationError("rule_type", fmt.Sprintf("unknown rule type %q", ruleType))
	}

	existing, err := s.rules.ListRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		if _, err := s.seed(ctx, tenantID, existing); err != nil {
			return nil, err
		}
	}

	rule := &domain.VerificationRule{
		TenantID:    tenantID,
		RuleType:    ruleType,
		Enabled:     enabled,
		Priority:    settings.PriorityFor(ruleType),
		Description: settings.DescriptionFor(ruleType),
	}
	if err := s.rules.UpsertRule(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"rule_type": ruleType,
		"enabled":   enabled,
		"user_id":   actor.UserID,
	}).Info("Verification rule toggled")

	s.recorder.record(ctx, &audit.Entry{
		TenantID:   tenantID,
		EntityType: events.EntityRule,
		EntityID:   string(ruleType),
		Action:     audit.ActionRuleToggled,
		ActorID:    actor.UserID,
		ActorRole:  string(actor.Role),
		ToState:    fmt.Sprintf("enabled=%t", enabled),
	})
	s.recorder.publish(ctx, events.SettingsChanged, tenantID, events.EntityRule, string(ruleType), actor, rule)
	return rule, nil
}

// SeedDefaults stores the default rule toggles the tenant does not have yet
func (s *SettingsService) SeedDefaults(ctx context.Context, actor domain.Reviewer, tenantID string) ([]*domain.VerificationRule, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	existing, err := s.rules.ListRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	seeded, err := s.seed(ctx, tenantID, existing)
	if err != nil {
		return nil, err
	}
	if seeded > 0 {
		s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "seeded": seeded}).Info("Seeded default verification rules")
	}
	return s.rules.ListRules(ctx, tenantID)
}

func (s *SettingsService) seed(ctx context.Context, tenantID string, existing []*domain.VerificationRule) (int, error) {
	missing := settings.MissingDefaults(tenantID, existing)
	for _, rule := range missing {
		if err := s.rules.UpsertRule(ctx, rule); err != nil {
			return 0, err
		}
	}
	return len(missing), nil
}

func (s *SettingsService) invalidate(ctx context.Context, tenantID, testCode string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tenantID, testCode); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"test_code": testCode,
		}).Warn("Failed to invalidate cached settings")
	}
}

func (s *SettingsService) recordSettings(ctx context.Context, cfg *domain.AutoVerificationSettings, action audit.Action, actor domain.Reviewer, warnings []string) {
	s.logger.WithFields(logrus.Fields{
		"tenant_id": cfg.TenantID,
		"test_code": cfg.TestCode,
		"action":    action,
		"user_id":   actor.UserID,
	}).Info("Verification settings changed")

	s.recorder.record(ctx, &audit.Entry{
		TenantID:   cfg.TenantID,
		EntityType: events.EntitySettings,
		EntityID:   cfg.TestCode,
		Action:     action,
		ActorID:    actor.UserID,
		ActorRole:  string(actor.Role),
		Detail:     strings.Join(warnings, "; "),
	})
	s.recorder.publish(ctx, events.SettingsChanged, cfg.TenantID, events.EntitySettings, cfg.TestCode, actor, map[string]interface{}{
		"action":   action,
		"settings": cfg,
	})
}

func requireAdmin(actor domain.Reviewer) error {
	if actor.Role != domain.RoleAdmin {
		return domain.NewAuthorizationError("settings changes require the admin role")
	}
	return nil
}
