package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/domain"
)

// RuleRepository handles per-tenant rule toggles
type RuleRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *pgxpool.Pool, logger *logrus.Logger) *RuleRepository {
	return &RuleRepository{db: db, log: logger}
}

// ListRules returns the tenant's rules in evaluation order
func (r *RuleRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.VerificationRule, error) {
	query := `
		SELECT id, tenant_id, rule_type, enabled, priority, description, created_at, updated_at
		FROM verification_rules
		WHERE tenant_id = $1
		ORDER BY CASE rule_type
			WHEN 'reference_range' THEN 1
			WHEN 'critical_range' THEN 2
			WHEN 'instrument_flag' THEN 3
			WHEN 'delta_check' THEN 4
		END`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.VerificationRule
	for rows.Next() {
		var (
			rule     domain.VerificationRule
			ruleType string
		)
		if err := rows.Scan(&rule.ID, &rule.TenantID, &ruleType, &rule.Enabled, &rule.Priority,
			&rule.Description, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		rule.RuleType = domain.RuleType(ruleType)
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// UpsertRule creates or replaces the toggle for a rule type
func (r *RuleRepository) UpsertRule(ctx context.Context, rule *domain.VerificationRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO verification_rules (id, tenant_id, rule_type, enabled, priority, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (tenant_id, rule_type) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			priority = EXCLUDED.priority,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		rule.ID, rule.TenantID, string(rule.RuleType), rule.Enabled, rule.Priority, rule.Description, now,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"tenant_id": rule.TenantID,
			"rule_type": rule.RuleType,
			"error":     err,
		}).Error("Failed to upsert rule")
		return fmt.Errorf("upserting rule: %w", err)
	}
	return nil
}
