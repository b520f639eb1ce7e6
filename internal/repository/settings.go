package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/domain"
)

const settingsColumns = `id, tenant_id, test_code, reference_low, reference_high, critical_low, critical_high,
		blocked_flags, delta_threshold_percent, delta_lookback_days, created_at, updated_at`

// SettingsRepository handles auto-verification settings persistence
type SettingsRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *pgxpool.Pool, logger *logrus.Logger) *SettingsRepository {
	return &SettingsRepository{db: db, log: logger}
}

// GetSettings retrieves settings for a test code
func (r *SettingsRepository) GetSettings(ctx context.Context, tenantID, testCode string) (*domain.AutoVerificationSettings, error) {
	query := `SELECT ` + settingsColumns + ` FROM auto_verification_settings WHERE tenant_id = $1 AND test_code = $2`

	s, err := scanSettings(r.db.QueryRow(ctx, query, tenantID, testCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("settings for %s: %w", testCode, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting settings: %w", err)
	}
	return s, nil
}

// ListSettings returns the tenant's settings ordered by test code
func (r *SettingsRepository) ListSettings(ctx context.Context, tenantID string) ([]*domain.AutoVerificationSettings, error) {
	query := `SELECT ` + settingsColumns + ` FROM auto_verification_settings WHERE tenant_id = $1 ORDER BY test_code`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	defer rows.Close()

	var out []*domain.AutoVerificationSettings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning settings: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateSettings inserts settings; (tenant, test code) is unique
func (r *SettingsRepository) CreateSettings(ctx context.Context, s *domain.AutoVerificationSettings) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	query := `
		INSERT INTO auto_verification_settings (
			id, tenant_id, test_code, reference_low, reference_high, critical_low, critical_high,
			blocked_flags, delta_threshold_percent, delta_lookback_days, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.Exec(ctx, query,
		s.ID, s.TenantID, s.TestCode,
		s.ReferenceLow, s.ReferenceHigh, s.CriticalLow, s.CriticalHigh,
		flagsOrEmpty(s.BlockedFlags), s.DeltaThresholdPercent, s.DeltaLookbackDays,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "auto_verification_settings_tenant_test_unique") {
			return domain.NewStateConflictError("settings for %s already exist", s.TestCode)
		}
		r.log.WithFields(logrus.Fields{
			"tenant_id": s.TenantID,
			"test_code": s.TestCode,
			"error":     err,
		}).Error("Failed to create settings")
		return fmt.Errorf("creating settings: %w", err)
	}
	return nil
}

// UpdateSettings replaces existing settings
func (r *SettingsRepository) UpdateSettings(ctx context.Context, s *domain.AutoVerificationSettings) error {
	s.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE auto_verification_settings SET
			reference_low = $3, reference_high = $4, critical_low = $5, critical_high = $6,
			blocked_flags = $7, delta_threshold_percent = $8, delta_lookback_days = $9, updated_at = $10
		WHERE tenant_id = $1 AND test_code = $2
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		s.TenantID, s.TestCode,
		s.ReferenceLow, s.ReferenceHigh, s.CriticalLow, s.CriticalHigh,
		flagsOrEmpty(s.BlockedFlags), s.DeltaThresholdPercent, s.DeltaLookbackDays, s.UpdatedAt,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("settings for %s: %w", s.TestCode, domain.ErrNotFound)
		}
		return fmt.Errorf("updating settings: %w", err)
	}
	return nil
}

// DeleteSettings removes settings for a test code
func (r *SettingsRepository) DeleteSettings(ctx context.Context, tenantID, testCode string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM auto_verification_settings WHERE tenant_id = $1 AND test_code = $2`, tenantID, testCode)
	if err != nil {
		return fmt.Errorf("deleting settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settings for %s: %w", testCode, domain.ErrNotFound)
	}
	return nil
}

func scanSettings(row pgx.Row) (*domain.AutoVerificationSettings, error) {
	var s domain.AutoVerificationSettings
	err := row.Scan(
		&s.ID, &s.TenantID, &s.TestCode,
		&s.ReferenceLow, &s.ReferenceHigh, &s.CriticalLow, &s.CriticalHigh,
		&s.BlockedFlags, &s.DeltaThresholdPercent, &s.DeltaLookbackDays,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(s.BlockedFlags) == 0 {
		s.BlockedFlags = nil
	}
	return &s, nil
}

func flagsOrEmpty(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}
