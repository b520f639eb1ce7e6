// Package repository implements the domain repositories on PostgreSQL with pgx.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/domain"
)

const resultColumns = `id, tenant_id, sample_id, patient_id, test_code, value, unit, flags,
		collected_at, verification_status, verification_method, verified_at, rule_failures,
		created_at, updated_at`

// ResultRepository handles result persistence
type ResultRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewResultRepository creates a new result repository
func NewResultRepository(db *pgxpool.Pool, logger *logrus.Logger) *ResultRepository {
	return &ResultRepository{db: db, log: logger}
}

// CreateResult inserts a new result
func (r *ResultRepository) CreateResult(ctx context.Context, result *domain.Result) error {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now

	failures, err := encodeFailures(result.RuleFailures)
	if err != nil {
		return err
	}
	flags := result.Flags
	if flags == nil {
		flags = []string{}
	}

	query := `
		INSERT INTO results (
			id, tenant_id, sample_id, patient_id, test_code, value, unit, flags,
			collected_at, verification_status, verification_method, verified_at, rule_failures,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = r.db.Exec(ctx, query,
		result.ID,
		result.TenantID,
		result.SampleID,
		result.PatientID,
		result.TestCode,
		result.Value,
		result.Unit,
		flags,
		result.CollectedAt,
		string(result.VerificationStatus),
		string(result.VerificationMethod),
		result.VerifiedAt,
		failures,
		result.CreatedAt,
		result.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "results_pkey") {
			return domain.NewStateConflictError("result %s already exists", result.ID)
		}
		r.log.WithFields(logrus.Fields{
			"result_id": result.ID,
			"tenant_id": result.TenantID,
			"error":     err,
		}).Error("Failed to create result")
		return fmt.Errorf("creating result: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"result_id": result.ID,
		"sample_id": result.SampleID,
		"test_code": result.TestCode,
	}).Debug("Result created")
	return nil
}

// GetResult retrieves a result of the tenant
func (r *ResultRepository) GetResult(ctx context.Context, tenantID, resultID string) (*domain.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE tenant_id = $1 AND id = $2`

	result, err := scanResult(r.db.QueryRow(ctx, query, tenantID, resultID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("result %s: %w", resultID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting result: %w", err)
	}
	return result, nil
}

// ListSampleResults returns the sample's results ordered by creation
func (r *ResultRepository) ListSampleResults(ctx context.Context, tenantID, sampleID string) ([]*domain.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results
		WHERE tenant_id = $1 AND sample_id = $2
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, tenantID, sampleID)
	if err != nil {
		return nil, fmt.Errorf("listing sample results: %w", err)
	}
	defer rows.Close()

	var results []*domain.Result
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// SaveVerdict writes the verification fields of a pending result. The status guard in the WHERE
// clause keeps a concurrent writer from overwriting a verdict that is already stored.
func (r *ResultRepository) SaveVerdict(ctx context.Context, result *domain.Result) error {
	updated, err := updateVerification(ctx, r.db, result, domain.StatusPending)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}
	return r.explainMissedUpdate(ctx, result)
}

func (r *ResultRepository) explainMissedUpdate(ctx context.Context, result *domain.Result) error {
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT verification_status FROM results WHERE tenant_id = $1 AND id = $2`,
		result.TenantID, result.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("result %s: %w", result.ID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking result status: %w", err)
	}
	return domain.NewImmutabilityError("result %s is already %s", result.ID, status)
}

// PreviousVerified returns the most recent verified result for patient and test code
func (r *ResultRepository) PreviousVerified(ctx context.Context, tenantID, patientID, testCode string, before time.Time, withinDays int) (*domain.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results
		WHERE tenant_id = $1 AND patient_id = $2 AND test_code = $3
		  AND verification_status = 'verified'
		  AND collected_at < $4 AND collected_at >= $5
		ORDER BY collected_at DESC
		LIMIT 1`

	since := before.AddDate(0, 0, -withinDays)
	result, err := scanResult(r.db.QueryRow(ctx, query, tenantID, patientID, testCode, before, since))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("previous %s result for patient %s: %w", testCode, patientID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting previous result: %w", err)
	}
	return result, nil
}

// updateVerification runs the guarded update on the pool or inside a transaction
// updateVerification writes the verdict only while the stored status is one of from.
func updateVerification(ctx context.Context, db execer, result *domain.Result, from ...domain.VerificationStatus) (bool, error) {
	failures, err := encodeFailures(result.RuleFailures)
	if err != nil {
		return false, err
	}
	updatedAt := result.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}

	tag, err := db.Exec(ctx, `
		UPDATE results SET
			verification_status = $3,
			verification_method = $4,
			verified_at = $5,
			rule_failures = $6,
			updated_at = $7
		WHERE tenant_id = $1 AND id = $2
		  AND verification_status = ANY($8::text[])`,
		result.TenantID,
		result.ID,
		string(result.VerificationStatus),
		string(result.VerificationMethod),
		result.VerifiedAt,
		failures,
		updatedAt,
		statuses,
	)
	if err != nil {
		return false, fmt.Errorf("updating result verification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanResult(row pgx.Row) (*domain.Result, error) {
	var (
		result   domain.Result
		status   string
		method   string
		failures []byte
	)
	err := row.Scan(
		&result.ID,
		&result.TenantID,
		&result.SampleID,
		&result.PatientID,
		&result.TestCode,
		&result.Value,
		&result.Unit,
		&result.Flags,
		&result.CollectedAt,
		&status,
		&method,
		&result.VerifiedAt,
		&failures,
		&result.CreatedAt,
		&result.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	result.VerificationStatus = domain.VerificationStatus(status)
	result.VerificationMethod = domain.VerificationMethod(method)
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &result.RuleFailures); err != nil {
			return nil, fmt.Errorf("decoding rule failures: %w", err)
		}
	}
	if len(result.RuleFailures) == 0 {
		result.RuleFailures = nil
	}
	return &result, nil
}

func encodeFailures(failures []domain.RuleFailure) ([]byte, error) {
	if failures == nil {
		failures = []domain.RuleFailure{}
	}
	data, err := json.Marshal(failures)
	if err != nil {
		return nil, fmt.Errorf("encoding rule failures: %w", err)
	}
	return data, nil
}
