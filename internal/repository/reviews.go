package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/domain"
)

const activeReviewIndex = "reviews_one_active_per_sample"

const reviewColumns = `id, tenant_id, sample_id, reviewer_id, state, decision, comment,
		escalation_reason, escalated_by, created_at, submitted_at, completed_at, updated_at, version`

// ReviewRepository handles review persistence. Reviews and their result decisions are written
// together with the result status flips in one transaction.
type ReviewRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewReviewRepository creates a new review repository
func NewReviewRepository(db *pgxpool.Pool, logger *logrus.Logger) *ReviewRepository {
	return &ReviewRepository{db: db, log: logger}
}

// GetReview retrieves a review with its decisions
func (r *ReviewRepository) GetReview(ctx context.Context, tenantID, reviewID string) (*domain.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE tenant_id = $1 AND id = $2`

	review, err := scanReview(r.db.QueryRow(ctx, query, tenantID, reviewID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("review %s: %w", reviewID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting review: %w", err)
	}
	if err := r.loadDecisions(ctx, []*domain.Review{review}); err != nil {
		return nil, err
	}
	return review, nil
}

// ActiveReviewForSample returns the sample's non-terminal review
func (r *ReviewRepository) ActiveReviewForSample(ctx context.Context, tenantID, sampleID string) (*domain.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews
		WHERE tenant_id = $1 AND sample_id = $2 AND state IN ('pending', 'in_progress', 'escalated')`

	review, err := scanReview(r.db.QueryRow(ctx, query, tenantID, sampleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active review for sample %s: %w", sampleID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting active review: %w", err)
	}
	if err := r.loadDecisions(ctx, []*domain.Review{review}); err != nil {
		return nil, err
	}
	return review, nil
}

// CreateReview inserts a review and its decision placeholders. The partial unique index on
// active reviews turns a concurrent second insert for the same sample into ErrActiveReviewExists.
func (r *ReviewRepository) CreateReview(ctx context.Context, review *domain.Review) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reviews (
				id, tenant_id, sample_id, reviewer_id, state, decision, comment,
				escalation_reason, escalated_by, created_at, submitted_at, completed_at, updated_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			review.ID, review.TenantID, review.SampleID, review.ReviewerID, string(review.State),
			string(review.Decision), review.Comment, review.EscalationReason, review.EscalatedBy,
			review.CreatedAt, review.SubmittedAt, review.CompletedAt, review.UpdatedAt, review.Version,
		)
		if err != nil {
			return err
		}
		return writeDecisions(ctx, tx, review)
	})
	if err != nil {
		if isUniqueViolation(err, activeReviewIndex) {
			return domain.ErrActiveReviewExists
		}
		if isUniqueViolation(err, "reviews_pkey") {
			return domain.NewStateConflictError("review %s already exists", review.ID)
		}
		r.log.WithFields(logrus.Fields{
			"review_id": review.ID,
			"sample_id": review.SampleID,
			"error":     err,
		}).Error("Failed to create review")
		return fmt.Errorf("creating review: %w", err)
	}
	return nil
}

// SaveReview writes the review, its decisions and the result updates in one transaction
func (r *ReviewRepository) SaveReview(ctx context.Context, review *domain.Review, results []*domain.Result) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE reviews SET
				reviewer_id = $3, state = $4, decision = $5, comment = $6,
				escalation_reason = $7, escalated_by = $8, submitted_at = $9, completed_at = $10,
				updated_at = $11, version = $12
			WHERE tenant_id = $1 AND id = $2 AND version = $12 - 1
			  AND state NOT IN ('approved', 'rejected')`,
			review.TenantID, review.ID, review.ReviewerID, string(review.State), string(review.Decision),
			review.Comment, review.EscalationReason, review.EscalatedBy, review.SubmittedAt,
			review.CompletedAt, review.UpdatedAt, review.Version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return explainStaleReview(ctx, tx, review)
		}

		if err := writeDecisions(ctx, tx, review); err != nil {
			return err
		}

		for _, result := range results {
			result.TenantID = review.TenantID
			updated, err := updateVerification(ctx, tx, result, domain.StatusPending, domain.StatusNeedsReview)
			if err != nil {
				return err
			}
			if !updated {
				return domain.NewImmutabilityError("result %s is no longer awaiting review", result.ID)
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err, activeReviewIndex) {
			return domain.ErrActiveReviewExists
		}
		var derr *domain.Error
		if errors.As(err, &derr) {
			return err
		}
		return fmt.Errorf("saving review: %w", err)
	}
	return nil
}

func explainStaleReview(ctx context.Context, tx pgx.Tx, review *domain.Review) error {
	var (
		state   string
		version int
	)
	err := tx.QueryRow(ctx, `SELECT state, version FROM reviews WHERE tenant_id = $1 AND id = $2`,
		review.TenantID, review.ID).Scan(&state, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("review %s: %w", review.ID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if domain.ReviewState(state).IsTerminal() {
		return domain.NewImmutabilityError("review %s is %s and locked", review.ID, state)
	}
	return domain.ErrConcurrentModification
}

// writeDecisions upserts decision rows. A recorded decision is never overwritten.
func writeDecisions(ctx context.Context, tx pgx.Tx, review *domain.Review) error {
	batch := &pgx.Batch{}
	for i, d := range review.Decisions {
		batch.Queue(`
			INSERT INTO result_decisions (review_id, result_id, position, decision, comment, decided_by, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (review_id, result_id) DO UPDATE SET
				decision = EXCLUDED.decision,
				comment = EXCLUDED.comment,
				decided_by = EXCLUDED.decided_by,
				decided_at = EXCLUDED.decided_at
			WHERE result_decisions.decision = ''`,
			review.ID, d.ResultID, i, string(d.Decision), d.Comment, d.DecidedBy, d.DecidedAt,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	return tx.SendBatch(ctx, batch).Close()
}

// ListReviews returns reviews matching the filter, oldest first, and the total match count
func (r *ReviewRepository) ListReviews(ctx context.Context, filter domain.ReviewFilter) ([]*domain.Review, int, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		args = append(args, states)
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if filter.ReviewerID != "" {
		args = append(args, filter.ReviewerID)
		conds = append(conds, fmt.Sprintf("reviewer_id = $%d", len(args)))
	}
	where := "WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM reviews "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting reviews: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM reviews %s ORDER BY created_at ASC, id ASC OFFSET $%d",
		reviewColumns, where, len(args)+1)
	args = append(args, filter.Skip)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*domain.Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning review: %w", err)
		}
		reviews = append(reviews, review)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := r.loadDecisions(ctx, reviews); err != nil {
		return nil, 0, err
	}
	return reviews, total, nil
}

func (r *ReviewRepository) loadDecisions(ctx context.Context, reviews []*domain.Review) error {
	if len(reviews) == 0 {
		return nil
	}
	ids := make([]string, len(reviews))
	byID := make(map[string]*domain.Review, len(reviews))
	for i, rev := range reviews {
		ids[i] = rev.ID
		byID[rev.ID] = rev
		rev.Decisions = []domain.ResultDecision{}
	}

	rows, err := r.db.Query(ctx, `
		SELECT review_id, result_id, decision, comment, decided_by, decided_at
		FROM result_decisions
		WHERE review_id = ANY($1)
		ORDER BY review_id, position`, ids)
	if err != nil {
		return fmt.Errorf("loading review decisions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reviewID string
			decision string
			d        domain.ResultDecision
		)
		if err := rows.Scan(&reviewID, &d.ResultID, &decision, &d.Comment, &d.DecidedBy, &d.DecidedAt); err != nil {
			return fmt.Errorf("scanning review decision: %w", err)
		}
		d.Decision = domain.Decision(decision)
		if rev, ok := byID[reviewID]; ok {
			rev.Decisions = append(rev.Decisions, d)
		}
	}
	return rows.Err()
}

func scanReview(row pgx.Row) (*domain.Review, error) {
	var (
		review   domain.Review
		state    string
		decision string
	)
	err := row.Scan(
		&review.ID, &review.TenantID, &review.SampleID, &review.ReviewerID, &state, &decision,
		&review.Comment, &review.EscalationReason, &review.EscalatedBy, &review.CreatedAt,
		&review.SubmittedAt, &review.CompletedAt, &review.UpdatedAt, &review.Version,
	)
	if err != nil {
		return nil, err
	}
	review.State = domain.ReviewState(state)
	review.Decision = domain.OverallDecision(decision)
	return &review, nil
}
