package review

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lab-verification-service/internal/domain"
)

// QueueAction describes what EnsureQueued did
type QueueAction string

const (
	QueueNone     QueueAction = "none"
	QueueCreated  QueueAction = "created"
	QueueReused   QueueAction = "reused"
	QueueExtended QueueAction = "extended"
)

// QueueEligible reports whether any result of the sample needs manual review
func QueueEligible(results []*domain.Result) bool {
	for _, r := range results {
		if r.VerificationStatus == domain.StatusNeedsReview {
			return true
		}
	}
	return false
}

// InQueue derives queue membership: the sample needs review and its active review is not done.
func InQueue(results []*domain.Result, active *domain.Review) bool {
	if active != nil {
		return active.State.IsActive()
	}
	return QueueEligible(results)
}

// Aggregator groups a sample's needs_review results into a single review
type Aggregator struct {
	now   func() time.Time
	newID func() string
}

// NewAggregator creates an aggregator with wall-clock time and random UUIDs
func NewAggregator() *Aggregator {
	return &Aggregator{
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

// EnsureQueued makes sure the sample has an active review covering every result that needs
// review. active is the sample's current non-terminal review, or nil. It returns the review to
// persist (nil when the sample is not queue-eligible) and what was done.
//
// An existing active review is never duplicated. Needs-review results it does not cover yet
// get a placeholder appended. Auto-verified results never get a placeholder.
func (a *Aggregator) EnsureQueued(sample domain.Sample, results []*domain.Result, active *domain.Review) (*domain.Review, QueueAction, error) {
	if sample.ID == "" {
		return nil, QueueNone, domain.NewValidationError("sample_id", "is required")
	}
	for _, r := range results {
		if r.SampleID != sample.ID || r.TenantID != sample.TenantID {
			return nil, QueueNone, domain.NewValidationError("results",
				fmt.Sprintf("result %s does not belong to sample %s", r.ID, sample.ID))
		}
	}
	if active != nil && !active.State.IsActive() {
		return nil, QueueNone, domain.NewStateConflictError("review %s is %s, not active", active.ID, active.State)
	}

	var pending []string
	for _, r := range results {
		if r.VerificationStatus == domain.StatusNeedsReview {
			pending = append(pending, r.ID)
		}
	}

	if active == nil {
		if len(pending) == 0 {
			return nil, QueueNone, nil
		}
		now := a.now()
		review := &domain.Review{
			ID:        a.newID(),
			TenantID:  sample.TenantID,
			SampleID:  sample.ID,
			State:     domain.ReviewPending,
			Decisions: make([]domain.ResultDecision, 0, len(pending)),
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		}
		for _, id := range pending {
			review.Decisions = append(review.Decisions, domain.ResultDecision{ResultID: id})
		}
		return review, QueueCreated, nil
	}

	updated := active.Clone()
	for _, id := range pending {
		if updated.DecisionFor(id) < 0 {
			updated.Decisions = append(updated.Decisions, domain.ResultDecision{ResultID: id})
		}
	}
	if len(updated.Decisions) == len(active.Decisions) {
		return active, QueueReused, nil
	}
	updated.UpdatedAt = a.now()
	updated.Version++
	return updated, QueueExtended, nil
}
