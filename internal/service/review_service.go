package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/audit"
	"github.com/lab-verification-service/internal/domain"
	"github.com/lab-verification-service/internal/events"
	"github.com/lab-verification-service/internal/review"
)

const (
	DefaultQueueLimit = 50
	MaxQueueLimit     = 500
)

// ReviewService runs the review workflow against storage. Queueing is serialized per sample
// and transitions per review; the repositories back this up with the active-review unique
// index and the optimistic version check.
type ReviewService struct {
	reviews    domain.ReviewRepository
	results    domain.ResultRepository
	aggregator *review.Aggregator
	machine    *review.Machine
	samples    *keyedMutex
	locks      *keyedMutex
	recorder   *recorder
	logger     *logrus.Logger
}

// NewReviewService creates a new review service
func NewReviewService(
	reviews domain.ReviewRepository,
	results domain.ResultRepository,
	auditStore audit.Store,
	publisher events.Publisher,
	logger *logrus.Logger,
) *ReviewService {
	return &ReviewService{
		reviews:    reviews,
		results:    results,
		aggregator: review.NewAggregator(),
		machine:    review.NewMachine(),
		samples:    newKeyedMutex(),
		locks:      newKeyedMutex(),
		recorder:   &recorder{audit: auditStore, publisher: publisher, logger: logger},
		logger:     logger,
	}
}

// ReviewDetail is a review together with its sample's results
type ReviewDetail struct {
	Review  *domain.Review   `json:"review"`
	Results []*domain.Result `json:"results"`
	InQueue bool             `json:"in_queue"`
}

// QueueFilter selects reviews for the queue listing
type QueueFilter struct {
	States        []domain.ReviewState
	AssignedToMe  bool
	EscalatedOnly bool
	Skip          int
	Limit         int
}

// QueuePage is one page of the review queue
type QueuePage struct {
	Reviews []*domain.Review `json:"reviews"`
	Total   int              `json:"total"`
	Skip    int              `json:"skip"`
	Limit   int              `json:"limit"`
}

// EnsureQueued makes sure a sample with needs_review results has exactly one active review
// covering all of them.
func (s *ReviewService) EnsureQueued(ctx context.Context, tenantID, sampleID string) (*domain.Review, review.QueueAction, error) {
	unlock := s.samples.Lock(lockKey(tenantID, sampleID))
	defer unlock()

	rev, action, err := s.ensureQueued(ctx, tenantID, sampleID)
	if errors.Is(err, domain.ErrActiveReviewExists) {
		// Another instance created the review between our read and insert; fold into it.
		rev, action, err = s.ensureQueued(ctx, tenantID, sampleID)
	}
	if err != nil {
		return nil, review.QueueNone, err
	}

	switch action {
	case review.QueueCreated:
		s.recorder.record(ctx, reviewEntry(rev, audit.ActionReviewCreated, systemActor, "",
			fmt.Sprintf("%d result(s) awaiting review", len(rev.Decisions))))
		s.recorder.publish(ctx, events.ReviewCreated, tenantID, events.EntityReview, rev.ID, systemActor, rev)
	case review.QueueExtended:
		s.recorder.record(ctx, reviewEntry(rev, audit.ActionReviewExtended, systemActor, rev.State,
			fmt.Sprintf("%d result(s) awaiting review", len(rev.Decisions))))
		s.recorder.publish(ctx, events.ReviewExtended, tenantID, events.EntityReview, rev.ID, systemActor, rev)
	}
	if action != review.QueueNone {
		s.logger.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"sample_id": sampleID,
			"review_id": rev.ID,
			"action":    action,
		}).Info("Sample queued for review")
	}
	return rev, action, nil
}

func (s *ReviewService) ensureQueued(ctx context.Context, tenantID, sampleID string) (*domain.Review, review.QueueAction, error) {
	results, err := s.results.ListSampleResults(ctx, tenantID, sampleID)
	if err != nil {
		return nil, review.QueueNone, err
	}
	active, err := s.activeReview(ctx, tenantID, sampleID)
	if err != nil {
		return nil, review.QueueNone, err
	}

	sample := domain.Sample{ID: sampleID, TenantID: tenantID}
	for _, r := range results {
		sample.ResultIDs = append(sample.ResultIDs, r.ID)
	}

	rev, action, err := s.aggregator.EnsureQueued(sample, results, active)
	if err != nil {
		return nil, review.QueueNone, err
	}

	switch action {
	case review.QueueCreated:
		if err := s.reviews.CreateReview(ctx, rev); err != nil {
			return nil, review.QueueNone, err
		}
	case review.QueueExtended:
		if err := s.reviews.SaveReview(ctx, rev, nil); err != nil {
			return nil, review.QueueNone, err
		}
	}
	return rev, action, nil
}

func (s *ReviewService) activeReview(ctx context.Context, tenantID, sampleID string) (*domain.Review, error) {
	active, err := s.reviews.ActiveReviewForSample(ctx, tenantID, sampleID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return active, err
}

// Claim assigns a pending review to the reviewer
func (s *ReviewService) Claim(ctx context.Context, tenantID, reviewID string, reviewer domain.Reviewer) (*domain.Review, error) {
	return s.transition(ctx, tenantID, reviewID, reviewer, audit.ActionReviewClaimed, "",
		func(current *domain.Review) (*domain.Review, error) {
			return s.machine.Claim(current, reviewer)
		})
}

// DecideResult records the reviewer's decision on one result of the review
func (s *ReviewService) DecideResult(ctx context.Context, tenantID, reviewID, resultID string, reviewer domain.Reviewer, decision domain.Decision, comment string) (*domain.Review, error) {
	return s.transition(ctx, tenantID, reviewID, reviewer, audit.ActionDecisionRecorded,
		fmt.Sprintf("%s: %s", resultID, decision),
		func(current *domain.Review) (*domain.Review, error) {
			return s.machine.DecideResult(current, reviewer, resultID, decision, comment)
		})
}

// ApproveAll approves every undecided result of the review
func (s *ReviewService) ApproveAll(ctx context.Context, tenantID, reviewID string, reviewer domain.Reviewer, comment string) (*domain.Review, error) {
	return s.transition(ctx, tenantID, reviewID, reviewer, audit.ActionReviewCompleted, comment,
		func(current *domain.Review) (*domain.Review, error) {
			return s.machine.ApproveAll(current, reviewer, comment)
		})
}

// RejectAll rejects every undecided result of the review
func (s *ReviewService) RejectAll(ctx context.Context, tenantID, reviewID string, reviewer domain.Reviewer, comment string) (*domain.Review, error) {
	return s.transition(ctx, tenantID, reviewID, reviewer, audit.ActionReviewCompleted, comment,
		func(current *domain.Review) (*domain.Review, error) {
			return s.machine.RejectAll(current, reviewer, comment)
		})
}

// Escalate sends the review to the pathologist queue
func (s *ReviewService) Escalate(ctx context.Context, tenantID, reviewID string, reviewer domain.Reviewer, reason string) (*domain.Review, error) {
	return s.transition(ctx, tenantID, reviewID, reviewer, audit.ActionReviewEscalated, reason,
		func(current *domain.Review) (*domain.Review, error) {
			return s.machine.Escalate(current, reviewer, reason)
		})
}

// transition loads the review, applies one state machine operation and persists the review
// together with the result flips its decisions imply.
func (s *ReviewService) transition(ctx context.Context, tenantID, reviewID string, reviewer domain.Reviewer, action audit.Action, detail string, apply func(*domain.Review) (*domain.Review, error)) (*domain.Review, error) {
	unlock := s.locks.Lock(lockKey(tenantID, reviewID))
	defer unlock()

	current, err := s.reviews.GetReview(ctx, tenantID, reviewID)
	if err != nil {
		return nil, err
	}

	updated, err := apply(current)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"review_id": reviewID,
			"user_id":   reviewer.UserID,
			"action":    action,
			"error":     err,
		}).Debug("Review transition refused")
		return nil, err
	}
	if updated.Version == current.Version {
		return updated, nil
	}

	var flips []*domain.Result
	if newlyDecided(current, updated) {
		results, err := s.results.ListSampleResults(ctx, tenantID, updated.SampleID)
		if err != nil {
			return nil, err
		}
		flips = review.ResolveResults(updated, results)
	}

	if err := s.reviews.SaveReview(ctx, updated, flips); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"review_id":  reviewID,
		"user_id":    reviewer.UserID,
		"from_state": current.State,
		"to_state":   updated.State,
		"flipped":    len(flips),
	}).Info("Review transition recorded")

	s.recorder.record(ctx, reviewEntry(updated, action, reviewer, current.State, detail))
	s.publishTransition(ctx, current, updated, reviewer)
	for _, r := range flips {
		auditAction := audit.ActionResultVerified
		eventType := events.ResultVerified
		if r.VerificationStatus == domain.StatusRejected {
			auditAction = audit.ActionResultRejected
			eventType = events.ResultRejected
		}
		s.recorder.record(ctx, resultEntry(r, auditAction, reviewer, domain.StatusNeedsReview, "review "+updated.ID))
		s.recorder.publish(ctx, eventType, tenantID, events.EntityResult, r.ID, reviewer, r)
	}
	return updated, nil
}

func (s *ReviewService) publishTransition(ctx context.Context, before, after *domain.Review, reviewer domain.Reviewer) {
	var eventType string
	switch {
	case after.State.IsTerminal():
		eventType = events.ReviewCompleted
	case after.State == domain.ReviewEscalated && before.State != domain.ReviewEscalated:
		eventType = events.ReviewEscalated
	case after.State == domain.ReviewInProgress && before.State == domain.ReviewPending:
		eventType = events.ReviewClaimed
	default:
		eventType = events.ReviewDecisionRecorded
	}
	s.recorder.publish(ctx, eventType, after.TenantID, events.EntityReview, after.ID, reviewer, after)
}

// newlyDecided reports whether the transition recorded at least one decision
func newlyDecided(before, after *domain.Review) bool {
	return after.Unresolved() < before.Unresolved()
}

// GetReview returns a review with its sample's results
func (s *ReviewService) GetReview(ctx context.Context, tenantID, reviewID string) (*ReviewDetail, error) {
	rev, err := s.reviews.GetReview(ctx, tenantID, reviewID)
	if err != nil {
		return nil, err
	}
	results, err := s.results.ListSampleResults(ctx, tenantID, rev.SampleID)
	if err != nil {
		return nil, err
	}
	return &ReviewDetail{
		Review:  rev,
		Results: results,
		InQueue: review.InQueue(results, rev),
	}, nil
}

// ListQueue lists reviews visible to the reviewer, oldest first
func (s *ReviewService) ListQueue(ctx context.Context, tenantID string, reviewer domain.Reviewer, filter QueueFilter) (*QueuePage, error) {
	if filter.Skip < 0 {
		return nil, domain.NewValidationError("skip", "cannot be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultQueueLimit
	}
	if filter.Limit < 1 || filter.Limit > MaxQueueLimit {
		return nil, domain.NewValidationError("limit", fmt.Sprintf("must be between 1 and %d", MaxQueueLimit))
	}
	for _, st := range filter.States {
		if !st.IsValid() {
			return nil, domain.NewValidationError("state", fmt.Sprintf("unknown review state %q", st))
		}
	}

	repoFilter := domain.ReviewFilter{
		TenantID: tenantID,
		States:   filter.States,
		Skip:     filter.Skip,
		Limit:    filter.Limit,
	}
	if len(repoFilter.States) == 0 {
		repoFilter.States = domain.ActiveReviewStates
	}
	if filter.EscalatedOnly {
		repoFilter.States = []domain.ReviewState{domain.ReviewEscalated}
	}
	if filter.AssignedToMe {
		repoFilter.ReviewerID = reviewer.UserID
	}

	reviews, total, err := s.reviews.ListReviews(ctx, repoFilter)
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []*domain.Review{}
	}
	return &QueuePage{Reviews: reviews, Total: total, Skip: filter.Skip, Limit: filter.Limit}, nil
}

// PathologistQueue lists escalated reviews; only pathologist-capable reviewers may see it
func (s *ReviewService) PathologistQueue(ctx context.Context, tenantID string, reviewer domain.Reviewer, skip, limit int) (*QueuePage, error) {
	if !reviewer.Role.CanCompleteEscalation() {
		return nil, domain.NewAuthorizationError("the pathologist queue requires a pathologist; %s cannot view it", reviewer.Role)
	}
	return s.ListQueue(ctx, tenantID, reviewer, QueueFilter{EscalatedOnly: true, Skip: skip, Limit: limit})
}
