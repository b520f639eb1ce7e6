// Package review implements the sample review workflow: aggregation of results that failed
// auto-verification into one review per sample, and the review state machine.
//
//	pending -> in_progress -> approved | rejected | escalated
//	escalated -> approved | rejected   (pathologist-capable reviewers only)
//
// Every operation takes the current review and returns an updated copy. The input is never
// modified, so a failed operation leaves nothing half-written.
package review

import (
	"strings"
	"time"

	"github.com/lab-verification-service/internal/domain"
)

// Machine applies reviewer actions to reviews
type Machine struct {
	now func() time.Time
}

// NewMachine creates a state machine using wall-clock time
func NewMachine() *Machine {
	return &Machine{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy of the machine using now as its time source
func (m *Machine) WithClock(now func() time.Time) *Machine {
	return &Machine{now: now}
}

// Claim assigns the review to reviewer and moves it to in_progress. Claiming a review the
// reviewer already holds returns it unchanged.
func (m *Machine) Claim(review *domain.Review, reviewer domain.Reviewer) (*domain.Review, error) {
	if err := ensureMutable(review); err != nil {
		return nil, err
	}
	if err := validateReviewer(reviewer); err != nil {
		return nil, err
	}

	switch review.State {
	case domain.ReviewPending:
	case domain.ReviewInProgress:
		if review.ReviewerID == reviewer.UserID {
			return review.Clone(), nil
		}
		return nil, domain.NewStateConflictError("review %s is already claimed by %s", review.ID, review.ReviewerID)
	default:
		return nil, domain.NewStateConflictError("cannot claim review %s in state %s", review.ID, review.State)
	}

	updated := review.Clone()
	updated.State = domain.ReviewInProgress
	updated.ReviewerID = reviewer.UserID
	m.touch(updated)
	return updated, nil
}

// DecideResult records one result decision. A rejection requires a comment. The review becomes
// terminal once every decision is resolved.
func (m *Machine) DecideResult(review *domain.Review, reviewer domain.Reviewer, resultID string, decision domain.Decision, comment string) (*domain.Review, error) {
	if err := authorizeDecision(review, reviewer); err != nil {
		return nil, err
	}
	if !decision.IsValid() {
		return nil, domain.NewValidationError("decision", "must be approved or rejected")
	}
	idx := review.DecisionFor(resultID)
	if idx < 0 {
		return nil, domain.NewNotFoundError("result %s is not part of review %s", resultID, review.ID)
	}
	if review.Decisions[idx].Resolved() {
		return nil, domain.NewImmutabilityError("result %s was already %s", resultID, review.Decisions[idx].Decision)
	}
	comment = strings.TrimSpace(comment)
	if decision == domain.DecisionRejected && comment == "" {
		return nil, domain.NewValidationError("comment", "is required when rejecting a result")
	}

	now := m.now()
	updated := review.Clone()
	updated.Decisions[idx] = decide(resultID, decision, comment, reviewer.UserID, now)
	if decision == domain.DecisionRejected && updated.Comment == "" {
		updated.Comment = comment
	}
	m.record(updated, reviewer, now)
	return updated, nil
}

// ApproveAll approves every unresolved result and completes the review.
func (m *Machine) ApproveAll(review *domain.Review, reviewer domain.Reviewer, comment string) (*domain.Review, error) {
	if err := authorizeDecision(review, reviewer); err != nil {
		return nil, err
	}
	return m.resolveRemaining(review, reviewer, domain.DecisionApproved, strings.TrimSpace(comment)), nil
}

// RejectAll rejects every unresolved result and completes the review. The comment is mandatory.
func (m *Machine) RejectAll(review *domain.Review, reviewer domain.Reviewer, comment string) (*domain.Review, error) {
	if err := authorizeDecision(review, reviewer); err != nil {
		return nil, err
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, domain.NewValidationError("comment", "is required when rejecting a sample")
	}
	return m.resolveRemaining(review, reviewer, domain.DecisionRejected, comment), nil
}

// Escalate hands an in-progress review to the pathologist queue. Only the technician working
// the review may escalate, and a reason is mandatory. No decision is resolved.
func (m *Machine) Escalate(review *domain.Review, reviewer domain.Reviewer, reason string) (*domain.Review, error) {
	if err := ensureMutable(review); err != nil {
		return nil, err
	}
	if review.State != domain.ReviewInProgress {
		return nil, domain.NewStateConflictError("cannot escalate review %s in state %s", review.ID, review.State)
	}
	if reviewer.Role != domain.RoleTechnician {
		return nil, domain.NewAuthorizationError("only a technician may escalate; %s cannot", reviewer.Role)
	}
	if reviewer.UserID != review.ReviewerID {
		return nil, domain.NewAuthorizationError("review %s is assigned to %s", review.ID, review.ReviewerID)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.NewValidationError("reason", "is required when escalating")
	}

	now := m.now()
	updated := review.Clone()
	updated.State = domain.ReviewEscalated
	updated.EscalationReason = reason
	updated.EscalatedBy = reviewer.UserID
	if updated.SubmittedAt == nil {
		updated.SubmittedAt = &now
	}
	updated.UpdatedAt = now
	updated.Version++
	return updated, nil
}

func (m *Machine) resolveRemaining(review *domain.Review, reviewer domain.Reviewer, decision domain.Decision, comment string) *domain.Review {
	now := m.now()
	updated := review.Clone()
	for i, d := range updated.Decisions {
		if !d.Resolved() {
			updated.Decisions[i] = decide(d.ResultID, decision, comment, reviewer.UserID, now)
		}
	}
	if comment != "" {
		updated.Comment = comment
	}
	m.record(updated, reviewer, now)
	return updated
}

// record stamps a decision-bearing change and completes the review when nothing is left open.
func (m *Machine) record(review *domain.Review, reviewer domain.Reviewer, now time.Time) {
	if review.State == domain.ReviewEscalated {
		review.ReviewerID = reviewer.UserID
	}
	if review.SubmittedAt == nil {
		review.SubmittedAt = &now
	}
	if review.Unresolved() == 0 {
		complete(review, now)
	}
	review.UpdatedAt = now
	review.Version++
}

func (m *Machine) touch(review *domain.Review) {
	review.UpdatedAt = m.now()
	review.Version++
}

func complete(review *domain.Review, now time.Time) {
	var approved, rejected int
	for _, d := range review.Decisions {
		switch d.Decision {
		case domain.DecisionApproved:
			approved++
		case domain.DecisionRejected:
			rejected++
		}
	}

	switch {
	case rejected == 0:
		review.State = domain.ReviewApproved
		review.Decision = domain.DecisionApproveAll
	case approved == 0:
		review.State = domain.ReviewRejected
		review.Decision = domain.DecisionRejectAll
	default:
		// Mixed outcomes release the approved results, so the sample counts as approved.
		review.State = domain.ReviewApproved
		review.Decision = domain.DecisionPartial
	}
	review.CompletedAt = &now
}

func decide(resultID string, decision domain.Decision, comment, userID string, now time.Time) domain.ResultDecision {
	at := now
	return domain.ResultDecision{
		ResultID:  resultID,
		Decision:  decision,
		Comment:   comment,
		DecidedBy: userID,
		DecidedAt: &at,
	}
}

func ensureMutable(review *domain.Review) error {
	if review == nil {
		return domain.NewNotFoundError("review not found")
	}
	if review.State.IsTerminal() {
		return domain.NewImmutabilityError("review %s is %s and locked", review.ID, review.State)
	}
	return nil
}

func validateReviewer(reviewer domain.Reviewer) error {
	if reviewer.UserID == "" {
		return domain.NewValidationError("reviewer", "user id is required")
	}
	if !reviewer.Role.CanReview() {
		return domain.NewAuthorizationError("role %q may not review results", reviewer.Role)
	}
	return nil
}

// authorizeDecision gates the decision-bearing actions. The assigned reviewer or a
// pathologist-capable reviewer may act on an in-progress review; only pathologist-capable
// reviewers may act on an escalated one, which leaves the escalating technician read-only.
func authorizeDecision(review *domain.Review, reviewer domain.Reviewer) error {
	if err := ensureMutable(review); err != nil {
		return err
	}
	if err := validateReviewer(reviewer); err != nil {
		return err
	}

	switch review.State {
	case domain.ReviewPending:
		return domain.NewStateConflictError("review %s must be claimed before deciding", review.ID)
	case domain.ReviewInProgress:
		if reviewer.UserID != review.ReviewerID && !reviewer.Role.CanCompleteEscalation() {
			return domain.NewAuthorizationError("review %s is assigned to %s", review.ID, review.ReviewerID)
		}
	case domain.ReviewEscalated:
		if !reviewer.Role.CanCompleteEscalation() {
			return domain.NewAuthorizationError("escalated review %s requires a pathologist", review.ID)
		}
	default:
		return domain.NewStateConflictError("review %s is in unknown state %s", review.ID, review.State)
	}
	return nil
}

// ResolveResults returns copies of the results whose status follows from the review's
// recorded decisions: approved results become verified/manual and rejected results become
// rejected. Results already verified or rejected are left out.
func ResolveResults(review *domain.Review, results []*domain.Result) []*domain.Result {
	byID := make(map[string]*domain.Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	var out []*domain.Result
	for _, d := range review.Decisions {
		if !d.Resolved() {
			continue
		}
		r, ok := byID[d.ResultID]
		if !ok || r.VerificationStatus.IsTerminal() {
			continue
		}

		var at time.Time
		if d.DecidedAt != nil {
			at = *d.DecidedAt
		}

		updated := r.Clone()
		updated.VerificationMethod = domain.MethodManual
		switch d.Decision {
		case domain.DecisionApproved:
			updated.VerificationStatus = domain.StatusVerified
			updated.VerifiedAt = &at
		case domain.DecisionRejected:
			updated.VerificationStatus = domain.StatusRejected
			updated.VerifiedAt = nil
		}
		updated.UpdatedAt = at
		out = append(out, updated)
	}
	return out
}
