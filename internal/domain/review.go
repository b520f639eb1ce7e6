package domain

import (
	"strings"
	"time"
)

// ReviewState is the lifecycle state of a sample review
type ReviewState string

const (
	ReviewPending    ReviewState = "pending"
	ReviewInProgress ReviewState = "in_progress"
	ReviewApproved   ReviewState = "approved"
	ReviewRejected   ReviewState = "rejected"
	ReviewEscalated  ReviewState = "escalated"
)

// ActiveReviewStates are the non-terminal states. At most one review per sample may be in one of them.
var ActiveReviewStates = []ReviewState{ReviewPending, ReviewInProgress, ReviewEscalated}

// IsValid reports whether the state is one of the known values
func (s ReviewState) IsValid() bool {
	switch s {
	case ReviewPending, ReviewInProgress, ReviewApproved, ReviewRejected, ReviewEscalated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the review is locked
func (s ReviewState) IsTerminal() bool {
	return s == ReviewApproved || s == ReviewRejected
}

// IsActive reports whether the review still occupies the sample's queue slot
func (s ReviewState) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// OverallDecision summarizes a completed review
type OverallDecision string

const (
	DecisionApproveAll OverallDecision = "approve_all"
	DecisionRejectAll  OverallDecision = "reject_all"
	DecisionPartial    OverallDecision = "partial"
)

// Decision is a reviewer's verdict on one result. The zero value is an undecided placeholder.
type Decision string

const (
	DecisionUndecided Decision = ""
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
)

// IsValid reports whether d is a recordable decision
func (d Decision) IsValid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ResultDecision is the per-result entry of a review. Immutable once Decision is set.
type ResultDecision struct {
	ResultID  string     `json:"result_id"`
	Decision  Decision   `json:"decision,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// Resolved reports whether a decision has been recorded
func (d ResultDecision) Resolved() bool {
	return d.Decision != DecisionUndecided
}

// Review is the sample-level decision record for results that need manual review
type Review struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	SampleID         string           `json:"sample_id"`
	ReviewerID       string           `json:"reviewer_id,omitempty"`
	State            ReviewState      `json:"state"`
	Decision         OverallDecision  `json:"decision,omitempty"`
	Comment          string           `json:"comment,omitempty"`
	EscalationReason string           `json:"escalation_reason,omitempty"`
	EscalatedBy      string           `json:"escalated_by,omitempty"`
	Decisions        []ResultDecision `json:"result_decisions"`
	CreatedAt        time.Time        `json:"created_at"`
	SubmittedAt      *time.Time       `json:"submitted_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Version          int              `json:"version"`
}

// DecisionFor returns the index of the decision entry for resultID, or -1
func (r *Review) DecisionFor(resultID string) int {
	for i, d := range r.Decisions {
		if d.ResultID == resultID {
			return i
		}
	}
	return -1
}

// Unresolved returns the number of placeholders still awaiting a decision
func (r *Review) Unresolved() int {
	n := 0
	for _, d := range r.Decisions {
		if !d.Resolved() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the review
func (r *Review) Clone() *Review {
	if r == nil {
		return nil
	}
	c := *r
	c.SubmittedAt = cloneTime(r.SubmittedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	if r.Decisions != nil {
		c.Decisions = make([]ResultDecision, len(r.Decisions))
		for i, d := range r.Decisions {
			d.DecidedAt = cloneTime(d.DecidedAt)
			c.Decisions[i] = d
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Role is the reviewer role supplied by the authorization collaborator
type Role string

const (
	RoleTechnician  Role = "technician"
	RolePathologist Role = "pathologist"
	RoleAdmin       Role = "admin"
)

// ParseRole maps external role names onto known roles. "reviewer" is a technician and
// "administrator" an admin. Unknown names are returned lower-cased and fail CanReview.
func ParseRole(name string) Role {
	switch r := strings.ToLower(strings.TrimSpace(name)); r {
	case "technician", "reviewer", "tech":
		return RoleTechnician
	case "pathologist":
		return RolePathologist
	case "admin", "administrator":
		return RoleAdmin
	default:
		return Role(r)
	}
}

// CanReview reports whether the role may claim and work reviews
func (r Role) CanReview() bool {
	return r == RoleTechnician || r == RolePathologist || r == RoleAdmin
}

// CanCompleteEscalation reports whether the role is pathologist-capable
func (r Role) CanCompleteEscalation() bool {
	return r == RolePathologist || r == RoleAdmin
}

// Reviewer is the actor performing a review action
type Reviewer struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// ReviewFilter selects reviews for queue listings
type ReviewFilter struct {
	TenantID   string
	States     []ReviewState
	ReviewerID string
	Skip       int
	Limit      int
}
