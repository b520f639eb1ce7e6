package review

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-verification-service/internal/domain"
)

var (
	tech      = domain.Reviewer{UserID: "tech-1", Role: domain.RoleTechnician}
	otherTech = domain.Reviewer{UserID: "tech-2", Role: domain.RoleTechnician}
	patho     = domain.Reviewer{UserID: "path-1", Role: domain.RolePathologist}
)

func newTestMachine() *Machine {
	return NewMachine().WithClock(func() time.Time { return testNow })
}

func pendingReview(resultIDs ...string) *domain.Review {
	r := &domain.Review{
		ID:        "review-1",
		TenantID:  "tenant-1",
		SampleID:  "sample-1",
		State:     domain.ReviewPending,
		CreatedAt: testNow.Add(-time.Hour),
		Version:   1,
	}
	for _, id := range resultIDs {
		r.Decisions = append(r.Decisions, domain.ResultDecision{ResultID: id})
	}
	return r
}

func claimed(t *testing.T, m *Machine, resultIDs ...string) *domain.Review {
	t.Helper()
	r, err := m.Claim(pendingReview(resultIDs...), tech)
	require.NoError(t, err)
	return r
}

func TestClaim(t *testing.T) {
	m := newTestMachine()
	review := pendingReview("res-1")

	updated, err := m.Claim(review, tech)
	require.NoError(t, err)

	assert.Equal(t, domain.ReviewInProgress, updated.State)
	assert.Equal(t, "tech-1", updated.ReviewerID)
	assert.Nil(t, updated.SubmittedAt)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, domain.ReviewPending, review.State, "input review is not modified")

	t.Run("same reviewer reclaim is a no-op", func(t *testing.T) {
		again, err := m.Claim(updated, tech)
		require.NoError(t, err)
		assert.Equal(t, updated.Version, again.Version)
	})

	t.Run("another reviewer cannot take it", func(t *testing.T) {
		_, err := m.Claim(updated, otherTech)
		assert.ErrorIs(t, err, domain.ErrStateConflict)
	})

	t.Run("non reviewer role", func(t *testing.T) {
		_, err := m.Claim(pendingReview("res-1"), domain.Reviewer{UserID: "u", Role: domain.Role("viewer")})
		assert.ErrorIs(t, err, domain.ErrAuthorization)
	})
}

func TestDecideResultPerResultPath(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1", "res-2")

	partial, err := m.DecideResult(review, tech, "res-1", domain.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewInProgress, partial.State, "partially decided review stays in progress")
	assert.Empty(t, partial.Decision)
	require.NotNil(t, partial.SubmittedAt)
	assert.Nil(t, partial.CompletedAt)

	done, err := m.DecideResult(partial, tech, "res-2", domain.DecisionRejected, "clotted specimen")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewApproved, done.State)
	assert.Equal(t, domain.DecisionPartial, done.Decision)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "tech-1", done.Decisions[1].DecidedBy)
	assert.Equal(t, "clotted specimen", done.Decisions[1].Comment)
}

func TestDecideResultTerminalOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		decision domain.Decision
		state    domain.ReviewState
		overall  domain.OverallDecision
	}{
		{"all approved", domain.DecisionApproved, domain.ReviewApproved, domain.DecisionApproveAll},
		{"all rejected", domain.DecisionRejected, domain.ReviewRejected, domain.DecisionRejectAll},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			review := claimed(t, m, "res-1", "res-2")
			var err error
			for _, id := range []string{"res-1", "res-2"} {
				review, err = m.DecideResult(review, tech, id, tt.decision, "checked")
				require.NoError(t, err)
			}
			assert.Equal(t, tt.state, review.State)
			assert.Equal(t, tt.overall, review.Decision)
		})
	}
}

func TestDecideResultImmutability(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1", "res-2")

	decided, err := m.DecideResult(review, tech, "res-1", domain.DecisionApproved, "")
	require.NoError(t, err)

	_, err = m.DecideResult(decided, tech, "res-1", domain.DecisionRejected, "changed my mind")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrImmutability)
	assert.Equal(t, domain.DecisionApproved, decided.Decisions[0].Decision, "first decision is unchanged")

	_, err = m.DecideResult(decided, tech, "res-1", domain.DecisionApproved, "")
	assert.ErrorIs(t, err, domain.ErrImmutability, "re-submitting the same decision is also rejected")
}

func TestMandatoryComment(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1")

	_, err := m.DecideResult(review, tech, "res-1", domain.DecisionRejected, "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.RejectAll(review, tech, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, domain.ReviewInProgress, review.State)
	assert.False(t, review.Decisions[0].Resolved())
}

func TestDecideResultValidation(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1")

	_, err := m.DecideResult(review, tech, "res-1", domain.Decision("maybe"), "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.DecideResult(review, tech, "res-404", domain.DecisionApproved, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = m.DecideResult(pendingReview("res-1"), tech, "res-1", domain.DecisionApproved, "")
	assert.ErrorIs(t, err, domain.ErrStateConflict, "unclaimed review")

	_, err = m.DecideResult(review, otherTech, "res-1", domain.DecisionApproved, "")
	assert.ErrorIs(t, err, domain.ErrAuthorization, "review assigned to someone else")
}

func TestApproveAll(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1", "res-2")

	approved, err := m.ApproveAll(review, tech, "")
	require.NoError(t, err)

	assert.Equal(t, domain.ReviewApproved, approved.State)
	assert.Equal(t, domain.DecisionApproveAll, approved.Decision)
	for _, d := range approved.Decisions {
		assert.Equal(t, domain.DecisionApproved, d.Decision)
		require.NotNil(t, d.DecidedAt)
		assert.Equal(t, testNow, *d.DecidedAt)
	}
	assert.Equal(t, testNow, *approved.CompletedAt)
}

func TestApproveAllAfterRejectionIsPartial(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1", "res-2")

	review, err := m.DecideResult(review, tech, "res-1", domain.DecisionRejected, "hemolyzed")
	require.NoError(t, err)
	review, err = m.ApproveAll(review, tech, "rest is fine")
	require.NoError(t, err)

	assert.Equal(t, domain.ReviewApproved, review.State)
	assert.Equal(t, domain.DecisionPartial, review.Decision)
	assert.Equal(t, domain.DecisionRejected, review.Decisions[0].Decision)
	assert.Equal(t, "hemolyzed", review.Decisions[0].Comment)
}

func TestRejectAll(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1", "res-2")

	rejected, err := m.RejectAll(review, tech, "sample contaminated")
	require.NoError(t, err)

	assert.Equal(t, domain.ReviewRejected, rejected.State)
	assert.Equal(t, domain.DecisionRejectAll, rejected.Decision)
	assert.Equal(t, "sample contaminated", rejected.Comment)
	for _, d := range rejected.Decisions {
		assert.Equal(t, domain.DecisionRejected, d.Decision)
	}
}

func TestEscalationScenario(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1")

	escalated, err := m.Escalate(review, tech, "complex case")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewEscalated, escalated.State)
	assert.Equal(t, "complex case", escalated.EscalationReason)
	assert.Equal(t, "tech-1", escalated.EscalatedBy)
	assert.False(t, escalated.Decisions[0].Resolved(), "escalation resolves nothing")

	_, err = m.ApproveAll(escalated, tech, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	_, err = m.DecideResult(escalated, tech, "res-1", domain.DecisionApproved, "")
	assert.ErrorIs(t, err, domain.ErrAuthorization, "escalating technician is read-only")

	approved, err := m.ApproveAll(escalated, patho, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewApproved, approved.State)
	assert.Equal(t, "path-1", approved.ReviewerID)
	assert.Equal(t, "tech-1", approved.EscalatedBy)
}

func TestEscalateGuards(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1")

	_, err := m.Escalate(review, tech, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.Escalate(review, patho, "needs second look")
	assert.ErrorIs(t, err, domain.ErrAuthorization, "pathologist cannot escalate")

	_, err = m.Escalate(review, otherTech, "not mine")
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	_, err = m.Escalate(pendingReview("res-1"), tech, "unclaimed")
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	escalated, err := m.Escalate(review, tech, "complex case")
	require.NoError(t, err)
	_, err = m.Escalate(escalated, tech, "again")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestPathologistRejectsEscalatedReview(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1")
	escalated, err := m.Escalate(review, tech, "atypical cells")
	require.NoError(t, err)

	_, err = m.RejectAll(escalated, tech, "no")
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	rejected, err := m.RejectAll(escalated, patho, "recollect specimen")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewRejected, rejected.State)
}

func TestTerminalLock(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1", "res-2")
	done, err := m.ApproveAll(review, tech, "")
	require.NoError(t, err)
	snapshot := done.Clone()

	_, err = m.DecideResult(done, tech, "res-1", domain.DecisionRejected, "late")
	assert.ErrorIs(t, err, domain.ErrImmutability)
	_, err = m.ApproveAll(done, patho, "")
	assert.ErrorIs(t, err, domain.ErrImmutability)
	_, err = m.RejectAll(done, patho, "late")
	assert.ErrorIs(t, err, domain.ErrImmutability)
	_, err = m.Escalate(done, tech, "late")
	assert.ErrorIs(t, err, domain.ErrImmutability)
	_, err = m.Claim(done, tech)
	assert.ErrorIs(t, err, domain.ErrImmutability)

	assert.Equal(t, snapshot, done)
}

func TestPathologistMayActOnInProgressReview(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1")

	approved, err := m.DecideResult(review, patho, "res-1", domain.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewApproved, approved.State)
	assert.Equal(t, "tech-1", approved.ReviewerID)
}

func TestResolveResults(t *testing.T) {
	m := newTestMachine()
	review := claimed(t, m, "res-1", "res-2")
	review, err := m.DecideResult(review, tech, "res-2", domain.DecisionRejected, "hemolyzed")
	require.NoError(t, err)

	results := []*domain.Result{
		sampleResult("res-1", domain.StatusNeedsReview),
		sampleResult("res-2", domain.StatusNeedsReview),
		sampleResult("res-3", domain.StatusVerified),
	}

	updates := ResolveResults(review, results)
	require.Len(t, updates, 1)
	assert.Equal(t, "res-2", updates[0].ID)
	assert.Equal(t, domain.StatusRejected, updates[0].VerificationStatus)
	assert.Equal(t, domain.MethodManual, updates[0].VerificationMethod)
	assert.Nil(t, updates[0].VerifiedAt)

	review, err = m.ApproveAll(review, tech, "")
	require.NoError(t, err)
	results[1] = updates[0]

	updates = ResolveResults(review, results)
	require.Len(t, updates, 1)
	assert.Equal(t, "res-1", updates[0].ID)
	assert.Equal(t, domain.StatusVerified, updates[0].VerificationStatus)
	assert.Equal(t, domain.MethodManual, updates[0].VerificationMethod)
	require.NotNil(t, updates[0].VerifiedAt)
	assert.Equal(t, testNow, *updates[0].VerifiedAt)
	assert.Equal(t, domain.StatusNeedsReview, results[0].VerificationStatus, "inputs are not modified")
}
