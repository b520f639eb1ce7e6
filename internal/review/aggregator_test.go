package review

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-verification-service/internal/domain"
)

var testNow = time.Date(2026, 5, 2, 14, 0, 0, 0, time.UTC)

func newTestAggregator() *Aggregator {
	n := 0
	return &Aggregator{
		now: func() time.Time { return testNow },
		newID: func() string {
			n++
			return fmt.Sprintf("review-%d", n)
		},
	}
}

func sampleResult(id string, status domain.VerificationStatus) *domain.Result {
	return &domain.Result{
		ID:                 id,
		TenantID:           "tenant-1",
		SampleID:           "sample-1",
		TestCode:           "GLU",
		Value:              "90",
		VerificationStatus: status,
	}
}

var testSample = domain.Sample{ID: "sample-1", TenantID: "tenant-1"}

func TestEnsureQueuedCreatesOneReviewWithPlaceholders(t *testing.T) {
	agg := newTestAggregator()
	results := []*domain.Result{
		sampleResult("res-1", domain.StatusVerified),
		sampleResult("res-2", domain.StatusNeedsReview),
		sampleResult("res-3", domain.StatusVerified),
	}

	review, action, err := agg.EnsureQueued(testSample, results, nil)
	require.NoError(t, err)
	require.NotNil(t, review)

	assert.Equal(t, QueueCreated, action)
	assert.Equal(t, domain.ReviewPending, review.State)
	assert.Equal(t, "sample-1", review.SampleID)
	assert.Equal(t, "tenant-1", review.TenantID)
	assert.Equal(t, testNow, review.CreatedAt)
	assert.Nil(t, review.SubmittedAt)
	require.Len(t, review.Decisions, 1)
	assert.Equal(t, "res-2", review.Decisions[0].ResultID)
	assert.False(t, review.Decisions[0].Resolved())
}

func TestEnsureQueuedNotEligible(t *testing.T) {
	agg := newTestAggregator()
	results := []*domain.Result{
		sampleResult("res-1", domain.StatusVerified),
		sampleResult("res-2", domain.StatusPending),
	}

	review, action, err := agg.EnsureQueued(testSample, results, nil)
	require.NoError(t, err)
	assert.Nil(t, review)
	assert.Equal(t, QueueNone, action)
	assert.False(t, QueueEligible(results))
	assert.False(t, InQueue(results, nil))
}

func TestEnsureQueuedReusesActiveReview(t *testing.T) {
	agg := newTestAggregator()
	results := []*domain.Result{sampleResult("res-1", domain.StatusNeedsReview)}

	first, _, err := agg.EnsureQueued(testSample, results, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, action, err := agg.EnsureQueued(testSample, results, first)
		require.NoError(t, err)
		assert.Equal(t, QueueReused, action)
		assert.Same(t, first, again)
	}
}

func TestEnsureQueuedExtendsActiveReview(t *testing.T) {
	agg := newTestAggregator()
	first, _, err := agg.EnsureQueued(testSample, []*domain.Result{
		sampleResult("res-1", domain.StatusNeedsReview),
	}, nil)
	require.NoError(t, err)

	results := []*domain.Result{
		sampleResult("res-1", domain.StatusNeedsReview),
		sampleResult("res-2", domain.StatusNeedsReview),
		sampleResult("res-3", domain.StatusVerified),
	}
	extended, action, err := agg.EnsureQueued(testSample, results, first)
	require.NoError(t, err)

	assert.Equal(t, QueueExtended, action)
	assert.Equal(t, first.ID, extended.ID)
	assert.Equal(t, first.Version+1, extended.Version)
	require.Len(t, extended.Decisions, 2)
	assert.Equal(t, "res-2", extended.Decisions[1].ResultID)
	assert.Len(t, first.Decisions, 1, "active review passed in is not modified")
}

// Overlapping calls on one sample never produce a second active review.
func TestEnsureQueuedAtMostOneActiveReview(t *testing.T) {
	agg := newTestAggregator()
	var active *domain.Review
	created := 0

	batches := [][]*domain.Result{
		{sampleResult("res-1", domain.StatusNeedsReview)},
		{sampleResult("res-1", domain.StatusNeedsReview), sampleResult("res-2", domain.StatusNeedsReview)},
		{sampleResult("res-2", domain.StatusNeedsReview)},
		{sampleResult("res-3", domain.StatusVerified)},
	}
	for _, results := range batches {
		review, action, err := agg.EnsureQueued(testSample, results, active)
		require.NoError(t, err)
		if action == QueueCreated {
			created++
		}
		if review != nil {
			active = review
		}
	}

	assert.Equal(t, 1, created)
	assert.Len(t, active.Decisions, 2)
}

func TestEnsureQueuedValidation(t *testing.T) {
	agg := newTestAggregator()

	_, _, err := agg.EnsureQueued(domain.Sample{}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	foreign := sampleResult("res-9", domain.StatusNeedsReview)
	foreign.SampleID = "sample-2"
	_, _, err = agg.EnsureQueued(testSample, []*domain.Result{foreign}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "result res-9 does not belong to sample sample-1")

	terminal := &domain.Review{ID: "r-old", State: domain.ReviewApproved}
	_, _, err = agg.EnsureQueued(testSample, []*domain.Result{sampleResult("res-1", domain.StatusNeedsReview)}, terminal)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestInQueueDerivation(t *testing.T) {
	needs := []*domain.Result{sampleResult("res-1", domain.StatusNeedsReview)}
	resolved := []*domain.Result{sampleResult("res-1", domain.StatusVerified)}

	assert.True(t, InQueue(needs, nil))
	assert.True(t, InQueue(needs, &domain.Review{State: domain.ReviewEscalated}))
	assert.False(t, InQueue(resolved, &domain.Review{State: domain.ReviewApproved}))
	assert.False(t, InQueue(resolved, nil))
}
