package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lab-verification-service/internal/database"
	"github.com/lab-verification-service/internal/domain"
)

// generateTestPassword creates a random password for test databases
func generateTestPassword() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(bytes)
}

func setupTestDB(t *testing.T) (*database.DB, func()) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	testPassword := generateTestPassword()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	config := database.Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    testPassword,
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: time.Minute * 30,
		SSLMode:     "disable",
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := database.NewConnection(ctx, config, logger)
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}

	if err := database.Migrate(ctx, config.URL(), "", logger); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}
	return db, cleanup
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

var collectedAt = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

func newResult(id, sample string, status domain.VerificationStatus, at time.Time) *domain.Result {
	return &domain.Result{
		ID:                 id,
		TenantID:           "tenant-1",
		SampleID:           sample,
		PatientID:          "patient-1",
		TestCode:           "NA",
		Value:              "140",
		Unit:               "mmol/L",
		Flags:              []string{"H"},
		CollectedAt:        at,
		VerificationStatus: status,
		VerificationMethod: domain.MethodNone,
	}
}

func TestPostgresRepositories(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	logger := testLogger()
	results := NewResultRepository(db.Pool, logger)
	settings := NewSettingsRepository(db.Pool, logger)
	rules := NewRuleRepository(db.Pool, logger)
	reviews := NewReviewRepository(db.Pool, logger)

	t.Run("results round trip and guarded verdict", func(t *testing.T) {
		r := newResult("res-1", "sample-1", domain.StatusPending, collectedAt)
		require.NoError(t, results.CreateResult(ctx, r))

		r.VerificationStatus = domain.StatusNeedsReview
		r.RuleFailures = []domain.RuleFailure{{Rule: domain.RuleReferenceRange, Outcome: domain.OutcomeFail, Reason: "above range"}}
		require.NoError(t, results.SaveVerdict(ctx, r))

		got, err := results.GetResult(ctx, "tenant-1", "res-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusNeedsReview, got.VerificationStatus)
		assert.Equal(t, []string{"H"}, got.Flags)
		require.Len(t, got.RuleFailures, 1)
		assert.Equal(t, "above range", got.RuleFailures[0].Reason)

		now := collectedAt.Add(time.Hour)
		flipped := r.Clone()
		flipped.VerificationStatus = domain.StatusVerified
		flipped.VerificationMethod = domain.MethodAuto
		flipped.VerifiedAt = &now
		flipped.RuleFailures = nil
		assert.ErrorIs(t, results.SaveVerdict(ctx, flipped), domain.ErrImmutability, "a result awaiting review keeps its verdict")

		got, err = results.GetResult(ctx, "tenant-1", "res-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusNeedsReview, got.VerificationStatus)

		auto := newResult("res-auto", "sample-1", domain.StatusPending, collectedAt)
		require.NoError(t, results.CreateResult(ctx, auto))
		auto.VerificationStatus = domain.StatusVerified
		auto.VerificationMethod = domain.MethodAuto
		auto.VerifiedAt = &now
		require.NoError(t, results.SaveVerdict(ctx, auto))

		auto.VerificationStatus = domain.StatusNeedsReview
		assert.ErrorIs(t, results.SaveVerdict(ctx, auto), domain.ErrImmutability)

		_, err = results.GetResult(ctx, "tenant-2", "res-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("previous verified result", func(t *testing.T) {
		prev, err := results.PreviousVerified(ctx, "tenant-1", "patient-1", "NA", collectedAt.Add(48*time.Hour), 30)
		require.NoError(t, err)
		assert.Equal(t, "res-auto", prev.ID)

		_, err = results.PreviousVerified(ctx, "tenant-1", "patient-1", "NA", collectedAt, 30)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("settings crud", func(t *testing.T) {
		s := &domain.AutoVerificationSettings{
			TenantID:          "tenant-1",
			TestCode:          "NA",
			ReferenceLow:      domain.Float(135),
			ReferenceHigh:     domain.Float(145),
			BlockedFlags:      []string{"C"},
			DeltaLookbackDays: 30,
		}
		require.NoError(t, settings.CreateSettings(ctx, s))
		assert.ErrorIs(t, settings.CreateSettings(ctx, s.Clone()), domain.ErrStateConflict)

		s.CriticalHigh = domain.Float(160)
		require.NoError(t, settings.UpdateSettings(ctx, s))

		got, err := settings.GetSettings(ctx, "tenant-1", "NA")
		require.NoError(t, err)
		assert.Nil(t, got.CriticalLow)
		assert.Equal(t, 160.0, *got.CriticalHigh)
		assert.Equal(t, []string{"C"}, got.BlockedFlags)

		require.NoError(t, settings.DeleteSettings(ctx, "tenant-1", "NA"))
		_, err = settings.GetSettings(ctx, "tenant-1", "NA")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("rule upsert", func(t *testing.T) {
		require.NoError(t, rules.UpsertRule(ctx, &domain.VerificationRule{TenantID: "tenant-1", RuleType: domain.RuleDeltaCheck, Enabled: true, Priority: 4}))
		require.NoError(t, rules.UpsertRule(ctx, &domain.VerificationRule{TenantID: "tenant-1", RuleType: domain.RuleReferenceRange, Enabled: true, Priority: 1}))
		require.NoError(t, rules.UpsertRule(ctx, &domain.VerificationRule{TenantID: "tenant-1", RuleType: domain.RuleDeltaCheck, Enabled: false, Priority: 4}))

		list, err := rules.ListRules(ctx, "tenant-1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, domain.RuleReferenceRange, list[0].RuleType)
		assert.False(t, list[1].Enabled)
	})

	t.Run("one active review per sample", func(t *testing.T) {
		require.NoError(t, results.CreateResult(ctx, newResult("res-2", "sample-2", domain.StatusNeedsReview, collectedAt)))

		var wg sync.WaitGroup
		errs := make([]error, 5)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = reviews.CreateReview(ctx, &domain.Review{
					ID:        "rev-race-" + string(rune('a'+i)),
					TenantID:  "tenant-1",
					SampleID:  "sample-2",
					State:     domain.ReviewPending,
					Decisions: []domain.ResultDecision{{ResultID: "res-2"}},
					CreatedAt: collectedAt,
					UpdatedAt: collectedAt,
					Version:   1,
				})
			}(i)
		}
		wg.Wait()

		created := 0
		for _, err := range errs {
			if err == nil {
				created++
				continue
			}
			assert.ErrorIs(t, err, domain.ErrActiveReviewExists)
		}
		assert.Equal(t, 1, created)
	})

	t.Run("save review with result flips", func(t *testing.T) {
		active, err := reviews.ActiveReviewForSample(ctx, "tenant-1", "sample-2")
		require.NoError(t, err)
		require.Len(t, active.Decisions, 1)

		stale := active.Clone()
		stale.Version += 2
		assert.ErrorIs(t, reviews.SaveReview(ctx, stale, nil), domain.ErrConcurrentModification)

		decided := collectedAt.Add(2 * time.Hour)
		active.State = domain.ReviewApproved
		active.Decision = domain.DecisionApproveAll
		active.ReviewerID = "tech-1"
		active.CompletedAt = &decided
		active.Decisions[0].Decision = domain.DecisionApproved
		active.Decisions[0].DecidedBy = "tech-1"
		active.Decisions[0].DecidedAt = &decided
		active.Version++

		flip := newResult("res-2", "sample-2", domain.StatusVerified, collectedAt)
		flip.VerificationMethod = domain.MethodManual
		flip.VerifiedAt = &decided
		require.NoError(t, reviews.SaveReview(ctx, active, []*domain.Result{flip}))

		stored, err := results.GetResult(ctx, "tenant-1", "res-2")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusVerified, stored.VerificationStatus)
		assert.Equal(t, domain.MethodManual, stored.VerificationMethod)

		got, err := reviews.GetReview(ctx, "tenant-1", active.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ReviewApproved, got.State)
		assert.Equal(t, domain.DecisionApproved, got.Decisions[0].Decision)

		locked := got.Clone()
		locked.Version++
		assert.ErrorIs(t, reviews.SaveReview(ctx, locked, nil), domain.ErrImmutability)

		list, total, err := reviews.ListReviews(ctx, domain.ReviewFilter{TenantID: "tenant-1", States: []domain.ReviewState{domain.ReviewApproved}, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Len(t, list, 1)
	})
}
