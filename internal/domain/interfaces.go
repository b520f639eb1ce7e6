package domain

import (
	"context"
	"time"
)

// ResultRepository stores results and the verification metadata this service owns
type ResultRepository interface {
	CreateResult(ctx context.Context, result *Result) error
	GetResult(ctx context.Context, tenantID, resultID string) (*Result, error)
	ListSampleResults(ctx context.Context, tenantID, sampleID string) ([]*Result, error)
	// SaveVerdict writes verification fields only. It must refuse to touch a result that is
	// already verified or rejected and return ErrImmutability in that case.
	SaveVerdict(ctx context.Context, result *Result) error
	// PreviousVerified returns the most recent verified result for the patient and test code
	// collected before `before` and within `withinDays`, or ErrNotFound.
	PreviousVerified(ctx context.Context, tenantID, patientID, testCode string, before time.Time, withinDays int) (*Result, error)
}

// SettingsRepository stores auto-verification settings
type SettingsRepository interface {
	GetSettings(ctx context.Context, tenantID, testCode string) (*AutoVerificationSettings, error)
	ListSettings(ctx context.Context, tenantID string) ([]*AutoVerificationSettings, error)
	CreateSettings(ctx context.Context, settings *AutoVerificationSettings) error
	UpdateSettings(ctx context.Context, settings *AutoVerificationSettings) error
	DeleteSettings(ctx context.Context, tenantID, testCode string) error
}

// RuleRepository stores per-tenant rule toggles
type RuleRepository interface {
	ListRules(ctx context.Context, tenantID string) ([]*VerificationRule, error)
	UpsertRule(ctx context.Context, rule *VerificationRule) error
}

// ReviewRepository stores reviews and their result decisions
type ReviewRepository interface {
	GetReview(ctx context.Context, tenantID, reviewID string) (*Review, error)
	// ActiveReviewForSample returns the non-terminal review for the sample, or ErrNotFound.
	ActiveReviewForSample(ctx context.Context, tenantID, sampleID string) (*Review, error)
	// CreateReview inserts a new review. It returns ErrActiveReviewExists if the sample
	// already has an active review.
	CreateReview(ctx context.Context, review *Review) error
	// SaveReview persists the review, its decisions and the given result updates in one
	// transaction. The stored version must equal review.Version-1, otherwise
	// ErrConcurrentModification is returned and nothing is written.
	SaveReview(ctx context.Context, review *Review, results []*Result) error
	ListReviews(ctx context.Context, filter ReviewFilter) ([]*Review, int, error)
}

// SettingsProvider resolves settings for evaluation, usually through a cache
type SettingsProvider interface {
	Settings(ctx context.Context, tenantID, testCode string) (*AutoVerificationSettings, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	IsProduction() bool
}
