package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/lab-verification-service/internal/domain"
	"github.com/lab-verification-service/internal/verification"
)

// HistoryClient answers the delta check's previous-result lookups. Calls are bounded by a
// timeout and guarded by a circuit breaker so a struggling history store fails fast instead of
// stalling every verification.
type HistoryClient struct {
	repo    domain.ResultRepository
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *logrus.Logger
}

// NewHistoryClient creates a history client from the verification configuration
func NewHistoryClient(repo domain.ResultRepository, cfg domain.VerificationConfig, logger *logrus.Logger) *HistoryClient {
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 3
	}
	if cfg.BreakerInterval == 0 {
		cfg.BreakerInterval = 30 * time.Second
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 60 * time.Second
	}
	if cfg.BreakerFailureRatio == 0 {
		cfg.BreakerFailureRatio = 0.6
	}
	if cfg.BreakerMinimumRequests == 0 {
		cfg.BreakerMinimumRequests = 5
	}
	if cfg.HistoryTimeout == 0 {
		cfg.HistoryTimeout = 2 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "PatientHistory",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.BreakerMinimumRequests && failureRatio >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &HistoryClient{
		repo:    repo,
		breaker: breaker,
		timeout: cfg.HistoryTimeout,
		logger:  logger,
	}
}

// Lookup implements verification.HistoryLookup. A missing previous result is not a failure.
func (h *HistoryClient) Lookup(ctx context.Context, q verification.HistoryQuery) (*domain.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	out, err := h.breaker.Execute(func() (interface{}, error) {
		previous, err := h.repo.PreviousVerified(ctx, q.TenantID, q.PatientID, q.TestCode, q.Before, q.WithinDays)
		if errors.Is(err, domain.ErrNotFound) {
			return (*domain.Result)(nil), nil
		}
		return previous, err
	})
	if err != nil {
		return nil, err
	}
	return out.(*domain.Result), nil
}

// State returns the breaker state for health reporting
func (h *HistoryClient) State() string {
	return h.breaker.State().String()
}
