// Package api exposes the verification engine and the review workflow over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/audit"
	"github.com/lab-verification-service/internal/domain"
	"github.com/lab-verification-service/internal/middleware"
	"github.com/lab-verification-service/internal/service"
)

const (
	defaultRequestTimeout = 30 * time.Second
	shutdownTimeout       = 30 * time.Second
	healthTimeout         = 2 * time.Second
)

// HealthCheck is one dependency probed by /health
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Services are the application services the handlers call
type Services struct {
	Verification *service.VerificationService
	Reviews      *service.ReviewService
	Settings     *service.SettingsService
	Audit        audit.Store
	HealthChecks []HealthCheck
}

// Server represents the HTTP server
type Server struct {
	config   *domain.Config
	services Services
	router   *gin.Engine
	server   *http.Server
	logger   *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *domain.Config, services Services, logger *logrus.Logger) *Server {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.RequestTimeout(requestTimeout(cfg.Server)))

	server := &Server{
		config:   cfg,
		services: services,
		router:   router,
		logger:   logger,
	}
	server.setupRoutes()
	return server
}

func requestTimeout(cfg domain.ServerConfig) time.Duration {
	if cfg.WriteTimeout > 0 {
		return cfg.WriteTimeout
	}
	return defaultRequestTimeout
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		var err error
		if cfg.TLSEnabled {
			err = s.server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.Identity())
	if s.config.RateLimit.Enabled {
		v1.Use(middleware.NewTenantRateLimiter(s.config.RateLimit).Middleware())
	}
	{
		v1.POST("/results", s.handleCreateResult)
		v1.GET("/results/:id", s.handleGetResult)
		v1.POST("/results/:id/verify", s.handleVerifyResult)
		v1.POST("/verification/batch", s.handleVerifyBatch)
		v1.POST("/samples/:id/verify", s.handleVerifySample)

		v1.GET("/reviews", s.handleListReviews)
		v1.GET("/reviews/:id", s.handleGetReview)
		v1.GET("/reviews/:id/audit", s.handleReviewAudit)
		v1.POST("/reviews/:id/claim", s.handleClaim)
		v1.POST("/reviews/:id/approve", s.handleApproveAll)
		v1.POST("/reviews/:id/reject", s.handleRejectAll)
		v1.POST("/reviews/:id/escalate", s.handleEscalate)
		v1.POST("/reviews/:id/results/:result_id/decision", s.handleDecision)

		v1.GET("/settings", s.handleListSettings)
		v1.POST("/settings", s.handleCreateSettings)
		v1.GET("/settings/:test_code", s.handleGetSettings)
		v1.PUT("/settings/:test_code", s.handleUpdateSettings)
		v1.DELETE("/settings/:test_code", s.handleDeleteSettings)

		v1.GET("/rules", s.handleListRules)
		v1.PUT("/rules/:rule_type", s.handleSetRule)
		v1.POST("/rules/defaults", s.handleSeedRules)

		v1.GET("/audit/export", s.handleAuditExport)
	}
}

// handleHealth reports the state of every registered dependency
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.services.HealthChecks))
	for _, hc := range s.services.HealthChecks {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[hc.Name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

// statusFor maps error kinds to HTTP statuses
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindImmutability, domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindConfigurationMissing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error response. Untyped errors are logged and hidden.
func (s *Server) fail(c *gin.Context, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"correlation_id": middleware.GetCorrelationID(c),
			"path":           c.FullPath(),
		}).Error("Request failed")
		middleware.AbortWithError(c, http.StatusInternalServerError,
			domain.NewError(domain.KindInternal, "internal server error"))
		return
	}

	resp := domain.NewError(derr.Kind, derr.Message)
	resp.Details = derr.Details
	if outer := err.Error(); outer != derr.Error() {
		// Wrapped sentinel, e.g. "record was modified concurrently: STATE_CONFLICT: ..."
		resp.Message = strings.TrimSuffix(outer, ": "+derr.Error())
	}
	middleware.AbortWithError(c, statusFor(derr.Kind), resp)
}

func (s *Server) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.fail(c, domain.NewValidationError("body", "invalid JSON body: "+err.Error()))
		return false
	}
	return true
}
