package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lab-verification-service/internal/audit"
	"github.com/lab-verification-service/internal/domain"
	"github.com/lab-verification-service/internal/middleware"
	"github.com/lab-verification-service/internal/service"
)

type batchRequest struct {
	ResultIDs []string `json:"result_ids"`
}

type commentRequest struct {
	Comment string `json:"comment"`
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

type decisionRequest struct {
	Decision domain.Decision `json:"decision"`
	Comment  string          `json:"comment"`
}

type ruleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleCreateResult(c *gin.Context) {
	var req service.ResultInput
	if !s.bind(c, &req) {
		return
	}
	out, err := s.services.Verification.CreateResult(c.Request.Context(), middleware.TenantID(c), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *Server) handleGetResult(c *gin.Context) {
	result, err := s.services.Verification.GetResult(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleVerifyResult(c *gin.Context) {
	out, err := s.services.Verification.VerifyResult(c.Request.Context(), middleware.TenantID(c), c.Param("id"), middleware.Actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleVerifyBatch(c *gin.Context) {
	var req batchRequest
	if !s.bind(c, &req) {
		return
	}
	out, err := s.services.Verification.VerifyBatch(c.Request.Context(), middleware.TenantID(c), req.ResultIDs, middleware.Actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleVerifySample(c *gin.Context) {
	out, err := s.services.Verification.VerifySample(c.Request.Context(), middleware.TenantID(c), c.Param("id"), middleware.Actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// handleListReviews serves the review queue. escalated=true selects the pathologist queue.
func (s *Server) handleListReviews(c *gin.Context) {
	skip, err := queryInt(c, "skip")
	if err != nil {
		s.fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		s.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	tenantID := middleware.TenantID(c)
	actor := middleware.Actor(c)

	var page *service.QueuePage
	if queryBool(c, "escalated") {
		page, err = s.services.Reviews.PathologistQueue(ctx, tenantID, actor, skip, limit)
	} else {
		filter := service.QueueFilter{
			AssignedToMe: queryBool(c, "assigned_to_me"),
			Skip:         skip,
			Limit:        limit,
		}
		for _, st := range c.QueryArray("state") {
			for _, part := range strings.Split(st, ",") {
				if part = strings.TrimSpace(part); part != "" {
					filter.States = append(filter.States, domain.ReviewState(part))
				}
			}
		}
		page, err = s.services.Reviews.ListQueue(ctx, tenantID, actor, filter)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleGetReview(c *gin.Context) {
	detail, err := s.services.Reviews.GetReview(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// handleReviewAudit lists the audit trail of the review's sample, including result verdicts
func (s *Server) handleReviewAudit(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := middleware.TenantID(c)

	detail, err := s.services.Reviews.GetReview(ctx, tenantID, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	entries, err := s.services.Audit.List(ctx, audit.Filter{TenantID: tenantID, SampleID: detail.Review.SampleID})
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"review_id": detail.Review.ID, "entries": entries})
}

func (s *Server) handleClaim(c *gin.Context) {
	rev, err := s.services.Reviews.Claim(c.Request.Context(), middleware.TenantID(c), c.Param("id"), middleware.Actor(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

func (s *Server) handleApproveAll(c *gin.Context) {
	var req commentRequest
	if c.Request.ContentLength != 0 && !s.bind(c, &req) {
		return
	}
	rev, err := s.services.Reviews.ApproveAll(c.Request.Context(), middleware.TenantID(c), c.Param("id"), middleware.Actor(c), req.Comment)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

func (s *Server) handleRejectAll(c *gin.Context) {
	var req commentRequest
	if !s.bind(c, &req) {
		return
	}
	rev, err := s.services.Reviews.RejectAll(c.Request.Context(), middleware.TenantID(c), c.Param("id"), middleware.Actor(c), req.Comment)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

func (s *Server) handleEscalate(c *gin.Context) {
	var req escalateRequest
	if !s.bind(c, &req) {
		return
	}
	rev, err := s.services.Reviews.Escalate(c.Request.Context(), middleware.TenantID(c), c.Param("id"), middleware.Actor(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

func (s *Server) handleDecision(c *gin.Context) {
	var req decisionRequest
	if !s.bind(c, &req) {
		return
	}
	rev, err := s.services.Reviews.DecideResult(c.Request.Context(), middleware.TenantID(c), c.Param("id"),
		c.Param("result_id"), middleware.Actor(c), domain.Decision(strings.ToLower(string(req.Decision))), req.Comment)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

func (s *Server) handleListSettings(c *gin.Context) {
	list, err := s.services.Settings.List(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []*domain.AutoVerificationSettings{}
	}
	c.JSON(http.StatusOK, gin.H{"settings": list})
}

func (s *Server) handleCreateSettings(c *gin.Context) {
	var req domain.AutoVerificationSettings
	if !s.bind(c, &req) {
		return
	}
	req.TenantID = middleware.TenantID(c)
	out, err := s.services.Settings.Create(c.Request.Context(), middleware.Actor(c), &req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	cfg, err := s.services.Settings.Get(c.Request.Context(), middleware.TenantID(c), c.Param("test_code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req domain.AutoVerificationSettings
	if !s.bind(c, &req) {
		return
	}
	req.TenantID = middleware.TenantID(c)
	req.TestCode = c.Param("test_code")
	out, err := s.services.Settings.Update(c.Request.Context(), middleware.Actor(c), &req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeleteSettings(c *gin.Context) {
	err := s.services.Settings.Delete(c.Request.Context(), middleware.Actor(c), middleware.TenantID(c), c.Param("test_code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRules(c *gin.Context) {
	rules, err := s.services.Settings.ListRules(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (s *Server) handleSetRule(c *gin.Context) {
	var req ruleRequest
	if !s.bind(c, &req) {
		return
	}
	if req.Enabled == nil {
		s.fail(c, domain.NewValidationError("enabled", "is required"))
		return
	}
	rule, err := s.services.Settings.SetRule(c.Request.Context(), middleware.Actor(c), middleware.TenantID(c),
		domain.RuleType(c.Param("rule_type")), *req.Enabled)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleSeedRules(c *gin.Context) {
	rules, err := s.services.Settings.SeedDefaults(c.Request.Context(), middleware.Actor(c), middleware.TenantID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// handleAuditExport streams the tenant's audit trail as JSON; admins only
func (s *Server) handleAuditExport(c *gin.Context) {
	if middleware.Actor(c).Role != domain.RoleAdmin {
		s.fail(c, domain.NewAuthorizationError("audit export requires the admin role"))
		return
	}
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	if err := s.services.Audit.ExportJSON(c.Request.Context(), middleware.TenantID(c), c.Writer); err != nil {
		s.logger.WithError(err).WithField("tenant_id", middleware.TenantID(c)).Error("Audit export failed")
	}
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError(key, "must be an integer")
	}
	return n, nil
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}
