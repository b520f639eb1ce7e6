package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lab-verification-service/internal/domain"
)

// Identity headers set by the authenticating gateway in front of the service
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

const (
	tenantIDKey = "tenant_id"
	actorKey    = "actor"

	codeUnauthenticated domain.ErrorKind = "UNAUTHENTICATED"
)

// Identity resolves the tenant and the caller from the gateway headers. Requests without a
// tenant or user are refused; the role is mapped with domain.ParseRole.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if tenantID == "" || userID == "" {
			AbortWithError(c, http.StatusUnauthorized,
				domain.NewError(codeUnauthenticated, "tenant and user identity headers are required"))
			return
		}

		c.Set(tenantIDKey, tenantID)
		c.Set(actorKey, domain.Reviewer{
			UserID: userID,
			Role:   domain.ParseRole(c.GetHeader(HeaderUserRole)),
		})
		c.Next()
	}
}

// TenantID returns the tenant resolved by Identity
func TenantID(c *gin.Context) string {
	return c.GetString(tenantIDKey)
}

// Actor returns the caller resolved by Identity
func Actor(c *gin.Context) domain.Reviewer {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(domain.Reviewer); ok {
			return actor
		}
	}
	return domain.Reviewer{}
}
