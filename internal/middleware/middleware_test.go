package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-verification-service/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"tenant_id": TenantID(c),
			"user_id":   Actor(c).UserID,
			"role":      Actor(c).Role,
		})
	})
	return r
}

func get(r http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := get(newRouter(SecurityHeaders()), nil)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "HSTS only in release mode")
}

func TestCorrelationID(t *testing.T) {
	r := newRouter(CorrelationID())

	w := get(r, nil)
	assert.Len(t, w.Header().Get("X-Correlation-ID"), 36)

	w = get(r, map[string]string{"X-Correlation-ID": "abc-123"})
	assert.Equal(t, "abc-123", w.Header().Get("X-Correlation-ID"))
}

func TestIdentity(t *testing.T) {
	r := newRouter(CorrelationID(), Identity())

	tests := []struct {
		name    string
		headers map[string]string
		status  int
		role    string
	}{
		{"missing tenant", map[string]string{HeaderUserID: "u1"}, http.StatusUnauthorized, ""},
		{"missing user", map[string]string{HeaderTenantID: "t1"}, http.StatusUnauthorized, ""},
		{"reviewer alias", map[string]string{HeaderTenantID: "t1", HeaderUserID: "u1", HeaderUserRole: "Reviewer"}, http.StatusOK, "technician"},
		{"pathologist", map[string]string{HeaderTenantID: "t1", HeaderUserID: "u1", HeaderUserRole: "pathologist"}, http.StatusOK, "pathologist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, tt.headers)
			require.Equal(t, tt.status, w.Code)

			if tt.status != http.StatusOK {
				var body struct {
					Error         domain.Error `json:"error"`
					CorrelationID string       `json:"correlation_id"`
				}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, codeUnauthenticated, body.Error.Kind)
				assert.NotEmpty(t, body.CorrelationID)
				return
			}

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "t1", body["tenant_id"])
			assert.Equal(t, tt.role, body["role"])
		})
	}
}

func TestTenantRateLimiter(t *testing.T) {
	limiter := NewTenantRateLimiter(domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 2})
	now := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("t1"))
	assert.True(t, limiter.Allow("t1"))
	assert.False(t, limiter.Allow("t1"))
	assert.True(t, limiter.Allow("t2"), "tenants have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("t1"))

	now = now.Add(time.Hour)
	limiter.Allow("t3")
	limiter.mu.Lock()
	assert.Len(t, limiter.limiters, 1, "idle tenants are evicted")
	limiter.mu.Unlock()
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewTenantRateLimiter(domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1})
	r := newRouter(Identity(), limiter.Middleware())
	headers := map[string]string{HeaderTenantID: "t1", HeaderUserID: "u1"}

	assert.Equal(t, http.StatusOK, get(r, headers).Code)
	w := get(r, headers)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRequestLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := newRouter(CorrelationID(), Identity(), RequestLogger(logger))

	get(r, map[string]string{HeaderTenantID: "t1", HeaderUserID: "u1"})

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "t1", entry.Data["tenant_id"])
	assert.Equal(t, "u1", entry.Data["user_id"])
	assert.Equal(t, http.StatusOK, entry.Data["status"])
}

func TestRequestTimeout(t *testing.T) {
	r := gin.New()
	r.Use(RequestTimeout(time.Minute))
	r.GET("/ping", func(c *gin.Context) {
		_, ok := c.Request.Context().Deadline()
		c.JSON(http.StatusOK, gin.H{"deadline": ok})
	})

	w := get(r, nil)
	assert.JSONEq(t, `{"deadline":true}`, w.Body.String())
}
