package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/lab-verification-service/internal/domain"
)

const codeRateLimited domain.ErrorKind = "RATE_LIMITED"

// TenantRateLimiter keeps one token bucket per tenant
type TenantRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*tenantLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantRateLimiter creates a limiter allowing rps requests per second per tenant
func NewTenantRateLimiter(cfg domain.RateLimitConfig) *TenantRateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &TenantRateLimiter{
		limiters: make(map[string]*tenantLimiter),
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether the tenant may make another request now
func (l *TenantRateLimiter) Allow(tenantID string) bool {
	l.mu.Lock()
	now := l.now()
	tl, ok := l.limiters[tenantID]
	if !ok {
		l.evictIdle(now)
		tl = &tenantLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[tenantID] = tl
	}
	tl.lastSeen = now
	l.mu.Unlock()

	return tl.limiter.AllowN(now, 1)
}

// evictIdle drops tenants not seen for a while. Caller holds mu.
func (l *TenantRateLimiter) evictIdle(now time.Time) {
	for id, tl := range l.limiters {
		if now.Sub(tl.lastSeen) > l.idle {
			delete(l.limiters, id)
		}
	}
}

// Middleware enforces the limit for the tenant resolved by Identity
func (l *TenantRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := TenantID(c)
		if tenantID != "" && !l.Allow(tenantID) {
			c.Header("Retry-After", strconv.Itoa(1))
			AbortWithError(c, http.StatusTooManyRequests,
				domain.NewError(codeRateLimited, "request rate limit exceeded for tenant"))
			return
		}
		c.Next()
	}
}
