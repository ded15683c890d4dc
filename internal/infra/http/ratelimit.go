package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"imgate/internal/domain"

	"github.com/gin-gonic/gin"
)

const (
	routeDownload = "download"
	routeAccess   = "access"
	routeRegister = "register"
)

// enforceRateLimit keys quotas by payer when one is supplied and by client
// address otherwise.
func (s *Server) enforceRateLimit(c *gin.Context, routeID, payer string) bool {
	if s.rateLimiter == nil || s.rateLimitRequests <= 0 {
		return true
	}
	subject := "ip:" + c.ClientIP()
	if p := domain.NormalizeAddress(payer); p != "" {
		subject = "payer:" + p
	}
	key := fmt.Sprintf("route:%s:%s", routeID, subject)

	decision, err := s.rateLimiter.Allow(c.Request.Context(), key, s.rateLimitRequests, s.rateLimitWindow)
	if err != nil {
		s.logger.WarnContext(c.Request.Context(), "rate limiter unavailable", "route", routeID, "error", err)
		if s.rateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			return false
		}
		return true
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return false
	}
	return true
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
